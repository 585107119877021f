package server

import (
	"errors"
	"net"

	"github.com/Wa4h1h/tftpd/pkg/types"
)

// factoryError maps a factory failure to its wire form: a *types.Error
// is forwarded verbatim, anything else becomes ERROR(1).
func factoryError(err error) *types.Error {
	var errPacket *types.Error
	if errors.As(err, &errPacket) {
		return errPacket
	}

	return types.NewError(types.ErrFileNotFound)
}

// marshalOack builds the OACK wire bytes, nil when the accepted option
// set is empty (the OACK is suppressed entirely).
func marshalOack(accepted []types.Option) ([]byte, error) {
	if len(accepted) == 0 {
		return nil, nil
	}

	oack := &types.Oack{Opcode: types.OpCodeOACK, Options: accepted}

	return oack.MarshalBinary()
}

// bindIP turns a listener address into the bind address for a transfer
// endpoint: the listener's own address, or all interfaces when the
// listener is bound to the wildcard address.
func bindIP(local Addr) string {
	if local.IP == [4]byte{} {
		return ""
	}

	return net.IP(local.IP[:]).String()
}
