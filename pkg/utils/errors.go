package utils

import "errors"

var (
	ErrStartingServer     = errors.New("error: starting the udp server")
	ErrWrongOpCode        = errors.New("error: invalid operation code")
	ErrDataPayloadTooBig  = errors.New("error: payload exceeds max block size")
	ErrPacketMarshall     = errors.New("error: can not marshall packet")
	ErrPacketCanNotBeSent = errors.New("error: packet can not be sent")
	ErrWouldBlock         = errors.New("error: operation would block")
	ErrEndpointClosed     = errors.New("error: endpoint is closed")
	ErrNotNetascii        = errors.New("error: filename is not netascii")
	ErrUnknownMode        = errors.New("error: unknown transfer mode")
	ErrMalformedPacket    = errors.New("error: malformed packet")
	ErrOddOptionFields    = errors.New("error: option fields are not key/value pairs")
	ErrTransferAborted    = errors.New("error: transfer aborted")
)
