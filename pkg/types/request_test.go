package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wa4h1h/tftpd/pkg/utils"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		Opcode:   OpCodeRRQ,
		Filename: "greet",
		Mode:     ModeOctet,
	}

	b, err := req.MarshalBinary()
	require.NoError(t, err)

	var parsed Request
	require.NoError(t, parsed.UnmarshalBinary(b))

	assert.Equal(t, *req, parsed)
}

func TestRequestRoundTripWithOptions(t *testing.T) {
	req := &Request{
		Opcode:   OpCodeRRQ,
		Filename: "firmware.bin",
		Mode:     ModeOctet,
		Options: []Option{
			{Name: OptionBlksize, Value: "1024"},
			{Name: OptionTimeout, Value: "3"},
			{Name: OptionTsize, Value: "0"},
		},
	}

	b, err := req.MarshalBinary()
	require.NoError(t, err)

	var parsed Request
	require.NoError(t, parsed.UnmarshalBinary(b))

	assert.Equal(t, req.Options, parsed.Options)

	reEncoded, err := parsed.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, b, reEncoded)
}

func TestRequestLowercasesModeAndOptions(t *testing.T) {
	req := &Request{
		Opcode:   OpCodeWRQ,
		Filename: "UPLOAD",
		Mode:     "OCTET",
		Options:  []Option{{Name: "BLKSIZE", Value: "2048"}},
	}

	b, err := req.MarshalBinary()
	require.NoError(t, err)

	var parsed Request
	require.NoError(t, parsed.UnmarshalBinary(b))

	assert.Equal(t, "UPLOAD", parsed.Filename)
	assert.Equal(t, ModeOctet, parsed.Mode)
	assert.Equal(t, []Option{{Name: OptionBlksize, Value: "2048"}}, parsed.Options)
}

func TestRequestRejectsWrongOpcode(t *testing.T) {
	var parsed Request

	err := parsed.UnmarshalBinary([]byte{0, 3, 'a', 0, 'o', 'c', 't', 'e', 't', 0})
	assert.ErrorIs(t, err, utils.ErrWrongOpCode)
}

func TestRequestRejectsNonNetasciiFilename(t *testing.T) {
	var parsed Request

	err := parsed.UnmarshalBinary([]byte{0, 1, 'a', 0xff, 'b', 0, 'o', 'c', 't', 'e', 't', 0})
	assert.ErrorIs(t, err, utils.ErrNotNetascii)
}

func TestRequestRejectsUnknownMode(t *testing.T) {
	var parsed Request

	err := parsed.UnmarshalBinary([]byte{0, 1, 'a', 0, 'b', 'a', 's', 'e', '6', '4', 0})
	assert.ErrorIs(t, err, utils.ErrUnknownMode)
}

func TestRequestRejectsOddOptionFields(t *testing.T) {
	var parsed Request

	err := parsed.UnmarshalBinary([]byte{
		0, 1, 'a', 0, 'o', 'c', 't', 'e', 't', 0,
		'b', 'l', 'k', 's', 'i', 'z', 'e', 0,
	})
	assert.ErrorIs(t, err, utils.ErrOddOptionFields)
}

func TestRequestRejectsMissingTrailingNull(t *testing.T) {
	var parsed Request

	err := parsed.UnmarshalBinary([]byte{0, 1, 'a', 0, 'o', 'c', 't', 'e', 't'})
	assert.ErrorIs(t, err, utils.ErrMalformedPacket)
}

func TestRequestMarshalRejectsNonNetasciiFilename(t *testing.T) {
	req := &Request{Opcode: OpCodeRRQ, Filename: "f\xffile", Mode: ModeOctet}

	_, err := req.MarshalBinary()
	assert.ErrorIs(t, err, utils.ErrNotNetascii)
}

func TestRequestOptionMapLastWriteWins(t *testing.T) {
	req := &Request{
		Options: []Option{
			{Name: OptionBlksize, Value: "512"},
			{Name: OptionBlksize, Value: "1024"},
		},
	}

	m, dups := req.OptionMap()

	assert.Equal(t, "1024", m[OptionBlksize])
	assert.Equal(t, []string{OptionBlksize}, dups)
}
