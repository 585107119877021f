package server

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Wa4h1h/tftpd/pkg/types"
)

type sinkCall struct {
	data []byte
	last bool
}

func recordingSink(calls *[]sinkCall) Sink {
	return func(data []byte, last bool) error {
		*calls = append(*calls, sinkCall{data: append([]byte(nil), data...), last: last})

		return nil
	}
}

func ack0Bytes(t *testing.T) []byte {
	t.Helper()

	b, err := ackPacket(0).MarshalBinary()
	require.NoError(t, err)

	return b
}

func dataPacket(blockNum uint16, payload []byte) *types.Data {
	return &types.Data{Opcode: types.OpCodeDATA, BlockNum: blockNum, Payload: payload}
}

func newTestReceiver(fe *fakeEndpoint, sink Sink, blkSize int, reply []byte) *receiver {
	return newReceiver(fe, testPeer, zap.NewNop().Sugar(), sink,
		blkSize, 3*time.Second, 2, reply, false)
}

func decodeAck(t *testing.T, p fakePacket) *types.Ack {
	t.Helper()

	var ack types.Ack
	require.NoError(t, ack.UnmarshalBinary(p.b))

	return &ack
}

func TestReceiverSmallUpload(t *testing.T) {
	var calls []sinkCall

	fe := &fakeEndpoint{}
	m := newTestReceiver(fe, recordingSink(&calls), types.DefaultBlockSize, ack0Bytes(t))
	t0 := time.Unix(1000, 0)

	interest, done := m.resume(t0, false, true)
	require.False(t, done)
	assert.Equal(t, Interest{Read: true}, interest)

	require.Len(t, fe.out, 1)
	assert.Equal(t, uint16(0), decodeAck(t, fe.out[0]).BlockNum)

	fe.push(t, dataPacket(1, []byte("hello")), testPeer)

	_, done = m.resume(t0, true, true)
	assert.True(t, done)

	require.Len(t, calls, 1)
	assert.Equal(t, []byte("hello"), calls[0].data)
	assert.True(t, calls[0].last)

	require.Len(t, fe.out, 2)
	assert.Equal(t, uint16(1), decodeAck(t, fe.out[1]).BlockNum)
}

func TestReceiverLockStepWithDuplicateBlock(t *testing.T) {
	var calls []sinkCall

	full := bytes.Repeat([]byte{'D'}, types.DefaultBlockSize)
	fe := &fakeEndpoint{}
	m := newTestReceiver(fe, recordingSink(&calls), types.DefaultBlockSize, ack0Bytes(t))
	t0 := time.Unix(1000, 0)

	_, done := m.resume(t0, false, true)
	require.False(t, done)

	fe.push(t, dataPacket(1, full), testPeer)

	_, done = m.resume(t0, true, true)
	require.False(t, done)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].last)

	// our ack got lost, the peer retransmits block 1
	fe.push(t, dataPacket(1, full), testPeer)

	_, done = m.resume(t0, true, true)
	require.False(t, done)

	// re-acked without reaching the sink again
	require.Len(t, calls, 1)
	assert.Equal(t, uint16(1), decodeAck(t, fe.out[len(fe.out)-1]).BlockNum)

	fe.push(t, dataPacket(2, []byte("end")), testPeer)

	_, done = m.resume(t0, true, true)
	assert.True(t, done)

	require.Len(t, calls, 2)
	assert.Equal(t, []byte("end"), calls[1].data)
	assert.True(t, calls[1].last)
	assert.Equal(t, uint16(2), decodeAck(t, fe.out[len(fe.out)-1]).BlockNum)
}

func TestReceiverOackReply(t *testing.T) {
	var calls []sinkCall

	oack, err := marshalOack([]types.Option{{Name: types.OptionBlksize, Value: "8"}})
	require.NoError(t, err)

	fe := &fakeEndpoint{}
	m := newTestReceiver(fe, recordingSink(&calls), 8, oack)
	t0 := time.Unix(1000, 0)

	_, done := m.resume(t0, false, true)
	require.False(t, done)

	require.Len(t, fe.out, 1)
	assert.Equal(t, oack, fe.out[0].b)

	// an OACK is answered with DATA(1) directly, not with ACK(0)
	fe.push(t, dataPacket(1, []byte("1234567")), testPeer)

	_, done = m.resume(t0, true, true)
	assert.True(t, done)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].last)
}

func TestReceiverForeignTidGetsError(t *testing.T) {
	var calls []sinkCall

	fe := &fakeEndpoint{}
	m := newTestReceiver(fe, recordingSink(&calls), types.DefaultBlockSize, ack0Bytes(t))
	t0 := time.Unix(1000, 0)

	_, done := m.resume(t0, false, true)
	require.False(t, done)

	fe.push(t, dataPacket(1, []byte("evil")), testForeign)

	_, done = m.resume(t0, true, true)
	require.False(t, done)
	assert.Empty(t, calls)

	errPacket := decodeError(t, fe.out[len(fe.out)-1])
	assert.Equal(t, types.ErrUnknownTransferId, errPacket.ErrorCode)
	assert.Equal(t, testForeign, fe.out[len(fe.out)-1].addr)

	fe.push(t, dataPacket(1, []byte("good")), testPeer)

	_, done = m.resume(t0, true, true)
	assert.True(t, done)
	require.Len(t, calls, 1)
	assert.Equal(t, []byte("good"), calls[0].data)
}

func TestReceiverRetransmitsReplyAndExhaustsRetries(t *testing.T) {
	var calls []sinkCall

	fe := &fakeEndpoint{}
	m := newTestReceiver(fe, recordingSink(&calls), types.DefaultBlockSize, ack0Bytes(t))
	t0 := time.Unix(1000, 0)

	_, done := m.resume(t0, false, true)
	require.False(t, done)
	require.Len(t, fe.out, 1)

	_, done = m.resume(t0.Add(3*time.Second), false, false)
	require.False(t, done)
	require.Len(t, fe.out, 2)
	assert.Equal(t, fe.out[0].b, fe.out[1].b)

	_, done = m.resume(t0.Add(6*time.Second), false, false)
	require.False(t, done)

	_, done = m.resume(t0.Add(9*time.Second), false, false)
	assert.True(t, done)

	errPacket := decodeError(t, fe.out[len(fe.out)-1])
	assert.Equal(t, "Data timeout", errPacket.ErrMsg)
}

func TestReceiverSinkFailureAbortsTransfer(t *testing.T) {
	sink := func(data []byte, last bool) error {
		return errors.New("disk detached")
	}

	fe := &fakeEndpoint{}
	m := newTestReceiver(fe, sink, types.DefaultBlockSize, ack0Bytes(t))
	t0 := time.Unix(1000, 0)

	_, done := m.resume(t0, false, true)
	require.False(t, done)

	fe.push(t, dataPacket(1, []byte("x")), testPeer)

	_, done = m.resume(t0, true, true)
	assert.True(t, done)

	errPacket := decodeError(t, fe.out[len(fe.out)-1])
	assert.Equal(t, "An unknown error occurred", errPacket.ErrMsg)
}

func TestReceiverRejectsOversizePayload(t *testing.T) {
	var calls []sinkCall

	fe := &fakeEndpoint{}
	m := newTestReceiver(fe, recordingSink(&calls), 8, ack0Bytes(t))
	t0 := time.Unix(1000, 0)

	_, done := m.resume(t0, false, true)
	require.False(t, done)

	fe.push(t, dataPacket(1, []byte("123456789")), testPeer)

	_, done = m.resume(t0, true, true)
	assert.True(t, done)
	assert.Empty(t, calls)

	errPacket := decodeError(t, fe.out[len(fe.out)-1])
	assert.Equal(t, types.ErrIllegalTftpOp, errPacket.ErrorCode)
}
