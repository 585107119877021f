package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wa4h1h/tftpd/pkg/utils"
)

func newLoopbackEndpoint(t *testing.T) *Endpoint {
	t.Helper()

	ep, err := NewEndpoint("127.0.0.1", 0)
	require.NoError(t, err)

	t.Cleanup(func() { _ = ep.Close() })

	return ep
}

// waitReadable polls a single endpoint until it reports readable.
func waitReadable(t *testing.T, ep *Endpoint) {
	t.Helper()

	ready, err := pollReadiness(map[int]Interest{ep.Fd(): {Read: true}}, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ready[ep.Fd()].Read, "endpoint never became readable")
}

func TestEndpointBindsEphemeralPort(t *testing.T) {
	ep := newLoopbackEndpoint(t)

	local := ep.LocalAddr()
	assert.Equal(t, [4]byte{127, 0, 0, 1}, local.IP)
	assert.NotZero(t, local.Port)
}

func TestEndpointRecvFromWouldBlockWhenEmpty(t *testing.T) {
	ep := newLoopbackEndpoint(t)

	buf := make([]byte, 64)
	_, _, err := ep.RecvFrom(buf)
	assert.ErrorIs(t, err, utils.ErrWouldBlock)
}

func TestEndpointSendToAndRecvFrom(t *testing.T) {
	a := newLoopbackEndpoint(t)
	b := newLoopbackEndpoint(t)

	n, err := a.SendTo([]byte("ping"), b.LocalAddr())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	waitReadable(t, b)

	buf := make([]byte, 64)
	n, from, err := b.RecvFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), buf[:n])
	assert.Equal(t, a.LocalAddr(), from)
}

func TestEndpointPreservesDatagramBoundaries(t *testing.T) {
	a := newLoopbackEndpoint(t)
	b := newLoopbackEndpoint(t)

	_, err := a.SendTo([]byte("one"), b.LocalAddr())
	require.NoError(t, err)
	_, err = a.SendTo([]byte("two"), b.LocalAddr())
	require.NoError(t, err)

	waitReadable(t, b)

	buf := make([]byte, 64)

	n, _, err := b.RecvFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), buf[:n])

	waitReadable(t, b)

	n, _, err = b.RecvFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), buf[:n])
}

func TestEndpointClosedReportsDistinctError(t *testing.T) {
	ep, err := NewEndpoint("127.0.0.1", 0)
	require.NoError(t, err)
	require.NoError(t, ep.Close())

	buf := make([]byte, 8)
	_, _, err = ep.RecvFrom(buf)
	assert.ErrorIs(t, err, utils.ErrEndpointClosed)
}

func TestEndpointRejectsNonIPv4Bind(t *testing.T) {
	_, err := NewEndpoint("::1", 0)
	assert.Error(t, err)
}
