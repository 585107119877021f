package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubConnector struct {
	gets     []string
	puts     []string
	connects []string
	timeout  uint
	trace    bool
}

func (s *stubConnector) Connect(addr string) error { s.connects = append(s.connects, addr); return nil }
func (s *stubConnector) Get(filename string) error { s.gets = append(s.gets, filename); return nil }
func (s *stubConnector) Put(filename string) error { s.puts = append(s.puts, filename); return nil }
func (s *stubConnector) SetTimeout(timeout uint)   { s.timeout = timeout }
func (s *stubConnector) SetTrace()                 { s.trace = true }
func (s *stubConnector) Close() error              { return nil }

func TestEvaluatorCommands(t *testing.T) {
	stub := &stubConnector{}
	e := NewEvaluator(zap.NewNop().Sugar(), stub)

	e.line = "get remote.bin"
	done, err := e.evaluate()
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, []string{"remote.bin"}, stub.gets)

	e.line = "put local.bin"
	_, err = e.evaluate()
	require.NoError(t, err)
	assert.Equal(t, []string{"local.bin"}, stub.puts)

	e.line = "connect 127.0.0.1 6969"
	_, err = e.evaluate()
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:6969"}, stub.connects)

	e.line = "timeout 7"
	_, err = e.evaluate()
	require.NoError(t, err)
	assert.Equal(t, uint(7), stub.timeout)

	e.line = "trace"
	_, err = e.evaluate()
	require.NoError(t, err)
	assert.True(t, stub.trace)

	e.line = "quit"
	done, err = e.evaluate()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestEvaluatorUnknownCommand(t *testing.T) {
	e := NewEvaluator(zap.NewNop().Sugar(), &stubConnector{})

	e.line = "frobnicate"
	_, err := e.evaluate()
	assert.Error(t, err)
}
