package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/ntbqp/internal/ntb"
	"github.com/yuuki/ntbqp/internal/transport"
)

func newPair(t *testing.T) (*transport.Transport, *transport.Transport) {
	t.Helper()
	simCfg := ntb.DefaultSimConfig()
	simCfg.MWSize = 64 << 10
	pair, err := ntb.NewSimPair(simCfg)
	require.NoError(t, err)

	cfg := transport.DefaultConfig()
	cfg.MTU = 1024
	cfg.MaxQPs = 2
	ta, err := transport.New(pair.A, cfg)
	require.NoError(t, err)
	tb, err := transport.New(pair.B, cfg)
	require.NoError(t, err)
	return ta, tb
}

func TestNodeStateRegistry(t *testing.T) {
	s := NewNodeState("node-1")
	assert.Equal(t, "node-1", s.GetNodeName())

	ta, tb := newPair(t)
	require.NoError(t, s.Register(tb))
	require.NoError(t, s.Register(ta))
	assert.ErrorIs(t, s.Register(ta), ErrAlreadyRegistered)

	got, ok := s.GetTransport(ta.DeviceName())
	require.True(t, ok)
	assert.Same(t, ta, got)

	all := s.GetTransports()
	require.Len(t, all, 2)
	assert.Same(t, ta, all[0], "ordered by device name")
	assert.Same(t, tb, all[1])

	_, err := ta.CreateQueue(nil, transport.QueueHandlers{})
	require.NoError(t, err)
	stats := s.QueueStats()
	require.Len(t, stats, 1)
	assert.Equal(t, ta.ID(), stats[0].Transport)

	assert.Same(t, tb, s.Unregister(tb.DeviceName()))
	assert.Nil(t, s.Unregister(tb.DeviceName()))
	require.NoError(t, tb.Close())

	require.NoError(t, s.Close())
	assert.Empty(t, s.GetTransports())
	_, err = ta.CreateQueue(nil, transport.QueueHandlers{})
	assert.ErrorIs(t, err, transport.ErrTransportClosed)
}
