package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/ntbqp/internal/config"
	"github.com/yuuki/ntbqp/internal/transport"
)

// testConfig returns a small, fast configuration
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(nil)
	require.NoError(t, err)

	cfg.NodeName = "test-node"
	cfg.LogLevel = "error"
	cfg.Transport.MTU = 1024
	cfg.Transport.MaxQPs = 2
	cfg.Transport.RxEntries = 32
	cfg.Transport.TxEntries = 32
	cfg.Transport.LinkRetryIntervalMS = 1
	cfg.Transport.QPLinkRetryIntervalMS = 1
	cfg.Device.MWSize = 64 << 10
	cfg.PingPong.RatePerSecond = 500
	cfg.PingPong.TimeoutMS = 200
	return cfg
}

// runAgent starts Run in the background and returns a function that stops
// it and reports Run's error.
func runAgent(t *testing.T, a *Agent) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("agent did not stop")
			return nil
		}
	}
}

// rxPackets sums received frames per transport
func rxPackets(a *Agent) map[string]uint64 {
	out := make(map[string]uint64)
	for _, s := range a.State().QueueStats() {
		out[s.Transport] += s.RxPkts
	}
	return out
}

// TestNew tests the New function
func TestNew(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	defer a.Stop()

	transports := a.State().GetTransports()
	require.Len(t, transports, 2)
	assert.Equal(t, "ntb-sim-a", transports[0].DeviceName())
	assert.Equal(t, "ntb-sim-b", transports[1].DeviceName())
	assert.Equal(t, 2, transports[0].NumQueues())
	assert.False(t, transports[0].LinkIsUp(), "link stays down until Run")
	assert.Equal(t, "test-node", a.State().GetNodeName())
}

func TestNewRejectsBadDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Device.DBCount = 0
	_, err := New(cfg)
	assert.Error(t, err)
}

// TestRunExchangesPings runs ping-pong over the pair and checks both
// directions carry frames
func TestRunExchangesPings(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	stop := runAgent(t, a)

	require.Eventually(t, func() bool {
		rx := rxPackets(a)
		return len(rx) == 2 && rx[a.State().GetTransports()[0].ID()] >= 10 && rx[a.State().GetTransports()[1].ID()] >= 10
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	assert.Empty(t, a.State().GetTransports(), "transports are closed on shutdown")
	require.Len(t, a.pingers, 1)
	assert.Positive(t, a.pingers[0].Counters().PongsReceived)
	assert.Positive(t, a.echoers[0].Counters().PongsSent)
}

// TestRunWithFlapsAndDMA keeps traffic flowing while the link is flapped
func TestRunWithFlapsAndDMA(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.UseDMA = true
	cfg.Transport.DMAThreshold = 16
	cfg.Flap.IntervalMS = 20

	a, err := New(cfg)
	require.NoError(t, err)
	stop := runAgent(t, a)

	require.Eventually(t, func() bool {
		for _, s := range a.State().QueueStats() {
			if s.Round != 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "flaps never moved a round")

	require.NoError(t, stop())
	assert.Positive(t, a.pingers[0].Counters().PingsSent)
}

func TestRunWithoutPingPong(t *testing.T) {
	cfg := testConfig(t)
	cfg.PingPong.Enabled = false

	a, err := New(cfg)
	require.NoError(t, err)
	stop := runAgent(t, a)

	var transports []*transport.Transport
	require.Eventually(t, func() bool {
		transports = a.State().GetTransports()
		return len(transports) == 2 && transports[0].LinkIsUp() && transports[1].LinkIsUp()
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	assert.Empty(t, a.pingers)
}
