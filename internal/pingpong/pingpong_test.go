package pingpong

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/ntbqp/internal/ntb"
	"github.com/yuuki/ntbqp/internal/transport"
)

const waitFor = 5 * time.Second

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordRTT(ctx context.Context, rtt time.Duration, qp int) {
	m.Called(ctx, rtt, qp)
}

func (m *mockRecorder) RecordTimeout(ctx context.Context, qp int) {
	m.Called(ctx, qp)
}

func newTransports(t *testing.T) (*ntb.SimPair, *transport.Transport, *transport.Transport) {
	t.Helper()
	simCfg := ntb.DefaultSimConfig()
	simCfg.MWSize = 64 << 10
	pair, err := ntb.NewSimPair(simCfg)
	require.NoError(t, err)

	cfg := transport.DefaultConfig()
	cfg.MTU = 1024
	cfg.MaxQPs = 2
	cfg.LinkRetryInterval = time.Millisecond
	cfg.QPLinkRetryInterval = time.Millisecond

	ta, err := transport.New(pair.A, cfg)
	require.NoError(t, err)
	tb, err := transport.New(pair.B, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ta.Close()
		_ = tb.Close()
	})
	return pair, ta, tb
}

func testConfig(rate int) Config {
	cfg := DefaultConfig()
	cfg.RatePerSecond = rate
	cfg.Timeout = 200 * time.Millisecond
	return cfg
}

func newPeers(t *testing.T, pingerCfg Config, recorder Recorder) (*ntb.SimPair, *Peer, *Peer) {
	t.Helper()
	pair, ta, tb := newTransports(t)

	pinger, err := New(ta, pingerCfg, recorder)
	require.NoError(t, err)
	responder, err := New(tb, testConfig(0), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		pinger.Close()
		responder.Close()
	})
	return pair, pinger, responder
}

func startLinked(t *testing.T, pair *ntb.SimPair, peers ...*Peer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pair.SetLinkUp(true)
	for _, p := range peers {
		p.Start(ctx)
	}
	require.Eventually(t, func() bool {
		for _, p := range peers {
			if !p.QP().LinkQuery() {
				return false
			}
		}
		return true
	}, waitFor, time.Millisecond)
}

func TestPacketEncodeDecode(t *testing.T) {
	id := uuid.New()
	sent := time.Unix(0, 1_700_000_000_123_456_789)
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xee
	}

	pkt := Packet{Type: TypePing, Seq: 0x01020304, Session: id, SentAt: sent}
	require.NoError(t, pkt.Encode(buf))

	assert.Equal(t, []byte{TypePing, 0, 0, 0, 0x04, 0x03, 0x02, 0x01}, buf[:8])
	assert.Equal(t, byte(0xee), buf[PacketSize], "padding is left alone")

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, TypePing, got.Type)
	assert.Equal(t, uint32(0x01020304), got.Seq)
	assert.Equal(t, id, got.Session)
	assert.True(t, sent.Equal(got.SentAt))

	assert.Error(t, pkt.Encode(make([]byte, PacketSize-1)))
	_, err = Decode(buf[:PacketSize-1])
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"echo only", func(c *Config) { c.RatePerSecond = 0 }, false},
		{"negative rate", func(c *Config) { c.RatePerSecond = -1 }, true},
		{"payload too small", func(c *Config) { c.PayloadSize = PacketSize - 1 }, true},
		{"no timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"no buffers", func(c *Config) { c.RxBuffers = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestPingRoundTrip(t *testing.T) {
	recorder := &mockRecorder{}
	recorder.On("RecordRTT", mock.Anything, mock.AnythingOfType("time.Duration"), 0).Return()

	pair, pinger, responder := newPeers(t, testConfig(0), recorder)
	startLinked(t, pair, pinger, responder)

	for i := 0; i < 10; i++ {
		res := pinger.Ping(context.Background())
		require.Equal(t, StatusOK, res.Status, "ping %d: %v", i, res.Err)
		assert.Equal(t, uint32(i+1), res.Seq)
		assert.Positive(t, res.RTT)
	}

	assert.Equal(t, uint64(10), pinger.Counters().PingsSent)
	assert.Equal(t, uint64(10), pinger.Counters().PongsReceived)
	assert.Equal(t, uint64(10), responder.Counters().PongsSent)
	recorder.AssertNumberOfCalls(t, "RecordRTT", 10)

	// Results are published as well as returned.
	for i := 0; i < 10; i++ {
		select {
		case r := <-pinger.Results():
			assert.Equal(t, StatusOK, r.Status)
		default:
			t.Fatalf("missing result %d", i)
		}
	}
}

func TestPingTimesOutWithoutResponder(t *testing.T) {
	recorder := &mockRecorder{}
	recorder.On("RecordTimeout", mock.Anything, 0).Return()

	pair, pinger, responder := newPeers(t, testConfig(0), recorder)
	startLinked(t, pair, pinger, responder)

	// Masking the responder's doorbells leaves the ping unread.
	pair.B.DBSetMask(pair.B.DBValidMask())

	res := pinger.Ping(context.Background())
	assert.Equal(t, StatusTimeout, res.Status)
	recorder.AssertCalled(t, "RecordTimeout", mock.Anything, 0)
	recorder.AssertNotCalled(t, "RecordRTT", mock.Anything, mock.Anything, mock.Anything)
}

func TestPingFailsWhileLinkDown(t *testing.T) {
	_, pinger, _ := newPeers(t, testConfig(0), nil)

	res := pinger.Ping(context.Background())
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, transport.ErrLinkNotUp)
	assert.Zero(t, pinger.Counters().PingsSent)
}

func TestPingHonoursContext(t *testing.T) {
	pair, pinger, responder := newPeers(t, testConfig(0), nil)
	startLinked(t, pair, pinger, responder)
	pair.B.DBSetMask(pair.B.DBValidMask())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := pinger.Ping(ctx)
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

// TestForeignPongIgnored checks that pongs from another session are counted
// but never complete a probe.
func TestForeignPongIgnored(t *testing.T) {
	pair, pinger, responder := newPeers(t, testConfig(0), nil)
	startLinked(t, pair, pinger, responder)

	buf := make([]byte, responder.cfg.PayloadSize)
	pkt := Packet{Type: TypePong, Seq: 1, Session: uuid.New(), SentAt: time.Now()}
	require.NoError(t, pkt.Encode(buf))
	require.NoError(t, responder.QP().EnqueueTx(nil, buf))

	require.Eventually(t, func() bool {
		return pinger.Counters().Unmatched == 1
	}, waitFor, time.Millisecond)
	assert.Zero(t, pinger.Counters().PongsReceived)
}

func TestPingLoopPaced(t *testing.T) {
	var mu sync.Mutex
	var rtts int
	recorder := &mockRecorder{}
	recorder.On("RecordRTT", mock.Anything, mock.Anything, 0).Run(func(mock.Arguments) {
		mu.Lock()
		rtts++
		mu.Unlock()
	}).Return()
	recorder.On("RecordTimeout", mock.Anything, 0).Return()

	pair, pinger, responder := newPeers(t, testConfig(200), recorder)
	startLinked(t, pair, pinger, responder)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rtts >= 20
	}, waitFor, time.Millisecond)

	pinger.Close()
	_, open := <-drain(pinger.Results())
	assert.False(t, open, "results channel closes with the peer")
}

// drain empties ch and returns it once nothing is buffered.
func drain(ch <-chan *Result) <-chan *Result {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return ch
			}
		default:
			return ch
		}
	}
}

// TestCloseTakesPeerDown checks that closing one side brings the other side's
// queue down through the link down frame.
func TestCloseTakesPeerDown(t *testing.T) {
	pair, pinger, responder := newPeers(t, testConfig(0), nil)
	startLinked(t, pair, pinger, responder)

	qp := pinger.QP()
	pinger.Close()
	pinger.Close()

	assert.False(t, qp.LinkQuery())
	require.Eventually(t, func() bool {
		return !responder.QP().LinkQuery()
	}, waitFor, time.Millisecond)
	assert.True(t, pair.LinkIsUp())
}
