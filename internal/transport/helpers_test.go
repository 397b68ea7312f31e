package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yuuki/ntbqp/internal/ntb"
)

const (
	testBufSize = 2048
	waitFor     = 5 * time.Second
	tick        = time.Millisecond
)

// testConfig gives two queues per transport with 31 frames of 1020 bytes
// each on a 64KiB window.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MTU = 1024
	cfg.MaxQPs = 2
	cfg.LinkRetryInterval = time.Millisecond
	cfg.QPLinkRetryInterval = time.Millisecond
	cfg.DMADrainTimeout = 200 * time.Millisecond
	return cfg
}

func newTestSim(t *testing.T) *ntb.SimPair {
	t.Helper()
	cfg := ntb.DefaultSimConfig()
	cfg.MWSize = 64 << 10
	pair, err := ntb.NewSimPair(cfg)
	require.NoError(t, err)
	return pair
}

// endpoint records everything the transport hands back to one client.
type endpoint struct {
	tr *Transport
	qp *QueuePair

	mu     sync.Mutex
	repost bool
	rx     [][]byte
	rxErrs []error
	txErrs []error
	events []bool
}

func newEndpoint(t *testing.T, tr *Transport, buffers int, repost bool) *endpoint {
	t.Helper()
	e := &endpoint{tr: tr, repost: repost}
	qp, err := tr.CreateQueue(e, QueueHandlers{Rx: e.onRx, Tx: e.onTx, Event: e.onEvent})
	require.NoError(t, err)
	e.qp = qp
	e.post(t, buffers)
	return e
}

func (e *endpoint) post(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.qp.EnqueueRx(i, make([]byte, testBufSize)))
	}
}

func (e *endpoint) onRx(qp *QueuePair, cookie any, data []byte, err error) {
	e.mu.Lock()
	if err != nil {
		e.rxErrs = append(e.rxErrs, err)
	} else {
		e.rx = append(e.rx, append([]byte(nil), data...))
	}
	repost := e.repost && !errors.Is(err, ErrQueueFreed)
	e.mu.Unlock()

	if repost {
		_ = qp.EnqueueRx(cookie, make([]byte, testBufSize))
	}
}

func (e *endpoint) onTx(_ *QueuePair, _ any, _ []byte, err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.txErrs = append(e.txErrs, err)
	e.mu.Unlock()
}

func (e *endpoint) onEvent(_ *QueuePair, up bool) {
	e.mu.Lock()
	e.events = append(e.events, up)
	e.mu.Unlock()
}

func (e *endpoint) received() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.rx...)
}

func (e *endpoint) receiveErrors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.rxErrs...)
}

func (e *endpoint) linkEvents() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.events...)
}

// newTransports creates a transport on each side of a simulated link that is
// still down.
func newTransports(t *testing.T, cfg Config, opts ...Option) (*ntb.SimPair, *Transport, *Transport) {
	t.Helper()
	pair := newTestSim(t)
	ta, err := New(pair.A, cfg, opts...)
	require.NoError(t, err)
	tb, err := New(pair.B, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ta.Close()
		_ = tb.Close()
	})
	return pair, ta, tb
}

// newLinkedPair brings up one queue on each side of a simulated link.
func newLinkedPair(t *testing.T, cfg Config, opts ...Option) (*ntb.SimPair, *endpoint, *endpoint) {
	t.Helper()
	pair, ta, tb := newTransports(t, cfg, opts...)
	a := newEndpoint(t, ta, cfg.RxEntries/2, true)
	b := newEndpoint(t, tb, cfg.RxEntries/2, true)
	bringUp(t, pair, a, b)
	return pair, a, b
}

func bringUp(t *testing.T, pair *ntb.SimPair, a, b *endpoint) {
	t.Helper()
	pair.SetLinkUp(true)
	a.qp.LinkUp()
	b.qp.LinkUp()
	waitUp(t, a.qp, b.qp)
}

func waitUp(t *testing.T, qps ...*QueuePair) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, qp := range qps {
			if !qp.LinkQuery() {
				return false
			}
		}
		return true
	}, waitFor, tick, "queues never came up")
}

// sendAll enqueues every message in order, waiting out full rings.
func sendAll(t *testing.T, qp *QueuePair, msgs ...[]byte) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for _, m := range msgs {
		for {
			err := qp.EnqueueTx(nil, m)
			if err == nil {
				break
			}
			if !errors.Is(err, ErrRingFull) && !errors.Is(err, ErrNoEntry) {
				require.NoError(t, err)
			}
			require.True(t, time.Now().Before(deadline), "ring never drained")
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func waitReceived(t *testing.T, e *endpoint, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.received()) >= n }, waitFor, tick)
	return e.received()
}

// injectFrame writes a raw frame into a's outbound ring at its current tx
// slot without going through EnqueueTx, then rings the peer.
func injectFrame(t *testing.T, a *endpoint, payload []byte, flags uint16, round uint8) int {
	t.Helper()
	a.qp.txMu.Lock()
	tx, slot, seq := a.qp.tx, a.qp.txIndex, a.qp.txSeq
	a.qp.txMu.Unlock()
	require.NotNil(t, tx)

	copy(tx.payload(slot, len(payload)), payload)
	tx.header(slot).publish(seq, uint32(len(payload)), flags, round)
	require.NoError(t, a.tr.dev.PeerDBSet(a.qp.dbBit()))
	return slot
}

// rxSlotFlags reads the flag bits of an rx ring slot.
func rxSlotFlags(qp *QueuePair, slot int) uint16 {
	qp.rxMu.Lock()
	defer qp.rxMu.Unlock()
	if qp.rx == nil {
		return 0
	}
	return wordFlags(qp.rx.header(slot).load())
}

// holdDMA is a DMA provider whose transfers complete only when the test
// releases them.
type holdDMA struct {
	jobs chan heldCopy
}

type heldCopy struct {
	dst, src []byte
	done     func(error)
}

func newHoldDMA() *holdDMA {
	return &holdDMA{jobs: make(chan heldCopy, 64)}
}

func (h *holdDMA) RequestChannel() (ntb.DMAChannel, error) {
	return holdChannel{owner: h}, nil
}

// next waits for the next submitted transfer.
func (h *holdDMA) next(t *testing.T) heldCopy {
	t.Helper()
	select {
	case j := <-h.jobs:
		return j
	case <-time.After(waitFor):
		t.Fatal("no transfer submitted")
		return heldCopy{}
	}
}

func (j heldCopy) release() {
	copy(j.dst, j.src)
	j.done(nil)
}

type holdChannel struct {
	owner *holdDMA
}

func (c holdChannel) Name() string { return "dma-hold" }

func (c holdChannel) Align() int { return 1 }

func (c holdChannel) Submit(dst, src []byte, done func(error)) error {
	c.owner.jobs <- heldCopy{dst: dst, src: src, done: done}
	return nil
}

func (c holdChannel) Close() {}

// newHeldRxPair links a plain transport on A to one on B whose copies wait
// for the test.
func newHeldRxPair(t *testing.T, cfg Config) (*ntb.SimPair, *holdDMA, *endpoint, *endpoint) {
	t.Helper()
	cfg.UseDMA = true
	cfg.DMAThreshold = 1
	dma := newHoldDMA()

	pair := newTestSim(t)
	ta, err := New(pair.A, cfg)
	require.NoError(t, err)
	tb, err := New(pair.B, cfg, WithDMAProvider(dma))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ta.Close()
		_ = tb.Close()
	})

	a := newEndpoint(t, ta, cfg.RxEntries/2, true)
	b := newEndpoint(t, tb, cfg.RxEntries/2, true)
	bringUp(t, pair, a, b)
	return pair, dma, a, b
}
