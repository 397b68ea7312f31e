// Package transport implements reliable queue pairs over an NTB link: ring
// buffers in memory windows, flow control through consumer indices,
// scratchpad negotiation and a per-queue round counter that lets both sides
// recover from link flaps without resetting the whole transport.
package transport

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/ntbqp/internal/ntb"
)

// maxQPs is bounded by the 32-bit ready mask scratchpad.
const maxQPs = 32

// Transport is the per-device context. It owns the memory windows and every
// queue pair of one NTB device.
type Transport struct {
	id  string
	dev ntb.Device
	cfg Config
	dma ntb.DMAProvider

	mws     []*memoryWindow
	qps     []*QueuePair
	qpCount int

	mu sync.Mutex

	spadMu    sync.Mutex
	rounds    []uint8
	readyMask uint32

	linkUp   atomic.Bool
	closed   atomic.Bool
	eventSeq atomic.Uint64
	wq       *workQueue

	negotiationRetries atomic.Uint64
}

// Option configures optional collaborators of a Transport.
type Option func(*Transport)

// WithDMAProvider lets queues offload copies to DMA channels when
// Config.UseDMA is set.
func WithDMAProvider(p ntb.DMAProvider) Option {
	return func(t *Transport) {
		t.dma = p
	}
}

// New binds a transport to dev. Negotiation starts as soon as the device
// reports its link up.
func New(dev ntb.Device, cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}

	t := &Transport{
		id:  uuid.NewString(),
		dev: dev,
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(t)
	}

	if dev.MWCount() == 0 {
		return nil, fmt.Errorf("device %s has no memory windows", dev.Name())
	}
	if err := t.initMWs(); err != nil {
		return nil, err
	}

	t.qpCount = min(bits.OnesCount64(dev.DBValidMask()), maxQPs)
	if cfg.MaxQPs > 0 && cfg.MaxQPs < t.qpCount {
		t.qpCount = cfg.MaxQPs
	}
	if t.qpCount == 0 {
		return nil, fmt.Errorf("device %s has no doorbells", dev.Name())
	}
	if need := requiredSpads(len(t.mws), t.qpCount); need > dev.SpadCount() {
		return nil, fmt.Errorf("device %s has %d scratchpads, need %d", dev.Name(), dev.SpadCount(), need)
	}

	t.rounds = make([]uint8, t.qpCount)
	t.qps = make([]*QueuePair, t.qpCount)
	for i := range t.qps {
		qp, err := newQueuePair(t, i)
		if err != nil {
			return nil, err
		}
		t.qps[i] = qp
	}

	t.wq = newWorkQueue()
	if err := dev.SetEventHandler(t); err != nil {
		t.wq.close()
		return nil, fmt.Errorf("failed to register with device %s: %w", dev.Name(), err)
	}
	if dev.LinkIsUp() {
		t.wq.schedule(linkWorkKey, t.linkWork)
	}

	log.Info().
		Str("transport", t.id).
		Str("device", dev.Name()).
		Int("qps", t.qpCount).
		Int("mws", len(t.mws)).
		Bool("dma", cfg.UseDMA && t.dma != nil).
		Msg("Transport created")
	return t, nil
}

// ID identifies this transport instance in logs and metrics.
func (t *Transport) ID() string { return t.id }

// DeviceName is the name of the device the transport is bound to.
func (t *Transport) DeviceName() string { return t.dev.Name() }

// NumQueues is the number of queue pairs the transport can hand out.
func (t *Transport) NumQueues() int { return t.qpCount }

// LinkIsUp reports whether negotiation with the peer has completed.
func (t *Transport) LinkIsUp() bool { return t.linkUp.Load() }

// NegotiationRetries counts failed negotiation attempts.
func (t *Transport) NegotiationRetries() uint64 { return t.negotiationRetries.Load() }

// Stats returns the counters of every queue pair in use.
func (t *Transport) Stats() []QueueStats {
	t.mu.Lock()
	var inUse []*QueuePair
	for _, qp := range t.qps {
		if qp.inUse {
			inUse = append(inUse, qp)
		}
	}
	t.mu.Unlock()

	stats := make([]QueueStats, 0, len(inUse))
	for _, qp := range inUse {
		stats = append(stats, qp.Stats())
	}
	return stats
}

// LinkEvent implements ntb.EventHandler. The device state is sampled now so
// that a quick down/up sequence is replayed in order on the worker.
func (t *Transport) LinkEvent() {
	if t.closed.Load() {
		return
	}
	key := fmt.Sprintf("link-event-%d", t.eventSeq.Add(1))
	if t.dev.LinkIsUp() {
		t.wq.schedule(key, t.linkWork)
	} else {
		t.wq.schedule(key, t.linkCleanup)
	}
}

// DoorbellEvent implements ntb.EventHandler by kicking the rx worker of every
// queue whose doorbell bit is set.
func (t *Transport) DoorbellEvent(vector int) {
	db := t.dev.DBRead()
	for i, qp := range t.qps {
		if db&(uint64(1)<<i) != 0 && qp.active.Load() {
			qp.kickRx()
		}
	}
}

// Close frees every queue pair, stops the worker and releases the windows.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	var inUse []*QueuePair
	for _, qp := range t.qps {
		if qp.inUse {
			inUse = append(inUse, qp)
		}
	}
	t.mu.Unlock()
	for _, qp := range inUse {
		qp.Free()
	}

	t.dev.ClearEventHandler()
	t.wq.close()
	t.linkCleanup()
	t.freeMWs()

	log.Info().Str("transport", t.id).Str("device", t.dev.Name()).Msg("Transport closed")
	return nil
}
