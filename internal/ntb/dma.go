package ntb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const defaultDMADepth = 64

// SimDMA is a DMA provider whose channels copy on a worker goroutine.
// Submission and completion failures can be injected to exercise fallbacks.
type SimDMA struct {
	align int
	depth int

	failSubmit   atomic.Bool
	failComplete atomic.Bool
	submitted    atomic.Uint64
	nextID       atomic.Uint32
}

// NewSimDMA creates a provider. align is the buffer alignment the channels
// require; zero or one disables the check.
func NewSimDMA(align int) *SimDMA {
	if align <= 0 {
		align = 1
	}
	return &SimDMA{align: align, depth: defaultDMADepth}
}

// SetFailSubmit makes every subsequent Submit fail with ErrDMABusy.
func (s *SimDMA) SetFailSubmit(fail bool) { s.failSubmit.Store(fail) }

// SetFailComplete makes every subsequent transfer complete with ErrDMAFailed
// without touching the destination.
func (s *SimDMA) SetFailComplete(fail bool) { s.failComplete.Store(fail) }

// Submitted returns the number of descriptors accepted so far.
func (s *SimDMA) Submitted() uint64 { return s.submitted.Load() }

// RequestChannel starts a new channel.
func (s *SimDMA) RequestChannel() (DMAChannel, error) {
	ch := &simDMAChannel{
		name:  fmt.Sprintf("dma-sim-%d", s.nextID.Add(1)),
		owner: s,
		jobs:  make(chan dmaJob, s.depth),
		done:  make(chan struct{}),
	}
	go ch.run()
	return ch, nil
}

type dmaJob struct {
	dst, src []byte
	done     func(error)
}

type simDMAChannel struct {
	name  string
	owner *SimDMA

	mu     sync.RWMutex
	closed bool
	jobs   chan dmaJob
	done   chan struct{}
}

func (c *simDMAChannel) Name() string { return c.name }

func (c *simDMAChannel) Align() int { return c.owner.align }

func (c *simDMAChannel) Submit(dst, src []byte, done func(error)) error {
	if c.owner.failSubmit.Load() {
		return ErrDMABusy
	}
	if len(dst) < len(src) {
		return fmt.Errorf("dma destination too small: %d < %d", len(dst), len(src))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrDMAClosed
	}
	select {
	case c.jobs <- dmaJob{dst: dst, src: src, done: done}:
		c.owner.submitted.Add(1)
		return nil
	default:
		return ErrDMABusy
	}
}

func (c *simDMAChannel) run() {
	defer close(c.done)
	for job := range c.jobs {
		if c.owner.failComplete.Load() {
			job.done(ErrDMAFailed)
			continue
		}
		copy(job.dst, job.src)
		job.done(nil)
	}
}

// Close stops accepting descriptors and waits for queued ones to complete.
func (c *simDMAChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()

	<-c.done
	log.Debug().Str("channel", c.name).Msg("Simulated DMA channel released")
}
