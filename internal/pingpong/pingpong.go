package pingpong

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/yuuki/ntbqp/internal/transport"
)

// ErrClosed is reported for probes still waiting when the peer is closed.
var ErrClosed = errors.New("pingpong: closed")

// Status of a probe
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the outcome of one ping.
type Result struct {
	QP     int
	Seq    uint32
	SentAt time.Time
	RTT    time.Duration
	Status Status
	Err    error
}

// Recorder receives probe outcomes. telemetry.Metrics implements it.
type Recorder interface {
	RecordRTT(ctx context.Context, rtt time.Duration, qp int)
	RecordTimeout(ctx context.Context, qp int)
}

// Config controls one ping-pong peer.
type Config struct {
	// RatePerSecond paces outgoing pings. Zero makes the peer echo only.
	RatePerSecond int
	// PayloadSize is the size of every ping and of the posted rx buffers.
	PayloadSize int
	Timeout     time.Duration
	RxBuffers   int
}

// DefaultConfig returns a 100 pings per second configuration.
func DefaultConfig() Config {
	return Config{
		RatePerSecond: 100,
		PayloadSize:   64,
		Timeout:       500 * time.Millisecond,
		RxBuffers:     16,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.RatePerSecond < 0 {
		return fmt.Errorf("rate_per_second must not be negative, got %d", c.RatePerSecond)
	}
	if c.PayloadSize < PacketSize {
		return fmt.Errorf("payload_size must be at least %d, got %d", PacketSize, c.PayloadSize)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.RxBuffers <= 0 {
		return fmt.Errorf("rx_buffers must be positive, got %d", c.RxBuffers)
	}
	return nil
}

// Counters are a peer's packet counts.
type Counters struct {
	PingsSent     uint64
	PongsSent     uint64
	PongsReceived uint64
	Unmatched     uint64
	Dropped       uint64
}

type pingSession struct {
	reply chan time.Time
}

// Peer owns one queue pair. It answers every ping it receives and, with a
// non-zero rate, sends its own pings and matches the replies.
type Peer struct {
	qp       *transport.QueuePair
	cfg      Config
	id       uuid.UUID
	recorder Recorder

	results chan *Result
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu       sync.Mutex
	closed   bool
	sessions map[uint32]*pingSession
	nextSeq  atomic.Uint32

	pingsSent     atomic.Uint64
	pongsSent     atomic.Uint64
	pongsReceived atomic.Uint64
	unmatched     atomic.Uint64
	dropped       atomic.Uint64
}

// New takes a queue pair from tr and posts the receive buffers. The queue
// is not brought up until Start. recorder may be nil.
func New(tr *transport.Transport, cfg Config, recorder Recorder) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pingpong config: %w", err)
	}

	p := &Peer{
		cfg:      cfg,
		id:       uuid.New(),
		recorder: recorder,
		results:  make(chan *Result, 1000),
		stopCh:   make(chan struct{}),
		sessions: make(map[uint32]*pingSession),
	}

	qp, err := tr.CreateQueue(p, transport.QueueHandlers{
		Rx:    p.onRx,
		Tx:    p.onTx,
		Event: p.onEvent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	p.qp = qp

	for i := 0; i < cfg.RxBuffers; i++ {
		buf := make([]byte, cfg.PayloadSize)
		if err := qp.EnqueueRx(buf, buf); err != nil {
			qp.Free()
			return nil, fmt.Errorf("failed to post rx buffer %d: %w", i, err)
		}
	}
	return p, nil
}

// QP returns the queue pair the peer runs on.
func (p *Peer) QP() *transport.QueuePair { return p.qp }

// Results returns the channel probe results are published on. It is closed
// by Close.
func (p *Peer) Results() <-chan *Result { return p.results }

// Counters returns a snapshot of the packet counts.
func (p *Peer) Counters() Counters {
	return Counters{
		PingsSent:     p.pingsSent.Load(),
		PongsSent:     p.pongsSent.Load(),
		PongsReceived: p.pongsReceived.Load(),
		Unmatched:     p.unmatched.Load(),
		Dropped:       p.dropped.Load(),
	}
}

// Start requests the link and, with a non-zero rate, starts pinging until
// ctx is done or the peer is closed.
func (p *Peer) Start(ctx context.Context) {
	p.qp.LinkUp()
	if p.cfg.RatePerSecond == 0 {
		return
	}

	p.wg.Add(1)
	go p.pingLoop(ctx)

	log.Info().
		Int("qp", p.qp.Num()).
		Str("session", p.id.String()).
		Int("rate", p.cfg.RatePerSecond).
		Msg("Ping-pong started")
}

func (p *Peer) pingLoop(ctx context.Context) {
	defer p.wg.Done()

	limiter := ratelimit.New(p.cfg.RatePerSecond)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		limiter.Take()
		if !p.qp.LinkQuery() {
			continue
		}

		// One slow probe must not hold back the next one.
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.Ping(ctx)
		}()
	}
}

// Ping sends one ping and waits for its pong, the timeout, ctx or Close.
func (p *Peer) Ping(ctx context.Context) *Result {
	seq := p.nextSeq.Add(1)
	session := &pingSession{reply: make(chan time.Time, 1)}
	p.addSession(seq, session)
	defer p.removeSession(seq)

	result := &Result{QP: p.qp.Num(), Seq: seq}

	buf := make([]byte, p.cfg.PayloadSize)
	result.SentAt = time.Now()
	pkt := Packet{Type: TypePing, Seq: seq, Session: p.id, SentAt: result.SentAt}
	if err := pkt.Encode(buf); err != nil {
		result.Status, result.Err = StatusError, err
		p.report(ctx, result)
		return result
	}

	if err := p.qp.EnqueueTx(nil, buf); err != nil {
		log.Debug().Err(err).Int("qp", p.qp.Num()).Uint32("seq", seq).Msg("Failed to send ping")
		result.Status, result.Err = StatusError, err
		p.report(ctx, result)
		return result
	}
	p.pingsSent.Add(1)

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case at := <-session.reply:
		result.Status = StatusOK
		result.RTT = at.Sub(result.SentAt)
	case <-timer.C:
		result.Status = StatusTimeout
	case <-ctx.Done():
		result.Status, result.Err = StatusError, ctx.Err()
	case <-p.stopCh:
		result.Status, result.Err = StatusError, ErrClosed
	}
	p.report(ctx, result)
	return result
}

func (p *Peer) report(ctx context.Context, r *Result) {
	if p.recorder != nil {
		switch r.Status {
		case StatusOK:
			p.recorder.RecordRTT(ctx, r.RTT, r.QP)
		case StatusTimeout:
			p.recorder.RecordTimeout(ctx, r.QP)
		}
	}

	log.Trace().
		Int("qp", r.QP).
		Uint32("seq", r.Seq).
		Stringer("status", r.Status).
		Dur("rtt", r.RTT).
		Msg("Ping result")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.results <- r:
	default:
		p.dropped.Add(1)
	}
}

func (p *Peer) addSession(seq uint32, s *pingSession) {
	p.mu.Lock()
	p.sessions[seq] = s
	p.mu.Unlock()
}

func (p *Peer) removeSession(seq uint32) {
	p.mu.Lock()
	delete(p.sessions, seq)
	p.mu.Unlock()
}

func (p *Peer) onRx(qp *transport.QueuePair, cookie any, data []byte, err error) {
	if errors.Is(err, transport.ErrQueueFreed) {
		return
	}
	if err != nil {
		log.Debug().Err(err).Int("qp", qp.Num()).Msg("Receive completed with error")
	} else {
		p.handle(qp, data)
	}

	buf := cookie.([]byte)
	if err := qp.EnqueueRx(buf, buf); err != nil && !errors.Is(err, transport.ErrQueueFreed) {
		log.Warn().Err(err).Int("qp", qp.Num()).Msg("Failed to repost rx buffer")
	}
}

func (p *Peer) handle(qp *transport.QueuePair, data []byte) {
	pkt, err := Decode(data)
	if err != nil {
		log.Debug().Err(err).Int("qp", qp.Num()).Int("len", len(data)).Msg("Dropping malformed packet")
		return
	}

	switch pkt.Type {
	case TypePing:
		out := append([]byte(nil), data...)
		out[0] = TypePong
		if err := qp.EnqueueTx(nil, out); err != nil {
			log.Debug().Err(err).Int("qp", qp.Num()).Uint32("seq", pkt.Seq).Msg("Failed to send pong")
			return
		}
		p.pongsSent.Add(1)

	case TypePong:
		receivedAt := time.Now()
		if pkt.Session != p.id {
			p.unmatched.Add(1)
			return
		}
		p.mu.Lock()
		s, ok := p.sessions[pkt.Seq]
		p.mu.Unlock()
		if !ok {
			p.unmatched.Add(1)
			return
		}
		p.pongsReceived.Add(1)
		select {
		case s.reply <- receivedAt:
		default:
		}

	default:
		log.Debug().Int("qp", qp.Num()).Uint8("type", pkt.Type).Msg("Dropping packet of unknown type")
	}
}

func (p *Peer) onTx(qp *transport.QueuePair, _ any, _ []byte, err error) {
	if err != nil {
		log.Trace().Err(err).Int("qp", qp.Num()).Msg("Send completed with error")
	}
}

func (p *Peer) onEvent(qp *transport.QueuePair, up bool) {
	log.Info().Int("qp", qp.Num()).Bool("up", up).Str("session", p.id.String()).Msg("Ping-pong queue link changed")
}

// Close stops pinging and frees the queue pair, which takes its link down.
func (p *Peer) Close() {
	p.once.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		p.qp.Free()

		p.mu.Lock()
		p.closed = true
		close(p.results)
		p.mu.Unlock()
	})
}
