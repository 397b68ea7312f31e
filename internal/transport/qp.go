package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/ntbqp/internal/ntb"
)

type linkState int

const (
	stateDown linkState = iota
	stateLinkRequested
	stateUp
)

func (s linkState) String() string {
	switch s {
	case stateDown:
		return "down"
	case stateLinkRequested:
		return "link-requested"
	case stateUp:
		return "up"
	default:
		return fmt.Sprintf("linkState(%d)", int(s))
	}
}

// QueueHandlers are the client callbacks of a queue pair. Rx and Tx run on
// transport goroutines, possibly DMA completion context, and must not call
// Free. data is the buffer the client handed in, trimmed to the received
// length for Rx.
type QueueHandlers struct {
	Rx    func(qp *QueuePair, cookie any, data []byte, err error)
	Tx    func(qp *QueuePair, cookie any, data []byte, err error)
	Event func(qp *QueuePair, up bool)
}

type session struct {
	clientData any
	handlers   QueueHandlers
}

// QueuePair is one bidirectional channel multiplexed over the link. It keeps
// a non-owning reference to its Transport, which owns it.
type QueuePair struct {
	t   *Transport
	num int
	mw  int

	inUse  bool // guarded by t.mu
	active atomic.Bool
	sess   atomic.Pointer[session]

	// Link state. Round is written with mu, rxMu and txMu all held and may be
	// read under any of them. syncRound, the last round the peer was seen on
	// too, needs mu and rxMu.
	mu          sync.Mutex
	state       linkState
	up          atomic.Bool
	clientReady bool

	rxMu         sync.Mutex
	rx           *ring
	rxIndex      int
	rxSeq        uint32
	round        uint8
	syncRound    uint8
	rxDone       []*queueEntry
	rxDelivering bool

	txMu       sync.Mutex
	tx         *ring
	txOffset   int
	txRegion   int
	txFrame    int
	txEntries  int
	txIndex    int
	txSeq      uint32
	consumedIn *uint32
	downErr    error

	// consumedOut is where this side publishes its consumed rx slot: the
	// region end of the tx ring, in peer memory.
	consumedOut atomic.Pointer[uint32]

	txFree *entryList
	rxFree *entryList
	rxPend *entryList
	rxPost *entryList

	rxDMA      ntb.DMAChannel
	txDMA      ntb.DMAChannel
	dmaPending atomic.Int64

	kick       chan struct{}
	stopCh     chan struct{}
	workerDone chan struct{}

	stats qpStats
}

func newQueuePair(t *Transport, num int) (*QueuePair, error) {
	mwCount := len(t.mws)
	mwIdx := num % mwCount
	qpsOnMW := t.qpCount / mwCount
	if mwIdx < t.qpCount%mwCount {
		qpsOnMW++
	}

	region, frame, entries := ringGeometry(t.mws[mwIdx].peerSize, qpsOnMW, t.cfg.MTU)
	if entries < 2 {
		return nil, fmt.Errorf("qp %d: window %d too small for a ring (%d bytes per queue)", num, mwIdx, region)
	}

	return &QueuePair{
		t:         t,
		num:       num,
		mw:        mwIdx,
		txOffset:  (num / mwCount) * region,
		txRegion:  region,
		txFrame:   frame,
		txEntries: entries,
		downErr:   ErrPeerLinkDown,
		txFree:    newEntryList(t.cfg.TxEntries),
		rxFree:    newEntryList(t.cfg.RxEntries),
		rxPend:    newEntryList(0),
		rxPost:    newEntryList(0),
		kick:      make(chan struct{}, 1),
	}, nil
}

// CreateQueue claims a free queue pair for a client. The queue starts down;
// call LinkUp to start the handshake with the peer.
func (t *Transport) CreateQueue(clientData any, handlers QueueHandlers) (*QueuePair, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	t.mu.Lock()
	var qp *QueuePair
	for _, c := range t.qps {
		if !c.inUse {
			c.inUse = true
			qp = c
			break
		}
	}
	t.mu.Unlock()
	if qp == nil {
		return nil, ErrNoFreeQueue
	}

	qp.open(clientData, handlers)
	log.Info().
		Str("transport", t.id).
		Int("qp", qp.num).
		Int("mw", qp.mw).
		Int("max_frame", qp.txFrame).
		Int("max_entry", qp.txEntries).
		Bool("dma", qp.txDMA != nil).
		Msg("Queue pair created")
	return qp, nil
}

func (qp *QueuePair) open(clientData any, handlers QueueHandlers) {
	qp.sess.Store(&session{clientData: clientData, handlers: handlers})

	if qp.t.cfg.UseDMA && qp.t.dma != nil {
		var err error
		if qp.txDMA, err = qp.t.dma.RequestChannel(); err != nil {
			log.Warn().Err(err).Int("qp", qp.num).Msg("No tx DMA channel, using memcpy")
		}
		if qp.rxDMA, err = qp.t.dma.RequestChannel(); err != nil {
			log.Warn().Err(err).Int("qp", qp.num).Msg("No rx DMA channel, using memcpy")
		}
	}

	qp.stopCh = make(chan struct{})
	qp.workerDone = make(chan struct{})
	qp.active.Store(true)
	go qp.rxWorker()
}

// Free releases the queue pair. Any link is torn down first, then outstanding
// DMA is given a bounded time to drain and posted receive buffers are handed
// back through the Rx handler with ErrQueueFreed.
func (qp *QueuePair) Free() {
	if !qp.active.CompareAndSwap(true, false) {
		return
	}

	qp.linkDown(ErrQueueFreed)

	close(qp.stopCh)
	<-qp.workerDone

	qp.waitDMA(qp.t.cfg.DMADrainTimeout)
	if qp.txDMA != nil {
		qp.txDMA.Close()
		qp.txDMA = nil
	}
	if qp.rxDMA != nil {
		qp.rxDMA.Close()
		qp.rxDMA = nil
	}

	// Copies still running past the drain timeout must not complete these.
	qp.rxMu.Lock()
	posted := qp.rxPost.drain()
	for _, e := range posted {
		e.gen.Add(1)
	}
	qp.rxMu.Unlock()
	for _, e := range posted {
		e.err = ErrQueueFreed
		e.length = 0
		qp.finishRx(e)
	}
	for _, e := range qp.rxPend.drain() {
		e.err = ErrQueueFreed
		qp.finishRx(e)
	}

	qp.t.mu.Lock()
	qp.inUse = false
	qp.t.mu.Unlock()

	log.Info().Str("transport", qp.t.id).Int("qp", qp.num).Msg("Queue pair freed")
}

// waitDMA polls for outstanding descriptors to complete, giving up after timeout.
func (qp *QueuePair) waitDMA(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for qp.dmaPending.Load() > 0 {
		if time.Now().After(deadline) {
			log.Warn().
				Int("qp", qp.num).
				Int64("pending", qp.dmaPending.Load()).
				Msg("Timed out waiting for DMA to drain")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Num is the queue pair's index on the transport.
func (qp *QueuePair) Num() int { return qp.num }

// ClientData returns the value passed to CreateQueue.
func (qp *QueuePair) ClientData() any {
	if s := qp.sess.Load(); s != nil {
		return s.clientData
	}
	return nil
}

// LinkQuery reports whether the queue is up and can carry data.
func (qp *QueuePair) LinkQuery() bool { return qp.up.Load() }

// MaxFrameSize is the largest payload a single EnqueueTx accepts.
func (qp *QueuePair) MaxFrameSize() int { return qp.txFrame - headerSize }

// FreeEntries is the number of frames that can be sent before the ring fills.
func (qp *QueuePair) FreeEntries() int {
	qp.txMu.Lock()
	defer qp.txMu.Unlock()
	return qp.freeEntriesLocked()
}

func (qp *QueuePair) freeEntriesLocked() int {
	if qp.consumedIn == nil {
		return 0
	}
	consumed := decodeConsumed(atomic.LoadUint32(qp.consumedIn), qp.round, qp.txEntries)
	return freeEntries(consumed, qp.txIndex, qp.txEntries)
}

func (qp *QueuePair) dbBit() uint64 { return uint64(1) << qp.num }

func (qp *QueuePair) handlers() QueueHandlers {
	if s := qp.sess.Load(); s != nil {
		return s.handlers
	}
	return QueueHandlers{}
}

func (qp *QueuePair) notify(up bool) {
	if h := qp.handlers().Event; h != nil {
		h(qp, up)
	}
}

func (qp *QueuePair) setStateLocked(s linkState) {
	if qp.state != s {
		log.Debug().
			Str("transport", qp.t.id).
			Int("qp", qp.num).
			Stringer("from", qp.state).
			Stringer("to", s).
			Msg("Queue link state changed")
	}
	qp.state = s
	qp.up.Store(s == stateUp)
}
