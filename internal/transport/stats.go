package transport

import "sync/atomic"

// QueueStats is a snapshot of a queue pair's counters and ring positions.
type QueueStats struct {
	Transport string
	QP        int
	LinkUp    bool
	Round     uint8

	RxBytes       uint64
	RxPkts        uint64
	RxRingEmpty   uint64
	RxErrNoBuf    uint64
	RxErrOflow    uint64
	RxErrSeq      uint64
	RxStale       uint64
	RxFastForward uint64
	RxLinkDown    uint64
	RxIndex       int
	RxMaxEntry    int

	TxBytes       uint64
	TxPkts        uint64
	TxRingFull    uint64
	TxErrNoEntry  uint64
	TxErrTooLarge uint64
	TxLinkDown    uint64
	TxIndex       int
	TxMaxEntry    int
	TxFreeEntries int

	DMAFallbacks uint64
}

type qpStats struct {
	rxBytes       atomic.Uint64
	rxPkts        atomic.Uint64
	rxRingEmpty   atomic.Uint64
	rxErrNoBuf    atomic.Uint64
	rxErrOflow    atomic.Uint64
	rxErrSeq      atomic.Uint64
	rxStale       atomic.Uint64
	rxFastForward atomic.Uint64
	rxLinkDown    atomic.Uint64

	txBytes       atomic.Uint64
	txPkts        atomic.Uint64
	txRingFull    atomic.Uint64
	txErrNoEntry  atomic.Uint64
	txErrTooLarge atomic.Uint64
	txLinkDown    atomic.Uint64

	dmaFallbacks atomic.Uint64
}

// Stats returns the queue's counters.
func (qp *QueuePair) Stats() QueueStats {
	s := QueueStats{
		Transport:     qp.t.id,
		QP:            qp.num,
		RxBytes:       qp.stats.rxBytes.Load(),
		RxPkts:        qp.stats.rxPkts.Load(),
		RxRingEmpty:   qp.stats.rxRingEmpty.Load(),
		RxErrNoBuf:    qp.stats.rxErrNoBuf.Load(),
		RxErrOflow:    qp.stats.rxErrOflow.Load(),
		RxErrSeq:      qp.stats.rxErrSeq.Load(),
		RxStale:       qp.stats.rxStale.Load(),
		RxFastForward: qp.stats.rxFastForward.Load(),
		RxLinkDown:    qp.stats.rxLinkDown.Load(),
		TxBytes:       qp.stats.txBytes.Load(),
		TxPkts:        qp.stats.txPkts.Load(),
		TxRingFull:    qp.stats.txRingFull.Load(),
		TxErrNoEntry:  qp.stats.txErrNoEntry.Load(),
		TxErrTooLarge: qp.stats.txErrTooLarge.Load(),
		TxLinkDown:    qp.stats.txLinkDown.Load(),
		DMAFallbacks:  qp.stats.dmaFallbacks.Load(),
	}

	qp.mu.Lock()
	s.LinkUp = qp.state == stateUp
	qp.rxMu.Lock()
	s.Round = qp.round
	s.RxIndex = qp.rxIndex
	if qp.rx != nil {
		s.RxMaxEntry = qp.rx.entries
	}
	qp.rxMu.Unlock()
	qp.mu.Unlock()

	qp.txMu.Lock()
	s.TxIndex = qp.txIndex
	s.TxMaxEntry = qp.txEntries
	s.TxFreeEntries = qp.freeEntriesLocked()
	qp.txMu.Unlock()
	return s
}
