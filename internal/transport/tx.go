package transport

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// EnqueueTx sends data as one frame. It never blocks: when the peer has not
// yet consumed enough frames it fails with ErrRingFull. data must stay
// untouched until the Tx handler returns it with the send result.
func (qp *QueuePair) EnqueueTx(cookie any, data []byte) error {
	if !qp.active.Load() {
		return ErrQueueFreed
	}
	if len(data) == 0 {
		return ErrZeroLength
	}

	e := qp.txFree.pop()
	if e == nil {
		qp.stats.txErrNoEntry.Add(1)
		return ErrNoEntry
	}
	if len(data) > qp.MaxFrameSize() {
		qp.txFree.push(e)
		qp.stats.txErrTooLarge.Add(1)
		return fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, len(data), qp.MaxFrameSize())
	}
	e.cookie = cookie
	e.buf = data
	e.length = len(data)

	qp.txMu.Lock()
	if !qp.up.Load() || qp.tx == nil {
		qp.txMu.Unlock()
		e.reset()
		qp.txFree.push(e)
		return ErrLinkNotUp
	}
	if qp.freeEntriesLocked() == 0 {
		qp.txMu.Unlock()
		e.reset()
		qp.txFree.push(e)
		qp.stats.txRingFull.Add(1)
		return ErrRingFull
	}
	e.slot = qp.txIndex
	e.round = qp.round
	seq := qp.txSeq
	qp.txIndex = (qp.txIndex + 1) % qp.txEntries
	qp.txSeq++
	tx := qp.tx
	qp.txMu.Unlock()

	qp.copyData(qp.txDMA, tx.payload(e.slot, e.length), data, func() {
		qp.txComplete(e, tx, seq)
	})
	return nil
}

// txComplete publishes the frame header once the payload is in place and
// rings the peer. A frame whose round ended while it was being copied is not
// published and fails back to the caller.
func (qp *QueuePair) txComplete(e *queueEntry, tx *ring, seq uint32) {
	qp.txMu.Lock()
	if e.round != qp.round || qp.tx != tx {
		err := qp.downErr
		qp.txMu.Unlock()
		qp.finishTx(e, err)
		return
	}
	tx.header(e.slot).publish(seq, uint32(e.length), flagDone, e.round)
	qp.txMu.Unlock()

	qp.stats.txPkts.Add(1)
	qp.stats.txBytes.Add(uint64(e.length))

	if err := qp.t.dev.PeerDBSet(qp.dbBit()); err != nil {
		log.Debug().Err(err).Int("qp", qp.num).Msg("Failed to ring peer doorbell")
	}
	qp.finishTx(e, nil)
}

func (qp *QueuePair) finishTx(e *queueEntry, err error) {
	cookie, data := e.cookie, e.buf
	e.reset()
	qp.txFree.push(e)

	if h := qp.handlers().Tx; h != nil {
		h(qp, cookie, data, err)
	}
}

// sendLinkDownLocked writes a zero-length LINK_DOWN frame tagged with the
// current round. It is best effort: nothing is sent while the hardware link
// is down or the ring is full. Caller holds mu and rxMu.
func (qp *QueuePair) sendLinkDownLocked() bool {
	qp.txMu.Lock()
	if qp.tx == nil || !qp.t.dev.LinkIsUp() {
		qp.txMu.Unlock()
		return false
	}
	if qp.freeEntriesLocked() == 0 {
		qp.txMu.Unlock()
		log.Warn().Str("transport", qp.t.id).Int("qp", qp.num).Msg("Ring full, link down frame not sent")
		return false
	}
	slot := qp.txIndex
	qp.tx.header(slot).publish(qp.txSeq, 0, flagDone|flagLinkDown, qp.round)
	qp.txIndex = (qp.txIndex + 1) % qp.txEntries
	qp.txSeq++
	qp.txMu.Unlock()

	qp.stats.txLinkDown.Add(1)
	if err := qp.t.dev.PeerDBSet(qp.dbBit()); err != nil {
		log.Debug().Err(err).Int("qp", qp.num).Msg("Failed to ring peer doorbell")
	}
	return true
}
