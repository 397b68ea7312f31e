package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// EnqueueRx posts buf to receive one frame. Buffers are filled in the order
// they were posted.
func (qp *QueuePair) EnqueueRx(cookie any, buf []byte) error {
	if !qp.active.Load() {
		return ErrQueueFreed
	}
	if len(buf) == 0 {
		return ErrZeroLength
	}
	e := qp.rxFree.pop()
	if e == nil {
		return ErrNoEntry
	}
	e.cookie = cookie
	e.buf = buf
	qp.rxPend.push(e)
	qp.kickRx()
	return nil
}

// RxRemove takes back one posted receive buffer. It only succeeds while the
// client has the link down.
func (qp *QueuePair) RxRemove() (any, []byte, bool) {
	qp.mu.Lock()
	ready := qp.clientReady
	qp.mu.Unlock()
	if ready {
		return nil, nil, false
	}
	e := qp.rxPend.pop()
	if e == nil {
		return nil, nil, false
	}
	cookie, buf := e.cookie, e.buf
	e.reset()
	qp.rxFree.push(e)
	return cookie, buf, true
}

func (qp *QueuePair) kickRx() {
	select {
	case qp.kick <- struct{}{}:
	default:
	}
}

// rxWorker is the single consumer of the rx ring. Doorbells coalesce into
// one pending kick.
func (qp *QueuePair) rxWorker() {
	defer close(qp.workerDone)
	for {
		select {
		case <-qp.stopCh:
			return
		case <-qp.kick:
		}
		qp.drain()
	}
}

func (qp *QueuePair) drain() {
	n := 0
	for n < qp.t.cfg.RxBatch && qp.processOne() {
		n++
	}
	if n == qp.t.cfg.RxBatch {
		qp.kickRx()
		return
	}

	// Clear the doorbell and look again so a frame published between the
	// last check and the clear is not missed.
	if bit := qp.dbBit(); qp.t.dev.DBRead()&bit != 0 {
		qp.t.dev.DBClear(bit)
		qp.kickRx()
	}
	qp.checkPeer()
}

// processOne handles the frame at the rx index. It returns false when nothing
// could be done: the ring is empty, the queue is not up, or no buffer is posted.
func (qp *QueuePair) processOne() bool {
	qp.mu.Lock()
	qp.rxMu.Lock()
	if qp.rx == nil {
		qp.rxMu.Unlock()
		qp.mu.Unlock()
		return false
	}

	slot := qp.rxIndex
	hdr := qp.rx.header(slot)
	w := hdr.load()
	flags := wordFlags(w)
	if flags&flagDone == 0 {
		qp.rxMu.Unlock()
		qp.mu.Unlock()
		qp.stats.rxRingEmpty.Add(1)
		return false
	}

	frameRound := wordRound(w)
	stale := roundStale(frameRound, qp.round)
	if stale && roundDelta(frameRound, qp.round) == roundTie {
		// Eight rounds off reads both ways. A frame carrying the round the
		// peer mirrors is from its current round.
		_, peerRound := qp.t.peerQPState(qp.num)
		stale = frameRound != peerRound || !peerAhead(peerRound, qp.round, qp.syncRound)
	}
	switch {
	case stale:
		hdr.clear(w)
		expected := qp.round
		qp.rxMu.Unlock()
		qp.mu.Unlock()
		qp.stats.rxStale.Add(1)
		log.Debug().
			Err(ErrStaleFrame).
			Int("qp", qp.num).
			Int("slot", slot).
			Uint8("frame_round", frameRound).
			Uint8("round", expected).
			Msg("Discarded frame from an earlier round")
		return true

	case flags&flagLinkDown != 0:
		hdr.clear(w)
		wasUp := qp.remoteDownLocked(nextRound(frameRound))
		qp.rxMu.Unlock()
		qp.mu.Unlock()
		log.Info().Str("transport", qp.t.id).Int("qp", qp.num).Msg("Peer sent link down")
		if wasUp {
			qp.notify(false)
		}
		return true

	case frameRound != qp.round:
		qp.fastForwardLocked(frameRound)
		qp.rxMu.Unlock()
		qp.mu.Unlock()
		return true
	}

	if qp.state != stateUp {
		qp.rxMu.Unlock()
		qp.mu.Unlock()
		return false
	}

	length := int(hdr.length())
	if length == 0 || length > qp.rx.maxPayload() {
		// Not something a peer at this round can have sent; consume it so
		// the sender is not wedged behind it.
		hdr.clear(w)
		qp.rxIndex = (slot + 1) % qp.rx.entries
		qp.publishConsumedLocked(slot)
		qp.rxMu.Unlock()
		qp.mu.Unlock()
		qp.stats.rxErrOflow.Add(1)
		log.Warn().Int("qp", qp.num).Int("slot", slot).Int("len", length).Msg("Dropped malformed frame")
		return true
	}

	e := qp.rxPend.pop()
	if e == nil {
		qp.rxMu.Unlock()
		qp.mu.Unlock()
		qp.stats.rxErrNoBuf.Add(1)
		return false
	}

	if seq := hdr.seq(); seq != qp.rxSeq {
		qp.stats.rxErrSeq.Add(1)
		log.Debug().Int("qp", qp.num).Uint32("seq", seq).Uint32("expected", qp.rxSeq).Msg("Sequence gap")
		qp.rxSeq = seq
	}
	qp.rxSeq++
	e.slot = slot
	e.round = qp.round
	gen := e.gen.Load()
	qp.rxIndex = (slot + 1) % qp.rx.entries
	qp.rxPost.push(e)
	rx := qp.rx
	qp.rxMu.Unlock()
	qp.mu.Unlock()

	if length > len(e.buf) {
		qp.stats.rxErrOflow.Add(1)
		e.err = fmt.Errorf("%w: frame %d bytes, buffer %d", ErrRxOverflow, length, len(e.buf))
		e.length = 0
		qp.rxComplete(e, gen)
		return true
	}

	e.length = length
	qp.copyData(qp.rxDMA, e.buf[:length], rx.payload(slot, length), func() {
		qp.rxComplete(e, gen)
	})
	return true
}

// rxComplete retires finished entries strictly in ring order: each clears
// its frame header and publishes its slot as consumed. An entry whose round
// ended while it was being copied fails with the reason the queue went down,
// since the sender may already have reused its slot. Handlers are called
// outside the locks by whichever completion finds no delivery in progress, so
// they too see ring order. gen is the entry's generation when the copy
// started; a completion for an entry Free has already returned is dropped.
func (qp *QueuePair) rxComplete(e *queueEntry, gen uint32) {
	qp.rxMu.Lock()
	if e.gen.Load() != gen {
		qp.rxMu.Unlock()
		log.Debug().Int("qp", qp.num).Msg("Dropped receive completion for a returned buffer")
		return
	}
	qp.rxPost.markDone(e)
	for _, d := range qp.rxPost.popDone() {
		switch {
		case d.round == qp.round && qp.rx != nil:
			qp.rx.header(d.slot).reset()
			qp.publishConsumedLocked(d.slot)
		case d.err == nil:
			qp.txMu.Lock()
			d.err = qp.downErr
			qp.txMu.Unlock()
			d.length = 0
		}
		qp.rxDone = append(qp.rxDone, d)
	}
	if qp.rxDelivering {
		qp.rxMu.Unlock()
		return
	}
	qp.rxDelivering = true
	for len(qp.rxDone) > 0 {
		batch := qp.rxDone
		qp.rxDone = nil
		qp.rxMu.Unlock()

		for _, d := range batch {
			if d.err == nil {
				qp.stats.rxPkts.Add(1)
				qp.stats.rxBytes.Add(uint64(d.length))
			}
			qp.finishRx(d)
		}
		qp.rxMu.Lock()
	}
	qp.rxDelivering = false
	qp.rxMu.Unlock()
}

func (qp *QueuePair) finishRx(e *queueEntry) {
	if !e.completed.CompareAndSwap(false, true) {
		return
	}
	cookie, err := e.cookie, e.err
	var data []byte
	if err == nil {
		data = e.buf[:e.length]
	}
	e.reset()
	qp.rxFree.push(e)

	if h := qp.handlers().Rx; h != nil {
		h(qp, cookie, data, err)
	}
}

// publishConsumedLocked tells the peer slot has been consumed. Caller holds rxMu.
func (qp *QueuePair) publishConsumedLocked(slot int) {
	if p := qp.consumedOut.Load(); p != nil {
		atomic.StoreUint32(p, packConsumed(qp.round, slot))
	}
}

// checkPeer compares the peer's scratchpad mirror against an up queue. A
// cleared ready bit means the peer went down without its link down frame
// reaching us; a round ahead of ours means we missed whole cycles. A peer
// exactly eight rounds off is settled by peerAhead.
func (qp *QueuePair) checkPeer() {
	qp.mu.Lock()
	if qp.state != stateUp {
		qp.mu.Unlock()
		return
	}
	peerReady, peerRound := qp.t.peerQPState(qp.num)

	qp.rxMu.Lock()
	wasUp, forwarded := false, false
	switch {
	case !peerReady && peerAhead(peerRound, qp.round, qp.syncRound):
		wasUp = qp.remoteDownLocked(peerRound)
	case !peerReady:
		wasUp = qp.remoteDownLocked(nextRound(qp.round))
	case peerAhead(peerRound, qp.round, qp.syncRound):
		qp.fastForwardLocked(peerRound)
		forwarded = true
	case peerRound == qp.round:
		qp.syncRound = peerRound
	}
	qp.rxMu.Unlock()
	qp.mu.Unlock()

	if wasUp {
		log.Info().Str("transport", qp.t.id).Int("qp", qp.num).Msg("Peer dropped its ready bit")
		qp.notify(false)
	}
	if forwarded {
		qp.kickRx()
	}
}
