package transport

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// LinkUp marks the client ready. The queue comes up once the transport link
// is negotiated and the peer's client is ready as well.
func (qp *QueuePair) LinkUp() {
	if !qp.active.Load() {
		return
	}
	qp.mu.Lock()
	qp.clientReady = true
	if qp.state == stateDown {
		qp.setStateLocked(stateLinkRequested)
	}
	qp.mu.Unlock()

	if qp.t.linkUp.Load() {
		qp.t.scheduleQPLink(qp, 0)
	}
}

// LinkDown takes the queue down and tells the peer with a link down frame.
// In-flight sends complete with ErrPeerLinkDown.
func (qp *QueuePair) LinkDown() {
	qp.linkDown(ErrPeerLinkDown)
}

func (qp *QueuePair) linkDown(reason error) {
	qp.mu.Lock()
	qp.clientReady = false
	qp.t.wq.cancel(qp.linkKey())
	wasUp := qp.state == stateUp
	qp.setStateLocked(stateDown)
	qp.t.setReadyBit(qp.num, false)
	if wasUp {
		qp.rxMu.Lock()
		sent := qp.sendLinkDownLocked()
		qp.resetLocked(nextRound(qp.round), reason)
		round := qp.round
		qp.rxMu.Unlock()
		log.Info().
			Str("transport", qp.t.id).
			Int("qp", qp.num).
			Bool("link_down_sent", sent).
			Uint8("round", round).
			Msg("Queue link down")
	}
	qp.mu.Unlock()

	if wasUp {
		qp.notify(false)
	}
}

// hardwareDown parks the queue after the device link dropped. The ring
// mappings are invalid until the next negotiation; a client that wanted the
// link keeps waiting for it.
func (qp *QueuePair) hardwareDown() {
	qp.mu.Lock()
	wasUp := qp.state == stateUp
	qp.rxMu.Lock()
	if wasUp {
		qp.resetLocked(nextRound(qp.round), ErrHardwareLinkLoss)
	}
	qp.rx = nil
	qp.consumedOut.Store(nil)
	qp.txMu.Lock()
	qp.tx = nil
	qp.consumedIn = nil
	qp.downErr = ErrHardwareLinkLoss
	qp.txMu.Unlock()
	qp.rxMu.Unlock()
	if qp.clientReady {
		qp.setStateLocked(stateLinkRequested)
	} else {
		qp.setStateLocked(stateDown)
	}
	qp.mu.Unlock()

	if wasUp {
		qp.notify(false)
	}
}

// remoteDownLocked handles the peer going down: adopt round, rewind, and if
// the client still wants the link go back to waiting for the peer. Caller
// holds mu and rxMu. It reports whether the queue was up.
func (qp *QueuePair) remoteDownLocked(round uint8) bool {
	wasUp := qp.state == stateUp
	qp.resetLocked(round, ErrPeerLinkDown)
	qp.stats.rxLinkDown.Add(1)
	if !wasUp {
		return false
	}
	if qp.clientReady {
		qp.setStateLocked(stateLinkRequested)
		qp.t.scheduleQPLink(qp, qp.t.cfg.QPLinkRetryInterval)
	} else {
		qp.setStateLocked(stateDown)
	}
	return true
}

// fastForwardLocked catches up with a peer that went through cycles we did
// not see. The queue keeps its link state. Caller holds mu and rxMu.
func (qp *QueuePair) fastForwardLocked(round uint8) {
	log.Info().
		Str("transport", qp.t.id).
		Int("qp", qp.num).
		Uint8("from", qp.round).
		Uint8("to", round).
		Msg("Fast-forwarding queue round")
	qp.stats.rxFastForward.Add(1)
	qp.resetLocked(round, ErrPeerLinkDown)
	qp.syncRound = round
}

// resetLocked starts round on both directions from slot zero and mirrors it
// to the peer. Caller holds mu and rxMu.
func (qp *QueuePair) resetLocked(round uint8, reason error) {
	qp.txMu.Lock()
	qp.round = round
	qp.txIndex = 0
	qp.txSeq = 0
	qp.downErr = reason
	qp.txMu.Unlock()

	qp.rxIndex = 0
	qp.rxSeq = 0
	if qp.rx != nil {
		qp.publishConsumedLocked(qp.rx.entries - 1)
	}
	qp.t.mirrorRound(qp.num, round)
}

func (qp *QueuePair) linkKey() string {
	return fmt.Sprintf("qp-link-%d", qp.num)
}

func (t *Transport) scheduleQPLink(qp *QueuePair, delay time.Duration) {
	if t.closed.Load() {
		return
	}
	if delay <= 0 {
		t.wq.schedule(qp.linkKey(), func() { t.qpLinkWork(qp) })
		return
	}
	t.wq.scheduleAfter(qp.linkKey(), delay, func() { t.qpLinkWork(qp) })
}

// qpLinkWork runs on the transport worker. It maps the tx ring, announces
// this side as ready and goes up once the peer has done the same, adopting
// the peer's round if it is ahead.
func (t *Transport) qpLinkWork(qp *QueuePair) {
	if !t.linkUp.Load() || !qp.active.Load() {
		return
	}

	qp.mu.Lock()
	if !qp.clientReady || qp.state == stateUp {
		qp.mu.Unlock()
		return
	}
	if err := qp.mapTxLocked(); err != nil {
		qp.mu.Unlock()
		log.Debug().Err(err).Int("qp", qp.num).Msg("Tx ring not mapped yet, retrying")
		t.scheduleQPLink(qp, t.cfg.QPLinkRetryInterval)
		return
	}

	t.setReadyBit(qp.num, true)
	peerReady, peerRound := t.peerQPState(qp.num)
	if !peerReady {
		qp.mu.Unlock()
		t.scheduleQPLink(qp, t.cfg.QPLinkRetryInterval)
		return
	}

	qp.rxMu.Lock()
	if peerAhead(peerRound, qp.round, qp.syncRound) {
		qp.fastForwardLocked(peerRound)
	}
	if peerRound == qp.round {
		qp.syncRound = peerRound
	}
	if qp.rx != nil {
		qp.publishConsumedLocked((qp.rxIndex + qp.rx.entries - 1) % qp.rx.entries)
	}
	round := qp.round
	qp.rxMu.Unlock()
	qp.setStateLocked(stateUp)
	qp.mu.Unlock()

	log.Info().
		Str("transport", t.id).
		Int("qp", qp.num).
		Uint8("round", round).
		Msg("Queue link up")
	qp.notify(true)
	qp.kickRx()
}

// mapTxLocked points the tx ring at this queue's region of the peer window.
// Caller holds mu.
func (qp *QueuePair) mapTxLocked() error {
	mem, err := qp.t.dev.PeerMW(qp.mw)
	if err != nil {
		return err
	}
	end := qp.txOffset + qp.txRegion
	if len(mem) < end {
		return fmt.Errorf("peer window %d is %d bytes, need %d", qp.mw, len(mem), end)
	}
	region := mem[qp.txOffset:end:end]

	qp.txMu.Lock()
	if qp.tx == nil || &qp.tx.mem[0] != &region[0] {
		qp.tx = newRing(region, qp.txFrame, qp.txEntries)
	}
	qp.consumedOut.Store(qp.tx.infoWord())
	qp.txMu.Unlock()
	return nil
}
