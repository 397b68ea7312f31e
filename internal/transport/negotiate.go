package transport

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

const transportVersion = 4

// Scratchpad layout. Each side writes these slots in its peer's bank and
// reads the peer's values back from its own.
//
//	0            protocol version, written last
//	1            queue ready bitmask
//	2            queue count
//	3            window count
//	4+2i, 5+2i   window i size, high and low word
//	4+2n+j       rounds of queues 8j..8j+7, four bits each
const (
	spadVersion  = 0
	spadQPLinks  = 1
	spadNumQPs   = 2
	spadNumMWs   = 3
	spadMWSzBase = 4
)

func spadMWSizeHigh(i int) int { return spadMWSzBase + 2*i }

func spadMWSizeLow(i int) int { return spadMWSzBase + 2*i + 1 }

func (t *Transport) spadRound(qp int) int {
	return spadMWSzBase + 2*len(t.mws) + qp/roundsPerSpad
}

func requiredSpads(mwCount, qpCount int) int {
	return spadMWSzBase + 2*mwCount + (qpCount+roundsPerSpad-1)/roundsPerSpad
}

const linkWorkKey = "link-work"

// linkWork negotiates the shared layout after the device link came up and
// keeps retrying while the device link stays up.
func (t *Transport) linkWork() {
	if t.closed.Load() || t.linkUp.Load() || !t.dev.LinkIsUp() {
		return
	}

	if err := t.negotiate(); err != nil {
		retries := t.negotiationRetries.Add(1)
		ev := log.Warn()
		if errors.Is(err, ErrNegotiationMismatch) {
			ev = log.Debug()
		}
		ev.Err(err).Str("transport", t.id).Uint64("retries", retries).Msg("Link negotiation incomplete, retrying")
		if t.dev.LinkIsUp() {
			t.wq.scheduleAfter(linkWorkKey, t.cfg.LinkRetryInterval, t.linkWork)
		}
		return
	}

	for _, qp := range t.qps {
		t.setupQP(qp)
	}
	t.linkUp.Store(true)
	log.Info().
		Str("transport", t.id).
		Str("device", t.dev.Name()).
		Int("qps", t.qpCount).
		Int("mws", len(t.mws)).
		Msg("Transport link up")

	t.mu.Lock()
	var waiting []*QueuePair
	for _, qp := range t.qps {
		if qp.inUse {
			waiting = append(waiting, qp)
		}
	}
	t.mu.Unlock()
	for _, qp := range waiting {
		qp.mu.Lock()
		ready := qp.clientReady
		qp.mu.Unlock()
		if ready {
			t.scheduleQPLink(qp, 0)
		}
	}
}

// negotiate advertises the local layout, checks the peer's and registers the
// receive buffers the peer asked for.
func (t *Transport) negotiate() error {
	for _, mw := range t.mws {
		if err := t.dev.PeerSpadWrite(spadMWSizeHigh(mw.idx), uint32(mw.peerSize>>32)); err != nil {
			return fmt.Errorf("failed to advertise window %d: %w", mw.idx, err)
		}
		if err := t.dev.PeerSpadWrite(spadMWSizeLow(mw.idx), uint32(mw.peerSize)); err != nil {
			return fmt.Errorf("failed to advertise window %d: %w", mw.idx, err)
		}
	}
	if err := t.dev.PeerSpadWrite(spadNumMWs, uint32(len(t.mws))); err != nil {
		return fmt.Errorf("failed to advertise window count: %w", err)
	}
	if err := t.dev.PeerSpadWrite(spadNumQPs, uint32(t.qpCount)); err != nil {
		return fmt.Errorf("failed to advertise queue count: %w", err)
	}
	if err := t.writeQPMirror(); err != nil {
		return fmt.Errorf("failed to advertise queue state: %w", err)
	}
	if err := t.dev.PeerSpadWrite(spadVersion, transportVersion); err != nil {
		return fmt.Errorf("failed to advertise version: %w", err)
	}

	if v := t.dev.SpadRead(spadVersion); v != transportVersion {
		return fmt.Errorf("%w: peer version %d, local %d", ErrNegotiationMismatch, v, transportVersion)
	}
	if v := int(t.dev.SpadRead(spadNumQPs)); v != t.qpCount {
		return fmt.Errorf("%w: peer has %d queues, local %d", ErrNegotiationMismatch, v, t.qpCount)
	}
	if v := int(t.dev.SpadRead(spadNumMWs)); v != len(t.mws) {
		return fmt.Errorf("%w: peer has %d windows, local %d", ErrNegotiationMismatch, v, len(t.mws))
	}

	for _, mw := range t.mws {
		size := uint64(t.dev.SpadRead(spadMWSizeHigh(mw.idx)))<<32 | uint64(t.dev.SpadRead(spadMWSizeLow(mw.idx)))
		if err := t.setMW(mw.idx, size); err != nil {
			t.freeMWs()
			return err
		}
	}
	return nil
}

// setupQP lays the rx ring of qp over its slice of the local window and
// rewinds both directions.
func (t *Transport) setupQP(qp *QueuePair) {
	mwCount := len(t.mws)
	mw := t.mws[qp.mw]
	qpsOnMW := t.qpCount / mwCount
	if qp.mw < t.qpCount%mwCount {
		qpsOnMW++
	}
	region, frame, entries := ringGeometry(mw.size, qpsOnMW, t.cfg.MTU)
	off := (qp.num / mwCount) * region
	rx := newRing(mw.buf[off:off+region:off+region], frame, entries)
	rx.clearHeaders()

	qp.mu.Lock()
	qp.rxMu.Lock()
	qp.txMu.Lock()
	rx.storeConsumed(qp.round, qp.txEntries-1)
	qp.rx = rx
	qp.rxIndex = 0
	qp.rxSeq = 0
	qp.consumedIn = rx.infoWord()
	qp.txIndex = 0
	qp.txSeq = 0
	qp.txMu.Unlock()
	qp.rxMu.Unlock()
	qp.mu.Unlock()
}

// linkCleanup tears the transport link down after the device link dropped.
func (t *Transport) linkCleanup() {
	wasUp := t.linkUp.Swap(false)
	t.wq.cancel(linkWorkKey)

	for _, qp := range t.qps {
		t.wq.cancel(qp.linkKey())
		qp.hardwareDown()
	}
	t.clearMWTrans()

	t.spadMu.Lock()
	t.readyMask = 0
	t.spadMu.Unlock()

	// Values the peer wrote belong to the session that just ended. If the
	// link is already back the peer may have started a new one.
	if !t.dev.LinkIsUp() {
		for i := 0; i < t.dev.SpadCount(); i++ {
			if err := t.dev.SpadWrite(i, 0); err != nil {
				log.Debug().Err(err).Int("spad", i).Msg("Failed to clear scratchpad")
			}
		}
	}

	switch {
	case !wasUp:
	case t.dev.LinkIsUp():
		log.Info().Str("transport", t.id).Msg("Transport link torn down")
	default:
		log.Warn().Err(ErrHardwareLinkLoss).Str("transport", t.id).Msg("Transport link down")
	}
}

// writeQPMirror writes every queue's round and the ready mask to the peer.
func (t *Transport) writeQPMirror() error {
	t.spadMu.Lock()
	defer t.spadMu.Unlock()
	for j, reg := range packRounds(t.rounds) {
		if err := t.dev.PeerSpadWrite(spadMWSzBase+2*len(t.mws)+j, reg); err != nil {
			return err
		}
	}
	return t.dev.PeerSpadWrite(spadQPLinks, t.readyMask)
}

// mirrorRound records qp's round and pushes its scratchpad word to the peer.
// Failures only happen with the device link down; the next negotiation
// rewrites every round.
func (t *Transport) mirrorRound(qp int, round uint8) {
	t.spadMu.Lock()
	defer t.spadMu.Unlock()
	t.rounds[qp] = round
	reg := packRounds(t.rounds)[qp/roundsPerSpad]
	if err := t.dev.PeerSpadWrite(t.spadRound(qp), reg); err != nil {
		log.Debug().Err(err).Int("qp", qp).Msg("Failed to mirror round")
	}
}

func (t *Transport) setReadyBit(qp int, ready bool) {
	t.spadMu.Lock()
	defer t.spadMu.Unlock()
	if ready {
		t.readyMask |= 1 << qp
	} else {
		t.readyMask &^= 1 << qp
	}
	if err := t.dev.PeerSpadWrite(spadQPLinks, t.readyMask); err != nil {
		log.Debug().Err(err).Int("qp", qp).Msg("Failed to update ready mask")
	}
}

// peerQPState reads the peer's ready bit and round for qp from the local bank.
func (t *Transport) peerQPState(qp int) (bool, uint8) {
	ready := t.dev.SpadRead(spadQPLinks)&(1<<qp) != 0
	return ready, unpackRound(t.dev.SpadRead(t.spadRound(qp)), qp)
}
