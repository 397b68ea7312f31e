package transport

const (
	roundMask     = 0xF
	roundsPerSpad = 8
	// roundTie is the distance that reads as ahead and behind at once.
	roundTie = 8
)

// roundDelta is how far frame is ahead of expected, modulo 16.
func roundDelta(frame, expected uint8) uint8 {
	return (frame - expected) & roundMask
}

// roundAhead reports whether r is between one and seven rounds past base.
// Deltas of eight and more are read as r lagging behind base.
func roundAhead(r, base uint8) bool {
	d := roundDelta(r, base)
	return d > 0 && d < 8
}

func roundStale(r, base uint8) bool {
	return roundDelta(r, base) >= 8
}

// peerAhead reports whether local should adopt peer. synced is the last round
// both sides were seen on. At a distance of exactly eight the side that has
// stayed on synced gives way to the side that moved; if both or neither moved,
// the lower round gives way.
func peerAhead(peer, local, synced uint8) bool {
	if roundDelta(peer, local) != roundTie {
		return roundAhead(peer, local)
	}
	localMoved, peerMoved := local != synced, peer != synced
	if localMoved != peerMoved {
		return peerMoved
	}
	return local < peer
}

func nextRound(r uint8) uint8 {
	return (r + 1) & roundMask
}

// packRounds serializes per-queue rounds into scratchpad words, four bits per
// queue and eight queues per word.
func packRounds(rounds []uint8) []uint32 {
	regs := make([]uint32, (len(rounds)+roundsPerSpad-1)/roundsPerSpad)
	for i, r := range rounds {
		regs[i/roundsPerSpad] |= uint32(r&roundMask) << (4 * (i % roundsPerSpad))
	}
	return regs
}

func unpackRound(reg uint32, qp int) uint8 {
	return uint8(reg>>(4*(qp%roundsPerSpad))) & roundMask
}
