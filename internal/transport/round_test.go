package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundClassification(t *testing.T) {
	tests := []struct {
		frame, expected uint8
		ahead, stale    bool
	}{
		{0, 0, false, false},
		{1, 0, true, false},
		{7, 0, true, false},
		{8, 0, false, true},
		{15, 0, false, true},
		{0, 15, true, false},
		{3, 12, true, false},
		{14, 15, false, true},
		{12, 4, false, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ahead, roundAhead(tt.frame, tt.expected), "ahead(%d, %d)", tt.frame, tt.expected)
		assert.Equal(t, tt.stale, roundStale(tt.frame, tt.expected), "stale(%d, %d)", tt.frame, tt.expected)
	}
	assert.Equal(t, uint8(0), nextRound(15))
	assert.Equal(t, uint8(1), nextRound(0))
}

// TestPeerAheadTieBreak covers peers exactly eight rounds away, where the
// round alone cannot tell ahead from behind
func TestPeerAheadTieBreak(t *testing.T) {
	tests := []struct {
		name                string
		peer, local, synced uint8
		want                bool
	}{
		{"peer one ahead", 1, 0, 0, true},
		{"peer seven ahead", 7, 0, 0, true},
		{"peer one behind", 15, 0, 0, false},
		{"peer moved eight", 8, 0, 0, true},
		{"local moved eight", 0, 8, 0, false},
		{"peer moved eight across wrap", 2, 10, 10, true},
		{"local moved eight across wrap", 10, 2, 10, false},
		{"both moved, lower gives way", 12, 4, 1, true},
		{"both moved, higher keeps", 4, 12, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, peerAhead(tt.peer, tt.local, tt.synced))
		})
	}

	// Exactly one side gives way whatever the history.
	for a := uint8(0); a < 16; a++ {
		b := (a + roundTie) & roundMask
		for synced := uint8(0); synced < 16; synced++ {
			assert.NotEqual(t, peerAhead(b, a, synced), peerAhead(a, b, synced), "a=%d b=%d synced=%d", a, b, synced)
		}
	}
}

// TestPackRounds checks the four bits per queue scratchpad mirror
func TestPackRounds(t *testing.T) {
	rounds := make([]uint8, 10)
	for i := range rounds {
		rounds[i] = uint8(i + 3)
	}
	rounds[9] = 0x1f // only the low nibble is kept

	regs := packRounds(rounds)
	assert.Len(t, regs, 2)
	assert.Equal(t, uint32(0xa9876543), regs[0])

	for i := 0; i < 9; i++ {
		assert.Equal(t, rounds[i], unpackRound(regs[i/roundsPerSpad], i), "qp %d", i)
	}
	assert.Equal(t, uint8(0xf), unpackRound(regs[1], 9))

	assert.Equal(t, 7, requiredSpads(1, 2))
	assert.Equal(t, 8, requiredSpads(1, 16))
	assert.Equal(t, 12, requiredSpads(2, 32))
}
