package transport

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Frame layout: payload bytes followed by a 12 byte trailer
//
//	seq u32 | len u32 | flags u16 | round u16
//
// all little endian. flags and round share one 32-bit word that is loaded and
// stored atomically and is the publication point of a frame.
const (
	headerSize = 12
	infoSize   = 8

	flagDone     uint16 = 1 << 0
	flagLinkDown uint16 = 1 << 1

	frameAlign = 8
)

type payloadHeader struct {
	b []byte
}

func (h payloadHeader) word() *uint32 {
	return (*uint32)(unsafe.Pointer(&h.b[8]))
}

func (h payloadHeader) seq() uint32 {
	return binary.LittleEndian.Uint32(h.b[0:4])
}

func (h payloadHeader) length() uint32 {
	return binary.LittleEndian.Uint32(h.b[4:8])
}

func (h payloadHeader) load() uint32 {
	return atomic.LoadUint32(h.word())
}

// publish writes seq and length first and then the flag word, so a reader
// that observes DONE also observes the rest of the trailer.
func (h payloadHeader) publish(seq, length uint32, flags uint16, round uint8) {
	binary.LittleEndian.PutUint32(h.b[0:4], seq)
	binary.LittleEndian.PutUint32(h.b[4:8], length)
	atomic.StoreUint32(h.word(), packFlags(flags, round))
}

// clear drops DONE and LINK_DOWN only if the word still holds old. A false
// return means the sender overwrote the slot in the meantime.
func (h payloadHeader) clear(old uint32) bool {
	return atomic.CompareAndSwapUint32(h.word(), old, old&^uint32(flagDone|flagLinkDown))
}

func (h payloadHeader) reset() {
	atomic.StoreUint32(h.word(), 0)
}

func packFlags(flags uint16, round uint8) uint32 {
	return uint32(flags) | uint32(round&roundMask)<<16
}

func wordFlags(w uint32) uint16 { return uint16(w) }

func wordRound(w uint32) uint8 { return uint8(w>>16) & roundMask }

// ring is one direction of a queue pair: max entries frames of frame bytes,
// followed by the consumer word at the region end.
type ring struct {
	mem     []byte
	frame   int
	entries int
}

// ringGeometry computes the per-queue region of a window shared by qpsOnMW
// queues. It returns zero entries when the region cannot hold two frames.
func ringGeometry(winSize uint64, qpsOnMW, mtu int) (region, frame, entries int) {
	if qpsOnMW <= 0 {
		return 0, 0, 0
	}
	region = int(winSize/uint64(qpsOnMW)) &^ (frameAlign - 1)
	usable := region - infoSize
	if usable <= 0 {
		return region, 0, 0
	}
	frame = min(mtu+headerSize, usable/2) &^ (frameAlign - 1)
	if frame <= headerSize {
		return region, 0, 0
	}
	return region, frame, usable / frame
}

func newRing(mem []byte, frame, entries int) *ring {
	return &ring{mem: mem, frame: frame, entries: entries}
}

func (r *ring) maxPayload() int { return r.frame - headerSize }

func (r *ring) header(slot int) payloadHeader {
	off := slot*r.frame + r.frame - headerSize
	return payloadHeader{b: r.mem[off : off+headerSize]}
}

func (r *ring) payload(slot, n int) []byte {
	off := slot * r.frame
	return r.mem[off : off+n : off+n]
}

func (r *ring) infoWord() *uint32 {
	off := len(r.mem) - infoSize
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *ring) clearHeaders() {
	for i := 0; i < r.entries; i++ {
		r.header(i).reset()
	}
}

// Consumer word: round in the top nibble, last consumed slot below.
func packConsumed(round uint8, slot int) uint32 {
	return uint32(round&roundMask)<<28 | uint32(slot)&0x0fffffff
}

func (r *ring) storeConsumed(round uint8, slot int) {
	atomic.StoreUint32(r.infoWord(), packConsumed(round, slot))
}

// decodeConsumed extracts the last consumed slot from a consumer word. A word
// tagged with a round other than round predates the current cycle and reads
// as the initial value, entries-1.
func decodeConsumed(w uint32, round uint8, entries int) int {
	if uint8(w>>28) != round&roundMask {
		return entries - 1
	}
	slot := int(w & 0x0fffffff)
	if slot >= entries {
		return entries - 1
	}
	return slot
}

// freeEntries is the number of slots the sender may still fill. One slot is
// always kept empty so a full ring is distinguishable from an empty one.
func freeEntries(consumed, txIndex, entries int) int {
	return ((consumed-txIndex)%entries + entries) % entries
}
