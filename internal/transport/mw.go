package transport

import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// memoryWindow tracks one inbound translation (the local rx buffer the peer
// writes into) and the size of the matching outbound window.
type memoryWindow struct {
	idx       int
	addrAlign uint64
	sizeAlign uint64
	sizeMax   uint64
	peerSize  uint64

	// size is what the peer advertised and drives the ring geometry; buf
	// may be longer after size alignment.
	buf        []byte
	size       uint64
	translated bool
}

func (t *Transport) initMWs() error {
	t.mws = make([]*memoryWindow, t.dev.MWCount())
	for i := range t.mws {
		addrAlign, sizeAlign, sizeMax, err := t.dev.MWGetAlign(i)
		if err != nil {
			return fmt.Errorf("failed to query alignment of window %d: %w", i, err)
		}
		peerSize, err := t.dev.PeerMWSize(i)
		if err != nil {
			return fmt.Errorf("failed to query size of window %d: %w", i, err)
		}
		t.mws[i] = &memoryWindow{
			idx:       i,
			addrAlign: max(addrAlign, frameAlign),
			sizeAlign: max(sizeAlign, 1),
			sizeMax:   sizeMax,
			peerSize:  peerSize,
		}
	}
	return nil
}

// setMW sizes the rx buffer of window i to what the peer advertised and
// registers it with the translation register. A buffer of the right size is
// reused across link flaps.
func (t *Transport) setMW(i int, size uint64) error {
	mw := t.mws[i]
	if size == 0 {
		return fmt.Errorf("window %d: peer advertised zero size", i)
	}
	xlat := alignUp(size, mw.sizeAlign)
	if mw.sizeMax != 0 && xlat > mw.sizeMax {
		return fmt.Errorf("window %d: size %d exceeds maximum %d", i, xlat, mw.sizeMax)
	}

	if mw.buf == nil || mw.size != size {
		t.freeMW(i)
		mw.buf = allocAligned(xlat, mw.addrAlign)
		mw.size = size
	}
	if mw.translated {
		return nil
	}
	if err := t.dev.MWSetTrans(i, mw.buf); err != nil {
		t.freeMW(i)
		return fmt.Errorf("window %d: failed to set translation: %w", i, err)
	}
	mw.translated = true

	log.Debug().
		Str("transport", t.id).
		Int("mw", i).
		Uint64("size", size).
		Msg("Memory window translated")
	return nil
}

// clearTrans drops the translations but keeps the buffers for the next link-up.
func (t *Transport) clearMWTrans() {
	for _, mw := range t.mws {
		if !mw.translated {
			continue
		}
		if err := t.dev.MWClearTrans(mw.idx); err != nil {
			log.Warn().Err(err).Str("transport", t.id).Int("mw", mw.idx).Msg("Failed to clear window translation")
		}
		mw.translated = false
	}
}

func (t *Transport) freeMW(i int) {
	mw := t.mws[i]
	if mw.translated {
		if err := t.dev.MWClearTrans(i); err != nil {
			log.Warn().Err(err).Str("transport", t.id).Int("mw", i).Msg("Failed to clear window translation")
		}
		mw.translated = false
	}
	mw.buf = nil
	mw.size = 0
}

func (t *Transport) freeMWs() {
	for i := range t.mws {
		t.freeMW(i)
	}
}

// allocAligned returns a zeroed size byte slice whose first byte is aligned
// to align.
func allocAligned(size, align uint64) []byte {
	raw := make([]byte, size+align)
	addr := uint64(uintptr(unsafe.Pointer(&raw[0])))
	off := alignUp(addr, align) - addr
	return raw[off : off+size : off+size]
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
