package transport

import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/ntbqp/internal/ntb"
)

// copyData moves src into dst and then calls done, exactly once, on either
// path. Transfers go to the DMA channel when one is bound and the transfer is
// large enough and suitably aligned. A DMA channel that refuses or fails the
// transfer is replaced by a synchronous copy for that transfer only.
func (qp *QueuePair) copyData(ch ntb.DMAChannel, dst, src []byte, done func()) {
	if ch == nil || len(src) < qp.t.cfg.DMAThreshold || !dmaAligned(ch.Align(), dst, src) {
		copy(dst, src)
		done()
		return
	}

	qp.dmaPending.Add(1)
	err := ch.Submit(dst, src, func(err error) {
		if err != nil {
			qp.dmaFallback(ch, err)
			copy(dst, src)
		}
		done()
		qp.dmaPending.Add(-1)
	})
	if err != nil {
		qp.dmaPending.Add(-1)
		qp.dmaFallback(ch, err)
		copy(dst, src)
		done()
	}
}

func (qp *QueuePair) dmaFallback(ch ntb.DMAChannel, err error) {
	qp.stats.dmaFallbacks.Add(1)
	log.Warn().
		Err(fmt.Errorf("%w: %w", ErrCopyFailure, err)).
		Str("transport", qp.t.id).
		Int("qp", qp.num).
		Str("channel", ch.Name()).
		Msg("DMA transfer failed, falling back to memcpy")
}

func dmaAligned(align int, bufs ...[]byte) bool {
	if align <= 1 {
		return true
	}
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		if uintptr(unsafe.Pointer(unsafe.SliceData(b)))%uintptr(align) != 0 {
			return false
		}
	}
	return true
}
