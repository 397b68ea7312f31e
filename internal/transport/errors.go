package transport

import "errors"

// Caller-visible errors are returned from enqueue operations or passed to the
// rx/tx handlers. The remaining ones are internal and only logged or counted.
var (
	ErrRingFull         = errors.New("transport: ring full")
	ErrFrameTooLarge    = errors.New("transport: frame too large")
	ErrZeroLength       = errors.New("transport: zero length frames are reserved")
	ErrNoEntry          = errors.New("transport: no free queue entry")
	ErrLinkNotUp        = errors.New("transport: queue link is not up")
	ErrPeerLinkDown     = errors.New("transport: peer link down")
	ErrHardwareLinkLoss = errors.New("transport: hardware link lost")
	ErrRxOverflow       = errors.New("transport: receive buffer too small")
	ErrQueueFreed       = errors.New("transport: queue freed")
	ErrNoFreeQueue      = errors.New("transport: no free queue pair")
	ErrTransportClosed  = errors.New("transport: closed")

	ErrNegotiationMismatch = errors.New("transport: negotiation mismatch")
	ErrStaleFrame          = errors.New("transport: stale frame")
	ErrCopyFailure         = errors.New("transport: copy failure")
)
