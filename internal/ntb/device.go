// Package ntb describes the capability surface of a Non-Transparent Bridge
// device as seen by the queue-pair transport, together with a simulated
// back-to-back device pair and DMA engine used by tests and the demo agent.
package ntb

import "errors"

var (
	// ErrLinkDown is returned by peer operations while the hardware link is down.
	ErrLinkDown = errors.New("ntb: hardware link is down")
	// ErrInvalidIndex is returned for an out of range scratchpad or window index.
	ErrInvalidIndex = errors.New("ntb: index out of range")
	// ErrNoTranslation is returned when the peer has not registered a buffer behind a window.
	ErrNoTranslation = errors.New("ntb: peer window has no translation")
	// ErrBadAlignment is returned when a translation buffer violates window alignment.
	ErrBadAlignment = errors.New("ntb: buffer violates window alignment")
	// ErrTooLarge is returned when a translation buffer exceeds the window size.
	ErrTooLarge = errors.New("ntb: buffer exceeds window size")
	// ErrHandlerBusy is returned when an event handler is already registered.
	ErrHandlerBusy = errors.New("ntb: event handler already registered")
	// ErrDMABusy is returned when a DMA channel cannot accept another descriptor.
	ErrDMABusy = errors.New("ntb: dma channel busy")
	// ErrDMAFailed is reported by DMA completions that did not transfer the data.
	ErrDMAFailed = errors.New("ntb: dma transfer failed")
	// ErrDMAClosed is returned by a released DMA channel.
	ErrDMAClosed = errors.New("ntb: dma channel closed")
)

// EventHandler receives link and doorbell notifications. Both methods run in
// interrupt context and must not block.
type EventHandler interface {
	LinkEvent()
	DoorbellEvent(vector int)
}

// Device is the subset of NTB hardware operations the transport relies on.
//
// Scratchpads come in two banks: SpadRead/SpadWrite address the local bank
// that the peer writes into, PeerSpadWrite/PeerSpadRead address the peer's bank.
type Device interface {
	Name() string

	LinkIsUp() bool
	SetEventHandler(h EventHandler) error
	ClearEventHandler()

	SpadCount() int
	SpadRead(idx int) uint32
	SpadWrite(idx int, val uint32) error
	PeerSpadRead(idx int) (uint32, error)
	PeerSpadWrite(idx int, val uint32) error

	DBValidMask() uint64
	DBRead() uint64
	DBClear(bits uint64)
	DBSetMask(bits uint64)
	DBClearMask(bits uint64)
	PeerDBSet(bits uint64) error

	MWCount() int
	// MWGetAlign reports the address and size alignment and the maximum size
	// of the inbound translation for window idx.
	MWGetAlign(idx int) (addrAlign, sizeAlign, sizeMax uint64, err error)
	MWSetTrans(idx int, buf []byte) error
	MWClearTrans(idx int) error
	// PeerMWSize is the size of the outbound window idx.
	PeerMWSize(idx int) (uint64, error)
	// PeerMW maps the outbound window idx. Stores into the returned slice land
	// in the buffer the peer registered with MWSetTrans.
	PeerMW(idx int) ([]byte, error)
}

// DMAChannel is an asynchronous memory copy engine. Submit must not block;
// done runs exactly once, possibly on another goroutine.
type DMAChannel interface {
	Name() string
	Align() int
	Submit(dst, src []byte, done func(err error)) error
	Close()
}

// DMAProvider hands out DMA channels, typically one per queue direction.
type DMAProvider interface {
	RequestChannel() (DMAChannel, error)
}
