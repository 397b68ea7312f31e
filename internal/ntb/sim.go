package ntb

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// SimConfig describes the geometry of a simulated device pair. Both sides
// get identical resources.
type SimConfig struct {
	MWCount   int
	MWSize    uint64
	MWAlign   uint64
	SpadCount int
	DBCount   int
}

// DefaultSimConfig mirrors a small back-to-back setup with one 16MiB window.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		MWCount:   1,
		MWSize:    16 << 20,
		MWAlign:   4096,
		SpadCount: 16,
		DBCount:   16,
	}
}

// SimPair is two simulated devices wired back to back. Scratchpad and doorbell
// writes on one side are visible on the other, and each side's outbound
// windows alias the inbound buffers registered by its peer.
type SimPair struct {
	A, B *SimDevice

	link atomic.Bool
}

// SimDevice is one side of a SimPair.
type SimDevice struct {
	name string
	cfg  SimConfig
	pair *SimPair
	peer *SimDevice

	spads  []atomic.Uint32
	db     atomic.Uint64
	dbMask atomic.Uint64

	transMu sync.RWMutex
	trans   [][]byte

	handlerMu sync.RWMutex
	handler   EventHandler
}

// NewSimPair creates a linked pair. The link starts down.
func NewSimPair(cfg SimConfig) (*SimPair, error) {
	if cfg.MWCount <= 0 || cfg.MWSize == 0 {
		return nil, fmt.Errorf("invalid memory window geometry: count=%d size=%d", cfg.MWCount, cfg.MWSize)
	}
	if cfg.SpadCount <= 0 || cfg.DBCount <= 0 || cfg.DBCount > 64 {
		return nil, fmt.Errorf("invalid register geometry: spads=%d doorbells=%d", cfg.SpadCount, cfg.DBCount)
	}
	if cfg.MWAlign == 0 {
		cfg.MWAlign = 1
	}

	p := &SimPair{}
	p.A = newSimDevice("ntb-sim-a", cfg, p)
	p.B = newSimDevice("ntb-sim-b", cfg, p)
	p.A.peer = p.B
	p.B.peer = p.A
	return p, nil
}

func newSimDevice(name string, cfg SimConfig, p *SimPair) *SimDevice {
	return &SimDevice{
		name:  name,
		cfg:   cfg,
		pair:  p,
		spads: make([]atomic.Uint32, cfg.SpadCount),
		trans: make([][]byte, cfg.MWCount),
	}
}

// SetLinkUp changes the hardware link state and notifies both sides if it changed.
func (p *SimPair) SetLinkUp(up bool) {
	if p.link.Swap(up) == up {
		return
	}
	log.Debug().Bool("up", up).Msg("Simulated NTB link changed state")
	p.A.fireLink()
	p.B.fireLink()
}

// LinkIsUp reports the hardware link state.
func (p *SimPair) LinkIsUp() bool {
	return p.link.Load()
}

// Flap toggles the hardware link down and up n times in a row.
func (p *SimPair) Flap(n int) {
	for i := 0; i < n; i++ {
		p.SetLinkUp(false)
		p.SetLinkUp(true)
	}
}

func (d *SimDevice) fireLink() {
	d.handlerMu.RLock()
	h := d.handler
	d.handlerMu.RUnlock()
	if h != nil {
		h.LinkEvent()
	}
}

func (d *SimDevice) fireDoorbell() {
	d.handlerMu.RLock()
	h := d.handler
	d.handlerMu.RUnlock()
	if h != nil {
		h.DoorbellEvent(0)
	}
}

func (d *SimDevice) Name() string { return d.name }

func (d *SimDevice) LinkIsUp() bool { return d.pair.link.Load() }

func (d *SimDevice) SetEventHandler(h EventHandler) error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	if d.handler != nil {
		return ErrHandlerBusy
	}
	d.handler = h
	return nil
}

func (d *SimDevice) ClearEventHandler() {
	d.handlerMu.Lock()
	d.handler = nil
	d.handlerMu.Unlock()
}

func (d *SimDevice) SpadCount() int { return d.cfg.SpadCount }

func (d *SimDevice) SpadRead(idx int) uint32 {
	if idx < 0 || idx >= len(d.spads) {
		return 0
	}
	return d.spads[idx].Load()
}

func (d *SimDevice) SpadWrite(idx int, val uint32) error {
	if idx < 0 || idx >= len(d.spads) {
		return ErrInvalidIndex
	}
	d.spads[idx].Store(val)
	return nil
}

func (d *SimDevice) PeerSpadRead(idx int) (uint32, error) {
	if !d.LinkIsUp() {
		return 0, ErrLinkDown
	}
	if idx < 0 || idx >= len(d.peer.spads) {
		return 0, ErrInvalidIndex
	}
	return d.peer.spads[idx].Load(), nil
}

func (d *SimDevice) PeerSpadWrite(idx int, val uint32) error {
	if !d.LinkIsUp() {
		return ErrLinkDown
	}
	if idx < 0 || idx >= len(d.peer.spads) {
		return ErrInvalidIndex
	}
	d.peer.spads[idx].Store(val)
	return nil
}

func (d *SimDevice) DBValidMask() uint64 {
	if d.cfg.DBCount == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << d.cfg.DBCount) - 1
}

func (d *SimDevice) DBRead() uint64 { return d.db.Load() }

func (d *SimDevice) DBClear(bits uint64) { d.db.And(^bits) }

func (d *SimDevice) DBSetMask(bits uint64) { d.dbMask.Or(bits) }

// DBClearMask unmasks bits and raises a doorbell event if any of them is pending.
func (d *SimDevice) DBClearMask(bits uint64) {
	d.dbMask.And(^bits)
	if d.db.Load()&bits != 0 {
		d.fireDoorbell()
	}
}

// PeerDBSet rings the peer. The peer's handler runs synchronously on the
// caller's goroutine unless all rung bits are masked.
func (d *SimDevice) PeerDBSet(bits uint64) error {
	if !d.LinkIsUp() {
		return ErrLinkDown
	}
	bits &= d.peer.DBValidMask()
	d.peer.db.Or(bits)
	if bits&^d.peer.dbMask.Load() != 0 {
		d.peer.fireDoorbell()
	}
	return nil
}

func (d *SimDevice) MWCount() int { return d.cfg.MWCount }

func (d *SimDevice) MWGetAlign(idx int) (uint64, uint64, uint64, error) {
	if idx < 0 || idx >= d.cfg.MWCount {
		return 0, 0, 0, ErrInvalidIndex
	}
	return d.cfg.MWAlign, d.cfg.MWAlign, d.peer.cfg.MWSize, nil
}

func (d *SimDevice) MWSetTrans(idx int, buf []byte) error {
	if idx < 0 || idx >= d.cfg.MWCount {
		return ErrInvalidIndex
	}
	if uint64(len(buf)) > d.peer.cfg.MWSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(buf), d.peer.cfg.MWSize)
	}
	if len(buf) > 0 && uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))%d.cfg.MWAlign != 0 {
		return ErrBadAlignment
	}
	d.transMu.Lock()
	d.trans[idx] = buf
	d.transMu.Unlock()
	return nil
}

func (d *SimDevice) MWClearTrans(idx int) error {
	if idx < 0 || idx >= d.cfg.MWCount {
		return ErrInvalidIndex
	}
	d.transMu.Lock()
	d.trans[idx] = nil
	d.transMu.Unlock()
	return nil
}

func (d *SimDevice) PeerMWSize(idx int) (uint64, error) {
	if idx < 0 || idx >= d.cfg.MWCount {
		return 0, ErrInvalidIndex
	}
	return d.cfg.MWSize, nil
}

func (d *SimDevice) PeerMW(idx int) ([]byte, error) {
	if idx < 0 || idx >= d.cfg.MWCount {
		return nil, ErrInvalidIndex
	}
	d.peer.transMu.RLock()
	buf := d.peer.trans[idx]
	d.peer.transMu.RUnlock()
	if buf == nil {
		return nil, ErrNoTranslation
	}
	return buf, nil
}
