package sim

import (
	"errors"
	"sync"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal"
	"github.com/ardnew/softudc/usb"
)

// Host-visible bus outcomes.
var (
	// ErrNAK indicates the device had nothing to send or could not accept
	// a packet.
	ErrNAK = errors.New("NAK")

	// ErrStall indicates the device answered with a STALL handshake.
	ErrStall = pkg.ErrStall

	// ErrNotConfigured indicates traffic to an endpoint the device has not
	// configured.
	ErrNotConfigured = errors.New("endpoint not configured")
)

// Config controls the simulated controller.
type Config struct {
	// Endpoints is the highest hardware endpoint index. Defaults to 5.
	Endpoints int

	// HighSpeed makes the host negotiate high speed when the device
	// allows it.
	HighSpeed bool

	// DMAChannels is the number of DMA channels. Defaults to 8.
	DMAChannels int

	// Trace records bus and register events.
	Trace bool
}

// maxDelivery bounds interrupt re-delivery for a single host action.
const maxDelivery = 256

// half is one direction of a hardware endpoint.
type half struct {
	configured bool
	xfer       usb.TransferType
	maxPacket  uint16
	double     bool
	fifoAddr   uint32
	fifoSize   uint16
	iso        bool

	packets [][]byte // rx: received; tx: armed
	load    []byte   // tx bytes written but not armed
	readPos int      // rx offset into packets[0]
	stall   bool
	dma     bool
	dmaPkts int // tx: trailing armed packets loaded by DMA
}

func (h *half) capacity() int {
	if h.double {
		return 2
	}
	return 1
}

func (h *half) reset() {
	*h = half{}
}

func (h *half) flush() {
	h.packets = nil
	h.load = nil
	h.readPos = 0
	h.dmaPkts = 0
}

type endpoint struct {
	tx half
	rx half
}

// Controller is a simulated OTG controller in peripheral mode.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	active   uint8
	eps      []*endpoint
	address  uint8
	allowHS  bool
	speed    usb.Speed
	pullup   bool
	testMode usb.TestSelector

	setupEnd  bool
	dataEnd   bool
	ep0Stall  bool
	ctrlBusy  bool
	suspended bool

	miscPending, miscEnable uint32
	txPending, txEnable     uint32
	rxPending, rxEnable     uint32

	dma *DMAEngine

	irqMu      sync.Mutex
	irq        func() bool
	line       chan struct{}
	delivering bool
	again      bool

	trace []Event
	seq   uint64
}

// New returns a simulated controller with no bus attached.
func New(cfg Config) *Controller {
	if cfg.Endpoints <= 0 {
		cfg.Endpoints = 5
	}
	if cfg.DMAChannels <= 0 {
		cfg.DMAChannels = 8
	}
	c := &Controller{cfg: cfg}
	c.eps = make([]*endpoint, cfg.Endpoints+1)
	for i := range c.eps {
		c.eps[i] = &endpoint{}
	}
	c.dma = newDMAEngine(c, cfg.DMAChannels)
	return c
}

// DMA returns the DMA engine wired to this controller's FIFOs.
func (c *Controller) DMA() *DMAEngine { return c.dma }

// ep returns the selected endpoint. Must be called with c.mu held.
func (c *Controller) ep() *endpoint {
	if int(c.active) >= len(c.eps) {
		return c.eps[0]
	}
	return c.eps[c.active]
}

// rxHalf returns the receive side addressed by k. Must be called with c.mu
// held.
func (c *Controller) rxHalf(k hal.Kind) *half {
	if k == hal.KindEP0 {
		return &c.eps[0].rx
	}
	return &c.ep().rx
}

// txHalf returns the transmit side addressed by k. Must be called with c.mu
// held.
func (c *Controller) txHalf(k hal.Kind) *half {
	if k == hal.KindEP0 {
		return &c.eps[0].tx
	}
	return &c.ep().tx
}

// SelectEndpoint implements hal.Registers.
func (c *Controller) SelectEndpoint(index uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = index
}

// ActiveEndpoint implements hal.Registers.
func (c *Controller) ActiveEndpoint() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// FIFOCount implements hal.Registers.
func (c *Controller) FIFOCount(k hal.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.rxHalf(k)
	if len(h.packets) == 0 {
		return 0
	}
	return len(h.packets[0]) - h.readPos
}

// ReadFIFO implements hal.Registers.
func (c *Controller) ReadFIFO(index uint8, p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(index) >= len(c.eps) {
		return 0
	}
	h := &c.eps[index].rx
	if len(h.packets) == 0 {
		return 0
	}
	n := copy(p, h.packets[0][h.readPos:])
	h.readPos += n
	return n
}

// WriteFIFO implements hal.Registers.
func (c *Controller) WriteFIFO(index uint8, p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(index) >= len(c.eps) {
		return 0
	}
	h := &c.eps[index].tx
	h.load = append(h.load, p...)
	return len(p)
}

// ReadDataStatus implements hal.Registers. The unread remainder of the
// packet is discarded.
func (c *Controller) ReadDataStatus(k hal.Kind, last bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.rxHalf(k)
	if len(h.packets) > 0 {
		h.packets = h.packets[1:]
		h.readPos = 0
	}
	if k == hal.KindEP0 {
		if last {
			c.dataEnd = true
		}
	} else if len(h.packets) > 0 {
		c.latchEndpoint(hal.KindRX, c.active)
	}
	c.record(OpReadStatus, c.index(k), k, 0, flag(last))
	return nil
}

// WriteDataStatus implements hal.Registers.
func (c *Controller) WriteDataStatus(k hal.Kind, last bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.txHalf(k)
	if k != hal.KindEP0 && len(h.packets) >= h.capacity() {
		h.load = nil
		return pkg.ErrBusy
	}
	pkt := h.load
	if pkt == nil {
		pkt = []byte{}
	}
	h.packets = append(h.packets, pkt)
	h.load = nil
	if k == hal.KindEP0 && last {
		c.dataEnd = true
	}
	c.record(OpWriteStatus, c.index(k), k, len(pkt), flag(last))
	return nil
}

// ReadDataReady implements hal.Registers.
func (c *Controller) ReadDataReady(k hal.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rxHalf(k).packets) > 0
}

// WritePending implements hal.Registers.
func (c *Controller) WritePending(k hal.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.txHalf(k)
	return len(h.packets) >= h.capacity()
}

// FIFONotEmpty implements hal.Registers.
func (c *Controller) FIFONotEmpty(k hal.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txHalf(k).packets) > 0
}

// Stalled implements hal.Registers.
func (c *Controller) Stalled(k hal.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch k {
	case hal.KindEP0:
		return c.ep0Stall
	case hal.KindTX:
		return c.ep().tx.stall
	default:
		return c.ep().rx.stall
	}
}

// SendStall implements hal.Registers.
func (c *Controller) SendStall(k hal.Kind) {
	c.setStall(k, true)
}

// ClearStall implements hal.Registers.
func (c *Controller) ClearStall(k hal.Kind) {
	c.setStall(k, false)
}

func (c *Controller) setStall(k hal.Kind, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch k {
	case hal.KindEP0:
		c.ep0Stall = on
	case hal.KindTX:
		c.ep().tx.stall = on
	default:
		c.ep().rx.stall = on
	}
	op := OpClearStall
	if on {
		op = OpStall
	}
	c.record(op, c.index(k), k, 0, 0)
}

// SetupEnd implements hal.Registers.
func (c *Controller) SetupEnd() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupEnd
}

// ClearSetupEnd implements hal.Registers.
func (c *Controller) ClearSetupEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setupEnd = false
}

// SetAddress implements hal.Registers.
func (c *Controller) SetAddress(addr uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = addr & 0x7F
	c.record(OpSetAddress, 0, hal.KindEP0, 0, uint32(c.address))
}

// SetDefaultAddress implements hal.Registers.
func (c *Controller) SetDefaultAddress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = 0
}

// Speed implements hal.Registers.
func (c *Controller) Speed() usb.Speed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// SetTransferMode implements hal.Registers.
func (c *Controller) SetTransferMode(highSpeed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowHS = highSpeed
}

// Connect implements hal.Registers.
func (c *Controller) Connect(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pullup = on
	c.record(OpConnect, 0, hal.KindEP0, 0, flag(on))
}

// EnterTestMode implements hal.Registers.
func (c *Controller) EnterTestMode(sel usb.TestSelector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.testMode = sel
	c.record(OpTestMode, 0, hal.KindEP0, 0, uint32(sel))
}

// MiscPending implements hal.Registers.
func (c *Controller) MiscPending() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.miscPending
}

// ClearMisc implements hal.Registers.
func (c *Controller) ClearMisc(mask uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.miscPending &^= mask
}

// EnableMisc implements hal.Registers.
func (c *Controller) EnableMisc(mask uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.miscEnable |= mask
}

// DisableMisc implements hal.Registers.
func (c *Controller) DisableMisc(mask uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.miscEnable &^= mask
}

// EndpointPending implements hal.Registers.
func (c *Controller) EndpointPending(k hal.Kind) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k == hal.KindRX {
		return c.rxPending
	}
	return c.txPending
}

// ClearEndpoint implements hal.Registers.
func (c *Controller) ClearEndpoint(k hal.Kind, mask uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k == hal.KindRX {
		c.rxPending &^= mask
	} else {
		c.txPending &^= mask
	}
}

// EnableEndpoint implements hal.Registers.
func (c *Controller) EnableEndpoint(k hal.Kind, index uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k == hal.KindRX {
		c.rxEnable |= 1 << index
	} else {
		c.txEnable |= 1 << index
	}
}

// DisableEndpoint implements hal.Registers.
func (c *Controller) DisableEndpoint(k hal.Kind, index uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k == hal.KindRX {
		c.rxEnable &^= 1 << index
		c.rxPending &^= 1 << index
	} else {
		c.txEnable &^= 1 << index
		c.txPending &^= 1 << index
	}
}

// DisableAllEndpoints implements hal.Registers.
func (c *Controller) DisableAllEndpoints(k hal.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k == hal.KindRX {
		c.rxEnable, c.rxPending = 0, 0
	} else {
		c.txEnable, c.txPending = 0, 0
	}
}

// ResetEndpoint implements hal.Registers.
func (c *Controller) ResetEndpoint(k hal.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k == hal.KindRX {
		c.ep().rx.reset()
	} else {
		c.ep().tx.reset()
	}
}

// FlushFIFO implements hal.Registers.
func (c *Controller) FlushFIFO(k hal.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k == hal.KindRX {
		c.ep().rx.flush()
	} else {
		c.ep().tx.flush()
	}
}

// ConfigureEndpoint implements hal.Registers.
func (c *Controller) ConfigureEndpoint(k hal.Kind, t usb.TransferType, doubleBuffer bool, maxPacket uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &c.ep().tx
	if k == hal.KindRX {
		h = &c.ep().rx
	}
	h.configured = true
	h.xfer = t
	h.double = doubleBuffer
	h.maxPacket = maxPacket
	c.record(OpConfigure, c.active, k, int(maxPacket), uint32(t))
}

// ConfigureFIFO implements hal.Registers.
func (c *Controller) ConfigureFIFO(k hal.Kind, addr uint32, size uint16, doubleBuffer bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &c.ep().tx
	if k == hal.KindRX {
		h = &c.ep().rx
	}
	h.fifoAddr = addr
	h.fifoSize = size
	h.double = doubleBuffer
}

// EnableISOUpdate implements hal.Registers.
func (c *Controller) EnableISOUpdate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ep().tx.iso = true
}

// ConfigureEndpointDMA implements hal.Registers.
func (c *Controller) ConfigureEndpointDMA(k hal.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k == hal.KindRX {
		c.ep().rx.dma = true
	} else {
		c.ep().tx.dma = true
	}
}

// ClearEndpointDMA implements hal.Registers.
func (c *Controller) ClearEndpointDMA(k hal.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k == hal.KindRX {
		c.ep().rx.dma = false
	} else {
		c.ep().tx.dma = false
	}
}

// index returns the endpoint index an operation of kind k addresses.
func (c *Controller) index(k hal.Kind) uint8 {
	if k == hal.KindEP0 {
		return 0
	}
	return c.active
}

// latchEndpoint sets an endpoint pending bit when its interrupt is
// enabled. Must be called with c.mu held.
func (c *Controller) latchEndpoint(k hal.Kind, index uint8) {
	bit := uint32(1) << index
	if k == hal.KindRX {
		if c.rxEnable&bit != 0 {
			c.rxPending |= bit
		}
		return
	}
	if c.txEnable&bit != 0 {
		c.txPending |= bit
	}
}

// latchMisc sets bus interrupt bits that are enabled. Must be called with
// c.mu held.
func (c *Controller) latchMisc(mask uint32) {
	c.miscPending |= mask & c.miscEnable
}

func flag(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

var _ hal.Registers = (*Controller)(nil)
