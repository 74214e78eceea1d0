package sim

import (
	"fmt"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal"
	"github.com/ardnew/softudc/usb"
)

// Attach installs the interrupt handler called synchronously after each
// host action while interrupts remain asserted.
func (c *Controller) Attach(irq func() bool) {
	c.irqMu.Lock()
	defer c.irqMu.Unlock()
	c.irq = irq
	c.line = nil
}

// Line switches to asynchronous delivery and returns the interrupt line.
// Each host action posts at most one token; the receiver must service
// every pending source before waiting again.
func (c *Controller) Line() <-chan struct{} {
	c.irqMu.Lock()
	defer c.irqMu.Unlock()
	if c.line == nil {
		c.line = make(chan struct{}, 1)
	}
	c.irq = nil
	return c.line
}

// asserted reports whether any interrupt source is pending.
func (c *Controller) asserted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.miscPending != 0 || c.txPending != 0 || c.rxPending != 0 || c.dma.pending != 0
}

// deliver signals the interrupt line. Must be called without c.mu held.
// A call made while the handler is already running is folded into the
// running delivery loop.
func (c *Controller) deliver() {
	c.irqMu.Lock()
	irq, line := c.irq, c.line
	if line == nil && irq != nil {
		if c.delivering {
			c.again = true
			c.irqMu.Unlock()
			return
		}
		c.delivering = true
	}
	c.irqMu.Unlock()

	if line != nil {
		if c.asserted() {
			select {
			case line <- struct{}{}:
			default:
			}
		}
		return
	}
	if irq == nil {
		return
	}
	for {
		for i := 0; i < maxDelivery && c.asserted(); i++ {
			if !irq() {
				break
			}
		}
		c.irqMu.Lock()
		if !c.again {
			c.delivering = false
			c.irqMu.Unlock()
			return
		}
		c.again = false
		c.irqMu.Unlock()
	}
}

// Reset drives a bus reset. Device address, FIFOs, stalls and test mode
// return to their defaults and the host negotiates speed.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.address = 0
	c.testMode = 0
	c.setupEnd, c.dataEnd, c.ep0Stall, c.ctrlBusy, c.suspended = false, false, false, false, false
	for _, ep := range c.eps {
		ep.tx.flush()
		ep.rx.flush()
		ep.tx.stall, ep.rx.stall = false, false
	}
	c.speed = usb.SpeedFull
	if c.allowHS && c.cfg.HighSpeed {
		c.speed = usb.SpeedHigh
	}
	c.latchMisc(hal.MiscReset)
	c.record(OpReset, 0, hal.KindEP0, 0, uint32(c.speed))
	c.mu.Unlock()
	c.deliver()
}

// Suspend idles the bus long enough for the device to suspend.
func (c *Controller) Suspend() {
	c.mu.Lock()
	c.suspended = true
	c.latchMisc(hal.MiscSuspend)
	c.record(OpSuspend, 0, hal.KindEP0, 0, 0)
	c.mu.Unlock()
	c.deliver()
}

// Resume signals resume after a suspend.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.suspended = false
	c.latchMisc(hal.MiscResume)
	c.record(OpResume, 0, hal.KindEP0, 0, 0)
	c.mu.Unlock()
	c.deliver()
}

// Disconnect removes the host.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.speed = usb.SpeedUnknown
	c.latchMisc(hal.MiscDisconnect)
	c.record(OpDisconnect, 0, hal.KindEP0, 0, 0)
	c.mu.Unlock()
	c.deliver()
}

// StartOfFrame signals a SOF token, which the device does not normally
// service.
func (c *Controller) StartOfFrame() {
	c.mu.Lock()
	c.latchMisc(hal.MiscSOF)
	c.mu.Unlock()
	c.deliver()
}

// Setup sends a SETUP packet to the control endpoint.
func (c *Controller) Setup(sp usb.SetupPacket) {
	c.SetupRaw(sp.Bytes())
}

// SetupRaw sends raw bytes as a SETUP packet, allowing malformed lengths.
func (c *Controller) SetupRaw(b []byte) {
	pkt := append([]byte(nil), b...)
	c.mu.Lock()
	ep0 := c.eps[0]
	ep0.rx.flush()
	ep0.tx.flush()
	ep0.rx.packets = [][]byte{pkt}
	if c.ctrlBusy {
		c.setupEnd = true
	}
	c.dataEnd = false
	c.ctrlBusy = true
	c.latchEndpoint(hal.KindTX, 0)
	c.record(OpSetup, 0, hal.KindEP0, len(pkt), 0)
	c.mu.Unlock()
	c.deliver()
}

// AbortSetup ends the current control transfer early, as a host does when
// it abandons a data stage.
func (c *Controller) AbortSetup() {
	c.mu.Lock()
	c.setupEnd = true
	c.ctrlBusy = false
	c.latchEndpoint(hal.KindTX, 0)
	c.mu.Unlock()
	c.deliver()
}

// sawStall reports a STALL handshake to the device, which clears it from
// its interrupt handler. Must be called without c.mu held.
func (c *Controller) sawStall(k hal.Kind, index uint8) error {
	c.mu.Lock()
	if k == hal.KindEP0 {
		c.ctrlBusy = false
	}
	if k == hal.KindRX {
		c.latchEndpoint(hal.KindRX, index)
	} else {
		c.latchEndpoint(hal.KindTX, index)
	}
	c.mu.Unlock()
	c.deliver()
	return ErrStall
}

// TakeIn collects one IN packet from endpoint index.
func (c *Controller) TakeIn(index uint8) ([]byte, error) {
	c.mu.Lock()
	if int(index) >= len(c.eps) {
		c.mu.Unlock()
		return nil, ErrNotConfigured
	}
	h := &c.eps[index].tx
	stalled := h.stall
	kind := hal.KindTX
	if index == 0 {
		stalled = c.ep0Stall
		kind = hal.KindEP0
	} else if !h.configured {
		c.mu.Unlock()
		return nil, ErrNotConfigured
	}
	if stalled {
		c.mu.Unlock()
		return nil, c.sawStall(kind, index)
	}
	if len(h.packets) == 0 {
		c.mu.Unlock()
		return nil, ErrNAK
	}
	pkt := h.packets[0]
	h.packets = h.packets[1:]
	fromDMA := h.dmaPkts > len(h.packets)
	if fromDMA {
		h.dmaPkts--
		c.dma.collected(usb.Address(index)|usb.EndpointDirIn, len(pkt), h.dmaPkts == 0)
	} else {
		c.latchEndpoint(hal.KindTX, index)
	}
	c.record(OpIn, index, kind, len(pkt), flag(fromDMA))
	c.mu.Unlock()
	c.deliver()
	return pkt, nil
}

// SendOut delivers one OUT packet to endpoint index.
func (c *Controller) SendOut(index uint8, p []byte) error {
	pkt := append([]byte(nil), p...)
	c.mu.Lock()
	if int(index) >= len(c.eps) {
		c.mu.Unlock()
		return ErrNotConfigured
	}
	h := &c.eps[index].rx
	if index == 0 {
		if c.ep0Stall {
			c.mu.Unlock()
			return c.sawStall(hal.KindEP0, 0)
		}
		if len(h.packets) > 0 {
			c.mu.Unlock()
			return ErrNAK
		}
		h.packets = append(h.packets, pkt)
		c.latchEndpoint(hal.KindTX, 0)
		c.record(OpOut, 0, hal.KindEP0, len(pkt), 0)
		c.mu.Unlock()
		c.deliver()
		return nil
	}
	if !h.configured {
		c.mu.Unlock()
		return ErrNotConfigured
	}
	if h.stall {
		c.mu.Unlock()
		return c.sawStall(hal.KindRX, index)
	}
	if h.dma && c.dma.absorb(usb.Address(index), pkt) {
		c.record(OpOut, index, hal.KindRX, len(pkt), 1)
		c.mu.Unlock()
		c.deliver()
		return nil
	}
	if len(h.packets) >= h.capacity() {
		c.mu.Unlock()
		return ErrNAK
	}
	h.packets = append(h.packets, pkt)
	c.latchEndpoint(hal.KindRX, index)
	c.record(OpOut, index, hal.KindRX, len(pkt), 0)
	c.mu.Unlock()
	c.deliver()
	return nil
}

// StatusStage runs the handshake that closes a control transfer.
func (c *Controller) StatusStage() error {
	c.mu.Lock()
	if c.ep0Stall {
		c.mu.Unlock()
		return c.sawStall(hal.KindEP0, 0)
	}
	if !c.dataEnd {
		c.mu.Unlock()
		return ErrNAK
	}
	c.dataEnd = false
	c.ctrlBusy = false
	c.latchEndpoint(hal.KindTX, 0)
	c.record(OpStatus, 0, hal.KindEP0, 0, 0)
	c.mu.Unlock()
	c.deliver()
	return nil
}

// ControlIn runs a complete control read and returns the data stage.
func (c *Controller) ControlIn(sp usb.SetupPacket) ([]byte, error) {
	c.Setup(sp)
	var data []byte
	for len(data) < int(sp.Length) {
		pkt, err := c.TakeIn(0)
		if err != nil {
			return data, fmt.Errorf("%s data: %w", sp.String(), err)
		}
		data = append(data, pkt...)
		if len(pkt) < int(c.ep0MaxPacket()) {
			break
		}
	}
	if err := c.StatusStage(); err != nil {
		return data, fmt.Errorf("%s status: %w", sp.String(), err)
	}
	return data, nil
}

// ControlOut runs a complete control write with an optional data stage.
func (c *Controller) ControlOut(sp usb.SetupPacket, data []byte) error {
	c.Setup(sp)
	mp := int(c.ep0MaxPacket())
	for off := 0; off < len(data); off += mp {
		end := min(off+mp, len(data))
		if err := c.SendOut(0, data[off:end]); err != nil {
			return fmt.Errorf("%s data: %w", sp.String(), err)
		}
	}
	if err := c.StatusStage(); err != nil {
		return fmt.Errorf("%s status: %w", sp.String(), err)
	}
	return nil
}

// BulkIn collects packets from endpoint index until a short packet, n
// bytes, or a NAK.
func (c *Controller) BulkIn(index uint8, n int) ([]byte, error) {
	var data []byte
	mp := c.maxPacket(index, true)
	for len(data) < n {
		pkt, err := c.TakeIn(index)
		if err != nil {
			return data, err
		}
		data = append(data, pkt...)
		if len(pkt) < mp {
			break
		}
	}
	return data, nil
}

// BulkOut splits data into packets for endpoint index. zlp appends a
// zero-length packet when data ends on a packet boundary.
func (c *Controller) BulkOut(index uint8, data []byte, zlp bool) error {
	mp := c.maxPacket(index, false)
	if mp == 0 {
		return ErrNotConfigured
	}
	for off := 0; off < len(data); off += mp {
		end := min(off+mp, len(data))
		if err := c.SendOut(index, data[off:end]); err != nil {
			return err
		}
	}
	if zlp && len(data)%mp == 0 {
		return c.SendOut(index, nil)
	}
	return nil
}

func (c *Controller) ep0MaxPacket() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed.MaxPacketSize0()
}

func (c *Controller) maxPacket(index uint8, in bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(index) >= len(c.eps) {
		return 0
	}
	if in {
		return int(c.eps[index].tx.maxPacket)
	}
	return int(c.eps[index].rx.maxPacket)
}

// Address returns the device address currently programmed.
func (c *Controller) Address() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Connected reports whether the device pull-up is enabled.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pullup
}

// TestMode returns the electrical test mode entered, if any.
func (c *Controller) TestMode() usb.TestSelector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.testMode
}

// EndpointStalled reports the stall state of one endpoint half.
func (c *Controller) EndpointStalled(index uint8, in bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index == 0 {
		return c.ep0Stall
	}
	if int(index) >= len(c.eps) {
		return false
	}
	if in {
		return c.eps[index].tx.stall
	}
	return c.eps[index].rx.stall
}

// EndpointInfo describes the configuration of one endpoint half.
type EndpointInfo struct {
	Configured   bool
	Type         usb.TransferType
	MaxPacket    uint16
	DoubleBuffer bool
	FIFOAddr     uint32
	FIFOSize     uint16
	ISOUpdate    bool
	DMA          bool
	Interrupt    bool
}

// Endpoint returns the configuration of one endpoint half.
func (c *Controller) Endpoint(index uint8, in bool) (EndpointInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(index) >= len(c.eps) {
		return EndpointInfo{}, pkg.ErrInvalidParameter
	}
	h, en := &c.eps[index].rx, c.rxEnable
	if in {
		h, en = &c.eps[index].tx, c.txEnable
	}
	return EndpointInfo{
		Configured:   h.configured,
		Type:         h.xfer,
		MaxPacket:    h.maxPacket,
		DoubleBuffer: h.double,
		FIFOAddr:     h.fifoAddr,
		FIFOSize:     h.fifoSize,
		ISOUpdate:    h.iso,
		DMA:          h.dma,
		Interrupt:    en&(1<<index) != 0,
	}, nil
}

// MiscEnabled returns the enabled bus interrupt mask.
func (c *Controller) MiscEnabled() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.miscEnable
}
