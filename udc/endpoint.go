package udc

import (
	"fmt"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal"
	"github.com/ardnew/softudc/usb"
)

// Endpoint is one hardware endpoint. Endpoint 0 is always usable; the
// others accept requests only between Enable and Disable.
type Endpoint struct {
	c *Controller

	name      string
	cfgAddr   usb.Address
	addr      usb.Address
	anyDir    bool
	xfer      usb.TransferType
	maxPacket uint16
	cfgPacket uint16
	fifoAddr  uint32
	fifoSize  uint16
	double    bool

	desc    *usb.EndpointDescriptor
	halted  bool
	dmaBusy bool
	dmaLen  int
	queue   []*Request
}

func newEndpoint(c *Controller, ec EndpointConfig) *Endpoint {
	return &Endpoint{
		c:         c,
		name:      ec.Name,
		cfgAddr:   ec.Address,
		addr:      ec.Address,
		anyDir:    ec.AnyDirection,
		xfer:      ec.Type,
		maxPacket: ec.MaxPacket,
		cfgPacket: ec.MaxPacket,
		fifoAddr:  ec.FIFOAddr,
		fifoSize:  ec.FIFOSize,
		double:    ec.DoubleFIFO,
	}
}

// reinit must be called with c.mu held.
func (e *Endpoint) reinit() {
	e.desc = nil
	e.halted = false
	e.dmaBusy = false
	e.dmaLen = 0
	e.queue = nil
	e.addr = e.cfgAddr
	e.maxPacket = e.cfgPacket
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// Number returns the hardware endpoint number.
func (e *Endpoint) Number() uint8 { return e.cfgAddr.Number() }

// Address returns the endpoint address. An endpoint without a fixed
// direction reports the direction it was last enabled with.
func (e *Endpoint) Address() usb.Address {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.addr
}

// IsIn reports whether the endpoint transfers device-to-host.
func (e *Endpoint) IsIn() bool {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.isIn()
}

func (e *Endpoint) isIn() bool { return e.addr.IsIn() }

// MaxPacket returns the max packet size in use.
func (e *Endpoint) MaxPacket() uint16 {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.maxPacket
}

// Type returns the transfer type the endpoint was built for.
func (e *Endpoint) Type() usb.TransferType { return e.xfer }

// Enabled reports whether the endpoint has been enabled.
func (e *Endpoint) Enabled() bool {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.desc != nil
}

// Halted reports whether the endpoint is halted.
func (e *Endpoint) Halted() bool {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.halted
}

// Queued returns the number of requests waiting on the endpoint.
func (e *Endpoint) Queued() int {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return len(e.queue)
}

// kind returns the register half serving the endpoint.
func (e *Endpoint) kind() hal.Kind {
	switch {
	case e.Number() == 0:
		return hal.KindEP0
	case e.isIn():
		return hal.KindTX
	default:
		return hal.KindRX
	}
}

// Enable configures the endpoint from desc and clears any halt.
func (e *Endpoint) Enable(desc *usb.EndpointDescriptor) error {
	if desc == nil || e.Number() == 0 {
		return pkg.ErrInvalidParameter
	}
	c := e.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.desc != nil {
		return fmt.Errorf("%s: already enabled: %w", e.name, pkg.ErrInvalidParameter)
	}
	if desc.EndpointAddress.Number() != e.Number() ||
		(!e.anyDir && desc.EndpointAddress.IsIn() != e.cfgAddr.IsIn()) {
		return fmt.Errorf("%s: descriptor address %s: %w",
			e.name, desc.EndpointAddress, pkg.ErrInvalidParameter)
	}
	if c.driver == nil || c.speed == usb.SpeedUnknown {
		return pkg.ErrShutdown
	}

	mp := desc.PacketSize()
	if mp == 0 {
		return fmt.Errorf("%s: zero max packet: %w", e.name, pkg.ErrInvalidParameter)
	}
	fifoSize := e.fifoSize
	if fifoSize < mp {
		return fmt.Errorf("%s: FIFO %d < max packet %d: %w", e.name, fifoSize, mp, pkg.ErrNoResources)
	}
	if e.double {
		if fifoSize < 2*mp {
			return fmt.Errorf("%s: double-buffered FIFO %d < 2x%d: %w", e.name, fifoSize, mp, pkg.ErrNoResources)
		}
		fifoSize = mp
	}

	d := *desc
	e.desc = &d
	e.maxPacket = mp
	if e.anyDir {
		e.addr = desc.EndpointAddress
	}

	if c.active {
		prev := c.selectEndpoint(e.Number())
		k := e.kind()
		c.regs.ResetEndpoint(k)
		c.regs.FlushFIFO(k)
		c.regs.ConfigureEndpoint(k, desc.Type(), e.double, mp)
		c.regs.ConfigureFIFO(k, e.fifoAddr, fifoSize, e.double)
		if desc.Type() == usb.TransferIsochronous {
			c.regs.EnableISOUpdate()
		}
		c.regs.EnableEndpoint(k, e.Number())
		c.regs.SelectEndpoint(prev)
	}

	e.setHalt(false)

	pkg.LogInfo(pkg.ComponentEndpoint, "endpoint enabled",
		"name", e.name,
		"address", e.addr,
		"type", desc.Type(),
		"maxPacket", mp,
		"double", e.double)
	return nil
}

// Disable shuts the endpoint down and cancels its requests with
// [pkg.TransferStatusShutdown].
func (e *Endpoint) Disable() error {
	if e.Number() == 0 {
		return pkg.ErrInvalidParameter
	}
	c := e.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.desc == nil {
		return fmt.Errorf("%s: not enabled: %w", e.name, pkg.ErrInvalidParameter)
	}
	e.desc = nil
	e.halted = true

	e.nuke(pkg.TransferStatusShutdown)

	if c.active {
		prev := c.selectEndpoint(e.Number())
		k := e.kind()
		c.regs.ResetEndpoint(k)
		c.regs.DisableEndpoint(k, e.Number())
		c.regs.SelectEndpoint(prev)
	}

	pkg.LogInfo(pkg.ComponentEndpoint, "endpoint disabled", "name", e.name)
	return nil
}

// SetHalt stalls or un-stalls the endpoint. Endpoint 0 only clears its
// stall; a protocol stall ends on the next setup packet.
func (e *Endpoint) SetHalt(halt bool) error {
	c := e.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.desc == nil && e.Number() != 0 {
		return fmt.Errorf("%s: not enabled: %w", e.name, pkg.ErrInvalidParameter)
	}
	e.setHalt(halt)
	return nil
}

// setHalt must be called with c.mu held.
func (e *Endpoint) setHalt(halt bool) {
	c := e.c
	if c.active {
		prev := c.selectEndpoint(e.Number())
		switch k := e.kind(); {
		case k == hal.KindEP0:
			c.regs.ClearStall(hal.KindEP0)
		case halt:
			c.regs.SendStall(k)
		default:
			c.regs.ClearStall(k)
		}
		c.regs.SelectEndpoint(prev)
	}
	e.halted = halt && e.Number() != 0

	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint halt", "name", e.name, "halt", halt)
}

// AllocRequest returns a request ready to be filled in and queued on e.
func (e *Endpoint) AllocRequest() *Request {
	return &Request{DMA: hal.InvalidAddr}
}

// FreeRequest releases r. A queued request cannot be freed.
func (e *Endpoint) FreeRequest(r *Request) error {
	if r == nil {
		return pkg.ErrInvalidParameter
	}
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	if r.ep != nil {
		return fmt.Errorf("%s: request still queued: %w", e.name, pkg.ErrBusy)
	}
	*r = Request{}
	return nil
}

// head returns the request at the front of the queue, or nil. Must be
// called with c.mu held.
func (e *Endpoint) head() *Request {
	if len(e.queue) == 0 {
		return nil
	}
	return e.queue[0]
}

// remove must be called with c.mu held.
func (e *Endpoint) remove(r *Request) bool {
	for i, q := range e.queue {
		if q == r {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			r.ep = nil
			return true
		}
	}
	return false
}
