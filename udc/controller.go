package udc

import (
	"fmt"
	"sync"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal"
	"github.com/ardnew/softudc/usb"
)

// Controller is the peripheral side of one OTG controller.
type Controller struct {
	mu sync.Mutex

	name      string
	regs      hal.Registers
	dma       hal.DMA
	dualSpeed bool

	active       bool // probed and not closed
	connected    bool
	speed        usb.Speed
	address      uint8
	remoteWakeup bool

	ctrl   ep0
	driver Driver

	eps   []*Endpoint // eps[0] is the control endpoint
	rxMap []*Endpoint // receive interrupt bit to endpoint
	txMap []*Endpoint // transmit interrupt bit to endpoint
}

// New probes the controller described by cfg. The hardware is left
// disabled and disconnected until a driver is registered.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		name:      cfg.Name,
		regs:      cfg.Registers,
		dma:       cfg.DMA,
		dualSpeed: cfg.DualSpeed,
	}

	var top uint8
	for _, ec := range cfg.Endpoints {
		c.eps = append(c.eps, newEndpoint(c, ec))
		top = max(top, ec.Address.Number())
	}
	c.rxMap = make([]*Endpoint, top+1)
	c.txMap = make([]*Endpoint, top+1)
	for _, e := range c.eps[1:] {
		n := e.Number()
		if e.anyDir || !e.addr.IsIn() {
			c.rxMap[n] = e
		}
		if e.anyDir || e.addr.IsIn() {
			c.txMap[n] = e
		}
	}

	c.mu.Lock()
	c.disable()
	c.reinit()
	c.active = true
	c.mu.Unlock()

	pkg.LogInfo(pkg.ComponentUDC, "controller probed",
		"name", c.name,
		"endpoints", len(c.eps),
		"dma", c.dma != nil,
		"dualSpeed", c.dualSpeed)

	return c, nil
}

// Close takes the controller offline. Interrupts are ignored afterwards and
// endpoint operations no longer touch the hardware.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return pkg.ErrNotReady
	}
	c.active = false

	pkg.LogInfo(pkg.ComponentUDC, "controller closed", "name", c.name)
	return nil
}

// Register binds d to the controller, enables the controller interrupts
// and connects to the bus.
func (c *Controller) Register(d Driver) error {
	if d == nil {
		return pkg.ErrInvalidParameter
	}

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return pkg.ErrNotReady
	}
	if c.driver != nil {
		c.mu.Unlock()
		return pkg.ErrBusy
	}
	if d.MaxSpeed() < usb.SpeedFull {
		c.mu.Unlock()
		return fmt.Errorf("driver max speed %s: %w", d.MaxSpeed(), pkg.ErrInvalidParameter)
	}
	c.driver = d
	c.mu.Unlock()

	if err := d.Bind(c); err != nil {
		c.mu.Lock()
		c.driver = nil
		c.mu.Unlock()
		pkg.LogWarn(pkg.ComponentUDC, "driver bind failed", "error", err)
		return fmt.Errorf("bind: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.enable()

	pkg.LogInfo(pkg.ComponentUDC, "driver registered",
		"name", c.name,
		"maxSpeed", d.MaxSpeed())
	return nil
}

// Unregister disconnects from the bus, unbinds d and cancels every queued
// request with [pkg.TransferStatusShutdown].
func (c *Controller) Unregister(d Driver) error {
	c.mu.Lock()
	if d == nil || c.driver != d {
		c.mu.Unlock()
		return pkg.ErrInvalidParameter
	}
	c.mu.Unlock()

	if dc, ok := d.(Disconnecter); ok {
		dc.Disconnect(c)
	}
	if ub, ok := d.(Unbinder); ok {
		ub.Unbind(c)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.driver = nil
	for _, e := range c.eps {
		e.nuke(pkg.TransferStatusShutdown)
	}
	c.disable()

	pkg.LogInfo(pkg.ComponentUDC, "driver unregistered", "name", c.name)
	return nil
}

// enable unmasks the bus and ep0 interrupts and connects to the bus when a
// driver is bound. Must be called with c.mu held.
func (c *Controller) enable() {
	c.speed = usb.SpeedUnknown
	c.regs.SetTransferMode(c.dualSpeed)
	c.regs.EnableMisc(hal.MiscSuspend | hal.MiscResume | hal.MiscReset | hal.MiscDisconnect)
	c.regs.EnableEndpoint(hal.KindTX, 0)
	if c.driver != nil {
		c.regs.Connect(true)
	}
}

// disable masks every interrupt and disconnects from the bus. Must be
// called with c.mu held.
func (c *Controller) disable() {
	c.regs.DisableMisc(hal.MiscAll)
	c.regs.DisableAllEndpoints(hal.KindRX)
	c.regs.DisableAllEndpoints(hal.KindTX)
	c.clearInterrupts()
	c.regs.Connect(false)
	c.connected = false
	c.speed = usb.SpeedUnknown
}

// reinit returns the control pipe and every endpoint to the unconfigured
// state. Must be called with c.mu held.
func (c *Controller) reinit() {
	c.ctrl.reset()
	for _, e := range c.eps {
		e.reinit()
	}
}

// clearInterrupts acknowledges every pending controller interrupt. Must be
// called with c.mu held.
func (c *Controller) clearInterrupts() {
	c.regs.ClearMisc(hal.MiscAll)
	c.regs.ClearEndpoint(hal.KindRX, ^uint32(0))
	c.regs.ClearEndpoint(hal.KindTX, ^uint32(0))
}

// selectEndpoint makes n the active hardware endpoint and returns the
// previous selection. Must be called with c.mu held.
func (c *Controller) selectEndpoint(n uint8) uint8 {
	prev := c.regs.ActiveEndpoint()
	c.regs.SelectEndpoint(n)
	return prev
}

// Name returns the controller name.
func (c *Controller) Name() string { return c.name }

// Speed returns the negotiated bus speed.
func (c *Controller) Speed() usb.Speed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Address returns the USB address assigned by the host.
func (c *Controller) Address() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Connected reports whether the host has reset the device and not since
// suspended or disconnected it.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RemoteWakeup reports whether the host enabled remote wakeup.
func (c *Controller) RemoteWakeup() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteWakeup
}

// Pullup connects or disconnects the device from the bus without
// unbinding the driver.
func (c *Controller) Pullup(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return pkg.ErrNotReady
	}
	if c.driver == nil {
		return pkg.ErrNoDevice
	}
	c.regs.Connect(on)
	return nil
}

// EP0State returns the control pipe state.
func (c *Controller) EP0State() EP0State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrl.state
}

// EP0 returns the control endpoint.
func (c *Controller) EP0() *Endpoint { return c.eps[0] }

// Endpoints returns every endpoint, control endpoint first.
func (c *Controller) Endpoints() []*Endpoint {
	return append([]*Endpoint(nil), c.eps...)
}

// Endpoint returns the endpoint with the given name, or nil.
func (c *Controller) Endpoint(name string) *Endpoint {
	for _, e := range c.eps {
		if e.name == name {
			return e
		}
	}
	return nil
}

// FindEndpoint returns the first endpoint able to serve addr, or nil.
// Endpoints without a fixed direction match either direction.
func (c *Controller) FindEndpoint(addr usb.Address) *Endpoint {
	for _, e := range c.eps {
		if e.Number() != addr.Number() {
			continue
		}
		if e.Number() == 0 || e.anyDir || e.cfgAddr.IsIn() == addr.IsIn() {
			return e
		}
	}
	return nil
}
