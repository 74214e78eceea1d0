package udc

import (
	"context"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal"
	"github.com/ardnew/softudc/usb"
)

// ignoredMisc are bus interrupts the peripheral does not service.
const ignoredMisc = hal.MiscVBusError | hal.MiscSessionReq | hal.MiscConnect | hal.MiscSOF

// HandleInterrupt services every pending controller interrupt and reports
// whether the interrupt belonged to an active peripheral.
func (c *Controller) HandleInterrupt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.driver == nil || !c.active {
		pkg.LogDebug(pkg.ComponentIRQ, "interrupt without driver")
		c.clearInterrupts()
		if c.dma != nil {
			c.dma.ClearPending(^uint32(0))
		}
		return false
	}

	prev := c.regs.ActiveEndpoint()
	defer c.regs.SelectEndpoint(prev)

	misc := c.regs.MiscPending()
	tx := c.regs.EndpointPending(hal.KindTX)
	rx := c.regs.EndpointPending(hal.KindRX)
	var dma uint32
	if c.dma != nil {
		dma = c.dma.Pending()
	}

	if ign := misc & ignoredMisc; ign != 0 {
		c.regs.ClearMisc(ign)
		misc &^= ign
	}

	pkg.LogDebug(pkg.ComponentIRQ, "interrupt",
		"misc", misc,
		"tx", tx,
		"rx", rx,
		"dma", dma)

	if misc&hal.MiscReset != 0 {
		c.busReset()
		return true
	}

	if misc&hal.MiscResume != 0 {
		c.regs.ClearMisc(hal.MiscResume)
		pkg.LogInfo(pkg.ComponentIRQ, "bus resume")
		if r, ok := c.driver.(Resumer); ok && c.speed != usb.SpeedUnknown {
			c.mu.Unlock()
			r.Resume(c)
			c.mu.Lock()
		}
	}

	if misc&hal.MiscSuspend != 0 {
		c.regs.ClearMisc(hal.MiscSuspend)
		pkg.LogInfo(pkg.ComponentIRQ, "bus suspend", "speed", c.speed)
		if c.speed != usb.SpeedUnknown {
			if d, ok := c.driver.(Disconnecter); ok {
				c.mu.Unlock()
				d.Disconnect(c)
				c.mu.Lock()
			}
			c.connected = false
		}
		if s, ok := c.driver.(Suspender); ok && c.speed != usb.SpeedUnknown {
			c.mu.Unlock()
			s.Suspend(c)
			c.mu.Lock()
		}
		c.ctrl.state = EP0Idle
	}

	if misc&hal.MiscDisconnect != 0 {
		c.regs.ClearMisc(hal.MiscDisconnect)
		pkg.LogInfo(pkg.ComponentIRQ, "bus disconnect")
		c.ctrl.state = EP0Idle
		c.connected = false
	}

	if tx&hal.EP0Interrupt != 0 {
		c.regs.ClearEndpoint(hal.KindTX, hal.EP0Interrupt)
		if c.speed == usb.SpeedUnknown {
			c.speed = c.regs.Speed()
			c.connected = true
			pkg.LogInfo(pkg.ComponentIRQ, "speed negotiated", "speed", c.speed)
		}
		c.handleEP0()
	}

	for i := 1; i < len(c.rxMap); i++ {
		bit := uint32(1) << i
		if rx&bit == 0 {
			continue
		}
		c.regs.ClearEndpoint(hal.KindRX, bit)
		if e := c.rxMap[i]; e != nil {
			c.handleEP(e)
		}
	}

	for i := 1; i < len(c.txMap); i++ {
		bit := uint32(1) << i
		if tx&bit == 0 {
			continue
		}
		c.regs.ClearEndpoint(hal.KindTX, bit)
		if e := c.txMap[i]; e != nil {
			c.handleEP(e)
		}
	}

	for ch := 0; dma != 0 && ch < 32; ch++ {
		bit := uint32(1) << ch
		if dma&bit == 0 {
			continue
		}
		c.dma.ClearPending(bit)
		addr, ok := c.dma.Endpoint(ch)
		c.dma.Release(ch)
		if !ok {
			pkg.LogWarn(pkg.ComponentIRQ, "dma interrupt on released channel", "channel", ch)
			continue
		}
		e := c.dmaEndpoint(addr)
		if e == nil {
			continue
		}
		if r := e.head(); r != nil {
			c.dmaComplete(e, r)
		}
	}

	return true
}

// dmaEndpoint returns the endpoint a DMA channel served. Must be called
// with c.mu held.
func (c *Controller) dmaEndpoint(addr usb.Address) *Endpoint {
	for _, e := range c.eps[1:] {
		if e.addr == addr {
			return e
		}
	}
	return nil
}

// busReset returns the controller to the default state after a bus reset:
// DMA is stopped, every queued request ends with conn-reset and the
// address goes back to zero. Must be called with c.mu held.
func (c *Controller) busReset() {
	pkg.LogInfo(pkg.ComponentIRQ, "bus reset")

	c.regs.ClearMisc(hal.MiscReset)
	c.clearInterrupts()
	c.connected = true

	c.regs.SelectEndpoint(0)
	c.regs.SetDefaultAddress()
	c.speed = usb.SpeedUnknown

	if c.dma != nil {
		for _, e := range c.eps[1:] {
			if !e.dmaBusy {
				continue
			}
			e.stopDMA()
			for len(e.queue) > 0 {
				r := e.queue[0]
				r.Actual = 0
				e.done(r, pkg.TransferStatusConnReset)
			}
		}
	}

	for _, e := range c.eps {
		e.nuke(pkg.TransferStatusConnReset)
	}

	c.address = 0
	c.ctrl.reset()
}

// handleEP services an interrupt on a data endpoint. Must be called with
// c.mu held.
func (c *Controller) handleEP(e *Endpoint) {
	prev := c.selectEndpoint(e.Number())
	defer c.regs.SelectEndpoint(prev)

	k := e.kind()
	if c.regs.Stalled(k) {
		pkg.LogDebug(pkg.ComponentEndpoint, "stall sent", "ep", e.name, "halted", e.halted)
		if !e.halted {
			c.regs.ClearStall(k)
		}
		return
	}

	r := e.head()
	if r == nil || e.dmaBusy {
		return
	}
	if e.isIn() {
		if !c.regs.WritePending(k) {
			c.write(e, r)
		}
	} else if c.regs.ReadDataReady(k) {
		c.read(e, r)
	}
}

// Serve services interrupts signalled on line until ctx ends.
func (c *Controller) Serve(ctx context.Context, line <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-line:
			c.HandleInterrupt()
		}
	}
}
