package udc

import (
	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal"
	"github.com/ardnew/softudc/usb"
)

// EP0State is the state of the control pipe.
type EP0State uint8

// Control pipe states.
const (
	EP0Idle EP0State = iota
	EP0InDataPhase
	EP0OutDataPhase
	EP0EndXfer
	EP0Stall
)

// String returns the state name.
func (s EP0State) String() string {
	switch s {
	case EP0Idle:
		return "idle"
	case EP0InDataPhase:
		return "in-data"
	case EP0OutDataPhase:
		return "out-data"
	case EP0EndXfer:
		return "end-xfer"
	case EP0Stall:
		return "stall"
	default:
		return "unknown"
	}
}

// setupPolls bounds the wait for a complete setup packet in the ep0 FIFO.
const setupPolls = 16

// latch is a request whose effect waits for the status stage.
type latch uint8

const (
	latchNone latch = iota
	latchAddress
	latchTestMode
)

// ep0 is the control pipe state machine.
type ep0 struct {
	state     EP0State
	reqConfig bool // current request changes configuration or interface

	latch   latch
	address uint8
	test    usb.TestSelector
}

func (p *ep0) reset() {
	*p = ep0{}
}

// handleEP0 services a control endpoint interrupt. Must be called with c.mu
// held.
func (c *Controller) handleEP0() {
	e := c.eps[0]
	c.regs.SelectEndpoint(0)

	if c.regs.Stalled(hal.KindEP0) {
		pkg.LogWarn(pkg.ComponentEP0, "stall sent")
		e.nuke(pkg.TransferStatusStall)
		c.regs.ClearStall(hal.KindEP0)
		c.ctrl.state = EP0Idle
		return
	}

	if c.regs.SetupEnd() {
		pkg.LogWarn(pkg.ComponentEP0, "setup end", "state", c.ctrl.state)
		e.nuke(pkg.TransferStatusSuccess)
		c.regs.ClearSetupEnd()
		c.ctrl.state = EP0Idle
	}

	switch c.ctrl.state {
	case EP0Idle:
		c.handleSetup(e)
	case EP0InDataPhase:
		if r := e.head(); r != nil && !c.regs.WritePending(hal.KindEP0) {
			c.write(e, r)
		}
	case EP0OutDataPhase:
		if r := e.head(); r != nil && c.regs.ReadDataReady(hal.KindEP0) {
			c.read(e, r)
		}
	case EP0EndXfer:
		c.applyLatch()
		c.ctrl.state = EP0Idle
	case EP0Stall:
		c.ctrl.state = EP0Idle
	}
}

// applyLatch performs the request held back until the status stage. Must
// be called with c.mu held.
func (c *Controller) applyLatch() {
	switch c.ctrl.latch {
	case latchAddress:
		c.regs.SelectEndpoint(0)
		c.regs.ClearSetupEnd()
		c.regs.SetAddress(c.ctrl.address)
		c.address = c.ctrl.address
		pkg.LogInfo(pkg.ComponentEP0, "address set", "address", c.ctrl.address)
	case latchTestMode:
		sel := c.ctrl.test
		if sel == usb.TestPacket {
			c.regs.WriteFIFO(0, usb.TestPacketData[:])
			c.regs.EnterTestMode(sel)
			_ = c.regs.WriteDataStatus(hal.KindEP0, false)
		} else {
			c.regs.EnterTestMode(sel)
		}
		pkg.LogInfo(pkg.ComponentEP0, "test mode entered", "selector", sel)
	}
	c.ctrl.latch = latchNone
	c.ctrl.test = 0
}

// readSetup reads the setup packet from the ep0 FIFO and returns the
// number of bytes read. Must be called with c.mu held.
func (c *Controller) readSetup(sp *usb.SetupPacket) int {
	count := c.regs.FIFOCount(hal.KindEP0)
	for i := 0; i < setupPolls && count != usb.SetupPacketSize; i++ {
		count = c.regs.FIFOCount(hal.KindEP0)
	}

	var buf [64]byte
	n := c.regs.ReadFIFO(0, buf[:min(count, len(buf))])
	if n != usb.SetupPacketSize {
		return n
	}
	if err := usb.ParseSetupPacket(buf[:n], sp); err != nil {
		return 0
	}
	return n
}

// handleSetup starts a control transfer from an idle control pipe. Must be
// called with c.mu held.
func (c *Controller) handleSetup(e *Endpoint) {
	if !c.regs.ReadDataReady(hal.KindEP0) {
		return
	}

	e.nuke(pkg.TransferStatusProtocol)

	var sp usb.SetupPacket
	if n := c.readSetup(&sp); n != usb.SetupPacketSize {
		pkg.LogWarn(pkg.ComponentEP0, "short setup packet, stalling",
			"want", usb.SetupPacketSize,
			"got", n)
		_ = c.regs.ReadDataStatus(hal.KindEP0, false)
		c.regs.SendStall(hal.KindEP0)
		return
	}

	pkg.LogDebug(pkg.ComponentEP0, "setup", "request", sp.String())

	c.ctrl.reqConfig = false

	// The setup stage is acknowledged here unless the data stage is
	// acknowledged as final once the driver has seen the request.
	ack := true
	if sp.IsStandard() {
		switch sp.Request {
		case usb.RequestSetConfiguration:
			ack = false
			if sp.RequestType == usb.RequestRecipientDevice {
				c.ctrl.reqConfig = true
			}
		case usb.RequestSetInterface:
			ack = false
			if sp.RequestType == usb.RequestRecipientInterface {
				c.ctrl.reqConfig = true
			}
		case usb.RequestSetAddress:
			if sp.RequestType == usb.RequestRecipientDevice {
				c.ctrl.address = sp.Address()
				c.ctrl.latch = latchAddress
				_ = c.regs.ReadDataStatus(hal.KindEP0, true)
				c.ctrl.state = EP0EndXfer
				return
			}
		case usb.RequestGetStatus:
			if c.getStatus(&sp) {
				return
			}
		case usb.RequestClearFeature:
			if !sp.IsDeviceToHost() {
				c.clearFeature(&sp)
				c.ctrl.state = EP0Idle
				return
			}
			pkg.LogWarn(pkg.ComponentEP0, "CLEAR_FEATURE with IN direction")
		case usb.RequestSetFeature:
			if !sp.IsDeviceToHost() {
				if !c.setFeature(&sp) {
					c.ctrl.state = EP0Idle
				}
				return
			}
			pkg.LogWarn(pkg.ComponentEP0, "SET_FEATURE with IN direction")
		}
	}
	if ack {
		_ = c.regs.ReadDataStatus(hal.KindEP0, false)
	}

	c.dispatch(&sp)
}

// dispatch hands a control request to the bound driver. Must be called
// with c.mu held.
func (c *Controller) dispatch(sp *usb.SetupPacket) {
	if sp.IsDeviceToHost() {
		c.ctrl.state = EP0InDataPhase
	} else {
		c.ctrl.state = EP0OutDataPhase
	}

	d := c.driver
	if d == nil {
		return
	}

	c.mu.Unlock()
	err := d.Setup(c, *sp)
	c.mu.Lock()

	if err != nil {
		if c.ctrl.reqConfig {
			pkg.LogError(pkg.ComponentEP0, "configuration change failed",
				"request", sp.String(),
				"error", err)
			return
		}
		pkg.LogWarn(pkg.ComponentEP0, "driver rejected request, stalling",
			"request", sp.String(),
			"error", err)
		c.regs.SelectEndpoint(0)
		_ = c.regs.ReadDataStatus(hal.KindEP0, true)
		c.regs.SendStall(hal.KindEP0)
		c.ctrl.state = EP0Idle
	}

	if sp.IsStandard() &&
		(sp.Request == usb.RequestSetConfiguration || sp.Request == usb.RequestSetInterface) {
		c.regs.SelectEndpoint(0)
		_ = c.regs.ReadDataStatus(hal.KindEP0, true)
	}
}

// getStatus answers GET_STATUS and reports whether it did. Must be called
// with c.mu held.
func (c *Controller) getStatus(sp *usb.SetupPacket) bool {
	var reply [2]byte

	switch sp.Recipient() {
	case usb.RequestRecipientInterface:
	case usb.RequestRecipientDevice:
		reply[0] = usb.StatusSelfPowered
		if c.remoteWakeup {
			reply[0] |= usb.StatusRemoteWakeup
		}
	case usb.RequestRecipientEndpoint:
		addr := usb.Address(sp.Index)
		if c.FindEndpoint(addr) == nil || sp.Length > 2 {
			return false
		}
		k := hal.KindRX
		switch {
		case addr.Number() == 0:
			k = hal.KindEP0
		case addr.IsIn():
			k = hal.KindTX
		}
		prev := c.selectEndpoint(addr.Number())
		if c.regs.Stalled(k) {
			reply[0] = usb.StatusHalt
		}
		c.regs.SelectEndpoint(prev)
	default:
		return false
	}

	_ = c.regs.ReadDataStatus(hal.KindEP0, false)
	c.regs.WriteFIFO(0, reply[:min(int(sp.Length), len(reply))])
	_ = c.regs.WriteDataStatus(hal.KindEP0, true)
	return true
}

// clearFeature handles a host-to-device CLEAR_FEATURE. Must be called with
// c.mu held.
func (c *Controller) clearFeature(sp *usb.SetupPacket) {
	_ = c.regs.ReadDataStatus(hal.KindEP0, true)

	switch sp.RequestType {
	case usb.RequestRecipientDevice:
		if sp.Value != 0 {
			c.remoteWakeup = false
		} else {
			for _, e := range c.eps {
				e.setHalt(false)
			}
		}
	case usb.RequestRecipientInterface:
	case usb.RequestRecipientEndpoint:
		// A non-zero feature on an endpoint clears device remote wakeup.
		if sp.Value != 0 {
			c.remoteWakeup = false
		} else if e := c.FindEndpoint(usb.Address(sp.Index)); e != nil {
			e.setHalt(false)
		} else {
			pkg.LogWarn(pkg.ComponentEP0, "CLEAR_FEATURE for unknown endpoint", "index", sp.Index)
		}
	default:
		pkg.LogWarn(pkg.ComponentEP0, "unsupported CLEAR_FEATURE recipient",
			"requestType", sp.RequestType)
		c.regs.SendStall(hal.KindEP0)
	}
}

// setFeature handles a host-to-device SET_FEATURE. It reports whether a
// test mode was latched for the status stage. Must be called with c.mu
// held.
func (c *Controller) setFeature(sp *usb.SetupPacket) bool {
	switch sp.RequestType {
	case usb.RequestRecipientDevice:
		if sp.Value == usb.FeatureTestMode && uint8(sp.Index) == 0 && sp.TestSelector().Valid() {
			_ = c.regs.ReadDataStatus(hal.KindEP0, true)
			c.ctrl.test = sp.TestSelector()
			c.ctrl.latch = latchTestMode
			c.ctrl.state = EP0EndXfer
			return true
		}
		_ = c.regs.ReadDataStatus(hal.KindEP0, true)
		c.remoteWakeup = true
	case usb.RequestRecipientInterface:
		_ = c.regs.ReadDataStatus(hal.KindEP0, true)
	case usb.RequestRecipientEndpoint:
		_ = c.regs.ReadDataStatus(hal.KindEP0, true)
		if e := c.FindEndpoint(usb.Address(sp.Index)); e != nil {
			e.setHalt(true)
		} else {
			pkg.LogWarn(pkg.ComponentEP0, "SET_FEATURE for unknown endpoint", "index", sp.Index)
		}
	default:
		pkg.LogWarn(pkg.ComponentEP0, "unsupported SET_FEATURE recipient",
			"requestType", sp.RequestType)
		_ = c.regs.ReadDataStatus(hal.KindEP0, true)
		c.regs.SendStall(hal.KindEP0)
	}
	return false
}
