package udc

import (
	"github.com/ardnew/softudc/pkg"
)

// write loads the next packet of r into the FIFO of e, or hands the bulk
// of it to DMA. The endpoint must be selected. Must be called with c.mu
// held.
func (c *Controller) write(e *Endpoint, r *Request) {
	if c.dmaReady(e, r) && c.kickDMA(e, r) {
		return
	}

	mp := int(e.maxPacket)
	n := min(len(r.Buf)-r.Actual, mp)
	c.regs.WriteFIFO(e.Number(), r.Buf[r.Actual:r.Actual+n])
	r.Actual += n

	// A short packet ends the transfer. A full packet ends it only when no
	// data is left and no zero-length terminator was asked for.
	var last bool
	switch {
	case n != mp:
		last = true
	case r.Actual < len(r.Buf) || r.Zero:
		last = false
	default:
		last = true
	}

	if err := c.regs.WriteDataStatus(e.kind(), last); err != nil {
		pkg.LogWarn(pkg.ComponentTransfer, "write data status failed",
			"ep", e.name,
			"error", err)
		if r.Status == pkg.TransferStatusInProgress {
			r.Status = pkg.TransferStatusOverflow
		}
	}

	pkg.LogDebug(pkg.ComponentTransfer, "pio write",
		"ep", e.name,
		"count", n,
		"actual", r.Actual,
		"length", len(r.Buf),
		"last", last)

	if last {
		if e.Number() == 0 {
			c.ctrl.state = EP0Idle
		}
		e.done(r, pkg.TransferStatusSuccess)
	}
}

// read unloads one received packet from the FIFO of e into r, or hands the
// bulk of the transfer to DMA. The endpoint must be selected. Must be
// called with c.mu held.
func (c *Controller) read(e *Endpoint, r *Request) {
	if c.dmaReady(e, r) && c.kickDMA(e, r) {
		return
	}

	k := e.kind()
	mp := int(e.maxPacket)
	avail := min(c.regs.FIFOCount(k), mp)
	n := min(len(r.Buf)-r.Actual, avail)
	if n > 0 {
		n = c.regs.ReadFIFO(e.Number(), r.Buf[r.Actual:r.Actual+n])
	}
	r.Actual += n

	var last bool
	if e.Number() != 0 && n < mp {
		last = true
		if n != avail && r.Status == pkg.TransferStatusInProgress {
			r.Status = pkg.TransferStatusOverflow
		}
	} else {
		last = len(r.Buf) <= r.Actual
	}

	if err := c.regs.ReadDataStatus(k, last); err != nil {
		pkg.LogWarn(pkg.ComponentTransfer, "read data status failed",
			"ep", e.name,
			"error", err)
	}

	pkg.LogDebug(pkg.ComponentTransfer, "pio read",
		"ep", e.name,
		"count", n,
		"fifo", avail,
		"actual", r.Actual,
		"length", len(r.Buf),
		"last", last)

	if last {
		if e.Number() == 0 {
			c.ctrl.state = EP0Idle
		}
		e.done(r, pkg.TransferStatusSuccess)
	}
}
