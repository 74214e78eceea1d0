package udc

import (
	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal"
)

// dmaDrainPolls bounds the wait for an IN FIFO to empty after DMA.
const dmaDrainPolls = 16

// wantsDMA reports whether the remainder of r is long enough to move by
// DMA. Must be called with c.mu held.
func (c *Controller) wantsDMA(e *Endpoint, r *Request) bool {
	return c.dma != nil &&
		e.Number() != 0 &&
		r.UseDMA &&
		len(r.Buf)-r.Actual > int(e.maxPacket)
}

// dmaReady reports whether r can be kicked by DMA now. Must be called with
// c.mu held.
func (c *Controller) dmaReady(e *Endpoint, r *Request) bool {
	return r.mapState != MapNone && !e.dmaBusy && c.wantsDMA(e, r)
}

// kickDMA starts a DMA transfer of the whole packets remaining in r. The
// lock is released while the engine is programmed. It reports false when
// the engine refused the transfer and the caller should fall back to PIO.
// Must be called with c.mu held and e selected.
func (c *Controller) kickDMA(e *Endpoint, r *Request) bool {
	mp := int(e.maxPacket)
	rem := len(r.Buf) - r.Actual
	size := rem - rem%mp
	k := e.kind()
	ep := e.addr
	addr := r.DMA + hal.Addr(r.Actual)

	c.regs.ConfigureEndpointDMA(k)
	e.dmaBusy = true
	e.dmaLen = size

	pkg.LogDebug(pkg.ComponentDMA, "dma start",
		"ep", e.name,
		"size", size,
		"actual", r.Actual,
		"length", len(r.Buf))

	c.mu.Unlock()
	ch, err := c.dma.Configure(ep, addr, size)
	if err == nil {
		if err = c.dma.Start(ch); err != nil {
			c.dma.Release(ch)
		}
	}
	c.mu.Lock()

	if err == nil {
		return true
	}

	c.regs.SelectEndpoint(e.Number())
	c.regs.ClearEndpointDMA(k)
	e.dmaBusy = false
	e.dmaLen = 0
	pkg.LogWarn(pkg.ComponentDMA, "dma start failed, using PIO",
		"ep", e.name,
		"error", err)
	return false
}

// stopDMA aborts the transfer running on e. Must be called with c.mu held.
func (e *Endpoint) stopDMA() {
	c := e.c
	ep := e.addr
	c.mu.Unlock()
	c.dma.Stop(ep)
	c.mu.Lock()

	prev := c.selectEndpoint(e.Number())
	c.regs.ClearEndpointDMA(e.kind())
	c.regs.SelectEndpoint(prev)
	e.dmaBusy = false
	e.dmaLen = 0

	pkg.LogDebug(pkg.ComponentDMA, "dma stopped", "ep", e.name)
}

// dmaComplete accounts for a finished DMA transfer on the head request of
// e and moves on: the trailing partial packet goes by PIO, a finished
// request is completed and the next one started. Must be called with c.mu
// held.
func (c *Controller) dmaComplete(e *Endpoint, r *Request) {
	e.unmap(r)

	prev := c.selectEndpoint(e.Number())
	defer c.regs.SelectEndpoint(prev)

	k := e.kind()
	in := e.isIn()
	if in {
		for i := 0; i < dmaDrainPolls && c.regs.FIFONotEmpty(k); i++ {
		}
	}
	c.regs.ClearEndpointDMA(k)

	n := c.dma.Transferred(e.addr)
	size := e.dmaLen
	r.Actual += n
	e.dmaBusy = false
	e.dmaLen = 0

	pkg.LogDebug(pkg.ComponentDMA, "dma complete",
		"ep", e.name,
		"transferred", n,
		"actual", r.Actual,
		"length", len(r.Buf))

	switch {
	case in && (r.Actual < len(r.Buf) || r.Zero):
		if !c.regs.FIFONotEmpty(k) {
			c.write(e, r)
		}
	case !in && r.Actual < len(r.Buf) && n == size:
		if c.regs.ReadDataReady(k) {
			c.read(e, r)
		}
	default:
		e.done(r, pkg.TransferStatusSuccess)
	}

	if e.head() != r {
		e.startNext()
	}
}
