package udc

import (
	"fmt"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal"
	"github.com/ardnew/softudc/usb"
)

// MapState records who owns the DMA mapping of a request buffer.
type MapState uint8

// Mapping states.
const (
	MapNone   MapState = iota // not mapped
	MapDriver                 // mapped by the controller for this transfer
	MapCaller                 // mapped by the caller; the controller only syncs
)

// Request is one transfer queued on an endpoint.
type Request struct {
	// Buf holds the data to send, or receives the data read. Its length
	// is the transfer length.
	Buf []byte

	// Actual is the number of bytes transferred so far.
	Actual int

	// Status is the transfer outcome. It is TransferStatusInProgress while
	// queued; the first terminal status assigned sticks.
	Status pkg.TransferStatus

	// Zero ends an IN transfer whose length is a multiple of the max
	// packet size with a zero-length packet.
	Zero bool

	// UseDMA allows the controller to move the bulk of the transfer by DMA.
	UseDMA bool

	// DMA is the bus address of Buf. A caller that maps Buf itself sets
	// it before queueing.
	DMA hal.Addr

	// Complete is called once, without the controller lock held, when
	// the request leaves the queue.
	Complete func(ep *Endpoint, r *Request)

	// Context is left untouched for the caller.
	Context any

	mapState MapState
	ep       *Endpoint
}

// Length returns the transfer length.
func (r *Request) Length() int { return len(r.Buf) }

// Mapping returns the DMA mapping state.
func (r *Request) Mapping() MapState { return r.mapState }

// Queue submits r on e. The transfer starts at once when r is alone on the
// queue and the endpoint is not halted.
func (e *Endpoint) Queue(r *Request) error {
	if r == nil {
		return pkg.ErrInvalidParameter
	}
	c := e.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.desc == nil && e.Number() != 0 {
		return fmt.Errorf("%s: not enabled: %w", e.name, pkg.ErrInvalidParameter)
	}
	if c.driver == nil || c.speed == usb.SpeedUnknown {
		return pkg.ErrShutdown
	}
	if r.Complete == nil || r.Buf == nil {
		return pkg.ErrInvalidParameter
	}
	if r.ep != nil {
		return fmt.Errorf("%s: request already queued: %w", e.name, pkg.ErrBusy)
	}

	r.Status = pkg.TransferStatusInProgress
	r.Actual = 0
	if c.wantsDMA(e, r) {
		e.mapRequest(r)
	}

	r.ep = e
	e.queue = append(e.queue, r)

	pkg.LogDebug(pkg.ComponentTransfer, "request queued",
		"ep", e.name,
		"length", len(r.Buf),
		"zero", r.Zero,
		"map", r.mapState)

	if !c.active || len(e.queue) != 1 || e.halted {
		return nil
	}

	if e.Number() == 0 {
		return c.startControl(e, r)
	}

	prev := c.selectEndpoint(e.Number())
	if e.isIn() {
		if !c.regs.WritePending(hal.KindTX) {
			c.write(e, r)
		}
	} else if c.regs.ReadDataReady(hal.KindRX) {
		c.read(e, r)
	}
	c.regs.SelectEndpoint(prev)
	return nil
}

// startControl kicks a request queued on the control endpoint according to
// the data phase in progress. Must be called with c.mu held.
func (c *Controller) startControl(e *Endpoint, r *Request) error {
	prev := c.selectEndpoint(0)
	defer c.regs.SelectEndpoint(prev)

	switch c.ctrl.state {
	case EP0InDataPhase:
		if !c.regs.WritePending(hal.KindEP0) {
			c.write(e, r)
		}
	case EP0OutDataPhase:
		if len(r.Buf) == 0 {
			if !c.ctrl.reqConfig {
				_ = c.regs.ReadDataStatus(hal.KindEP0, true)
			}
			c.ctrl.state = EP0Idle
			e.done(r, pkg.TransferStatusSuccess)
		} else if c.regs.ReadDataReady(hal.KindEP0) {
			c.read(e, r)
		}
	default:
		e.remove(r)
		e.unmap(r)
		pkg.LogWarn(pkg.ComponentEP0, "request queued outside a data phase",
			"state", c.ctrl.state)
		return fmt.Errorf("ep0 %s: %w", c.ctrl.state, pkg.ErrInvalidState)
	}
	return nil
}

// Dequeue cancels r with [pkg.TransferStatusConnReset].
func (e *Endpoint) Dequeue(r *Request) error {
	if r == nil {
		return pkg.ErrInvalidParameter
	}
	c := e.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.ep != e {
		return pkg.ErrNotFound
	}
	head := e.head() == r
	if head && e.dmaBusy {
		e.stopDMA()
	}
	if head && e.Number() != 0 && e.isIn() {
		prev := c.selectEndpoint(e.Number())
		c.regs.FlushFIFO(hal.KindTX)
		c.regs.SelectEndpoint(prev)
	}
	e.done(r, pkg.TransferStatusConnReset)
	if head {
		e.startNext()
	}
	return nil
}

// startNext starts the request now at the head of e, if any. Nothing else
// would: the hardware raises no interrupt for an idle endpoint. Must be
// called with c.mu held.
func (e *Endpoint) startNext() {
	c := e.c
	next := e.head()
	if next == nil || e.halted || e.Number() == 0 || !c.active {
		return
	}
	prev := c.selectEndpoint(e.Number())
	defer c.regs.SelectEndpoint(prev)
	k := e.kind()
	if e.isIn() {
		if !c.regs.WritePending(k) {
			c.write(e, next)
		}
	} else if c.regs.ReadDataReady(k) {
		c.read(e, next)
	}
}

// CancelAll completes every queued request with status.
func (e *Endpoint) CancelAll(status pkg.TransferStatus) error {
	if !status.Final() {
		return pkg.ErrInvalidParameter
	}
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	e.nuke(status)
	return nil
}

// nuke completes every queued request with status. Must be called with
// c.mu held.
func (e *Endpoint) nuke(status pkg.TransferStatus) {
	if e.dmaBusy {
		e.stopDMA()
	}
	for len(e.queue) > 0 {
		e.done(e.queue[0], status)
	}
}

// done removes r from the queue and runs its completion callback. The
// endpoint reads as halted while the callback runs, so requests queued
// from it wait for the next kick. Must be called with c.mu held.
func (e *Endpoint) done(r *Request, status pkg.TransferStatus) {
	c := e.c
	e.remove(r)
	if r.Status == pkg.TransferStatusInProgress {
		r.Status = status
	}
	e.unmap(r)

	if r.Status != pkg.TransferStatusSuccess {
		pkg.LogDebug(pkg.ComponentTransfer, "request completed",
			"ep", e.name,
			"status", r.Status,
			"actual", r.Actual,
			"length", len(r.Buf))
	}

	halted := e.halted
	e.halted = true
	c.mu.Unlock()
	r.Complete(e, r)
	c.mu.Lock()
	e.halted = halted
}

func (e *Endpoint) direction() hal.Direction {
	if e.isIn() {
		return hal.ToDevice
	}
	return hal.FromDevice
}

// mapRequest prepares r.Buf for DMA. A mapping failure leaves the request
// on PIO. Must be called with c.mu held.
func (e *Endpoint) mapRequest(r *Request) {
	c := e.c
	if r.DMA != hal.InvalidAddr {
		c.dma.SyncForDevice(r.DMA, len(r.Buf), e.direction())
		r.mapState = MapCaller
		return
	}
	addr, err := c.dma.Map(r.Buf, e.direction())
	if err != nil {
		pkg.LogWarn(pkg.ComponentDMA, "buffer map failed, using PIO",
			"ep", e.name,
			"length", len(r.Buf),
			"error", err)
		return
	}
	r.DMA = addr
	r.mapState = MapDriver
}

// unmap must be called with c.mu held.
func (e *Endpoint) unmap(r *Request) {
	c := e.c
	switch r.mapState {
	case MapDriver:
		c.dma.Unmap(r.DMA, len(r.Buf), e.direction())
		r.DMA = hal.InvalidAddr
	case MapCaller:
		c.dma.SyncForCPU(r.DMA, len(r.Buf), e.direction())
	}
	r.mapState = MapNone
}

// String returns the mapping state name.
func (m MapState) String() string {
	switch m {
	case MapNone:
		return "none"
	case MapDriver:
		return "driver"
	case MapCaller:
		return "caller"
	default:
		return "unknown"
	}
}
