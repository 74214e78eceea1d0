package sim

import (
	"fmt"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal"
	"github.com/ardnew/softudc/usb"
)

// dmaBase is the first bus address handed out by Map.
const dmaBase hal.Addr = 0x4000_0000

// dmaAlign is the spacing between mapped regions.
const dmaAlign = 0x1000

type region struct {
	buf []byte
	dir hal.Direction
}

type channel struct {
	claimed bool
	busy    bool
	ep      usb.Address
	buf     []byte // window of the mapped region covering the transfer
	done    int
}

// DMAEngine is the simulated channel engine. It shares the controller's
// lock because it moves data directly between buffers and endpoint FIFOs.
type DMAEngine struct {
	c           *Controller
	channels    []channel
	regions     map[hal.Addr]*region
	next        hal.Addr
	pending     uint32
	transferred map[usb.Address]int
}

func newDMAEngine(c *Controller, n int) *DMAEngine {
	return &DMAEngine{
		c:           c,
		channels:    make([]channel, n),
		regions:     make(map[hal.Addr]*region),
		next:        dmaBase,
		transferred: make(map[usb.Address]int),
	}
}

// Map implements hal.DMA.
func (d *DMAEngine) Map(buf []byte, dir hal.Direction) (hal.Addr, error) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if len(buf) == 0 {
		return hal.InvalidAddr, pkg.ErrInvalidParameter
	}
	addr := d.next
	span := (hal.Addr(len(buf)) + dmaAlign - 1) &^ (dmaAlign - 1)
	d.next += span + dmaAlign
	d.regions[addr] = &region{buf: buf, dir: dir}
	return addr, nil
}

// Unmap implements hal.DMA.
func (d *DMAEngine) Unmap(addr hal.Addr, size int, dir hal.Direction) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	delete(d.regions, addr)
}

// SyncForDevice implements hal.DMA. Mapped memory is coherent.
func (d *DMAEngine) SyncForDevice(hal.Addr, int, hal.Direction) {}

// SyncForCPU implements hal.DMA. Mapped memory is coherent.
func (d *DMAEngine) SyncForCPU(hal.Addr, int, hal.Direction) {}

// Mapped returns the number of live mappings.
func (d *DMAEngine) Mapped() int {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	return len(d.regions)
}

// window resolves size bytes at addr to the mapped buffer holding them.
// Must be called with c.mu held.
func (d *DMAEngine) window(addr hal.Addr, size int) ([]byte, bool) {
	for base, r := range d.regions {
		if addr < base || addr >= base+hal.Addr(len(r.buf)) {
			continue
		}
		off := int(addr - base)
		if off+size > len(r.buf) {
			return nil, false
		}
		return r.buf[off : off+size], true
	}
	return nil, false
}

// Configure implements hal.DMA.
func (d *DMAEngine) Configure(ep usb.Address, addr hal.Addr, size int) (int, error) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	buf, ok := d.window(addr, size)
	if !ok {
		return -1, fmt.Errorf("dma %s: %#x+%d not mapped: %w", ep, addr, size, pkg.ErrInvalidParameter)
	}
	free := -1
	for i := range d.channels {
		if d.channels[i].claimed {
			if d.channels[i].ep == ep {
				return -1, fmt.Errorf("dma %s: %w", ep, pkg.ErrBusy)
			}
			continue
		}
		if free < 0 {
			free = i
		}
	}
	if free < 0 {
		return -1, fmt.Errorf("dma %s: %w", ep, pkg.ErrNoResources)
	}
	d.channels[free] = channel{claimed: true, ep: ep, buf: buf}
	d.transferred[ep] = 0
	return free, nil
}

// Start implements hal.DMA.
func (d *DMAEngine) Start(ch int) error {
	d.c.mu.Lock()
	if ch < 0 || ch >= len(d.channels) || !d.channels[ch].claimed {
		d.c.mu.Unlock()
		return pkg.ErrInvalidParameter
	}
	x := &d.channels[ch]
	index := x.ep.Number()
	if int(index) >= len(d.c.eps) {
		d.c.mu.Unlock()
		return pkg.ErrInvalidParameter
	}
	x.busy = true
	x.done = 0
	d.c.record(OpDMAStart, index, dmaKind(x.ep), len(x.buf), uint32(ch))
	if x.ep.IsIn() {
		h := &d.c.eps[index].tx
		mp := int(h.maxPacket)
		if mp == 0 {
			x.busy = false
			d.c.mu.Unlock()
			return ErrNotConfigured
		}
		for off := 0; off < len(x.buf); off += mp {
			end := min(off+mp, len(x.buf))
			h.packets = append(h.packets, append([]byte(nil), x.buf[off:end]...))
			h.dmaPkts++
		}
		if len(x.buf) == 0 {
			d.complete(ch)
		}
	} else {
		h := &d.c.eps[index].rx
		for len(h.packets) > 0 && x.busy {
			pkt := h.packets[0][h.readPos:]
			h.packets = h.packets[1:]
			h.readPos = 0
			d.fill(ch, pkt, int(h.maxPacket))
		}
	}
	d.c.mu.Unlock()
	d.c.deliver()
	return nil
}

// fill copies one OUT packet into the channel buffer. Must be called with
// c.mu held.
func (d *DMAEngine) fill(ch int, pkt []byte, mp int) {
	x := &d.channels[ch]
	n := copy(x.buf[x.done:], pkt)
	x.done += n
	if x.done == len(x.buf) || len(pkt) < mp {
		d.complete(ch)
	}
}

// complete finishes the transfer on ch and raises its interrupt. Must be
// called with c.mu held.
func (d *DMAEngine) complete(ch int) {
	x := &d.channels[ch]
	x.busy = false
	d.transferred[x.ep] = x.done
	d.pending |= 1 << ch
	d.c.record(OpDMADone, x.ep.Number(), dmaKind(x.ep), x.done, uint32(ch))
}

// active returns the running channel for ep. Must be called with c.mu held.
func (d *DMAEngine) active(ep usb.Address) int {
	for i := range d.channels {
		if d.channels[i].claimed && d.channels[i].busy && d.channels[i].ep == ep {
			return i
		}
	}
	return -1
}

// collected accounts for an IN packet taken by the host. Must be called
// with c.mu held.
func (d *DMAEngine) collected(ep usb.Address, n int, last bool) {
	ch := d.active(ep)
	if ch < 0 {
		return
	}
	d.channels[ch].done += n
	if last {
		d.complete(ch)
	}
}

// absorb routes an OUT packet into a running transfer on ep. Must be called
// with c.mu held.
func (d *DMAEngine) absorb(ep usb.Address, pkt []byte) bool {
	ch := d.active(ep)
	if ch < 0 {
		return false
	}
	d.fill(ch, pkt, int(d.c.eps[ep.Number()].rx.maxPacket))
	return true
}

// Stop implements hal.DMA. The channel is released and any packets it
// loaded into an IN FIFO are discarded.
func (d *DMAEngine) Stop(ep usb.Address) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	for i := range d.channels {
		x := &d.channels[i]
		if !x.claimed || x.ep != ep {
			continue
		}
		d.transferred[ep] = x.done
		if ep.IsIn() && int(ep.Number()) < len(d.c.eps) {
			h := &d.c.eps[ep.Number()].tx
			h.packets = h.packets[:len(h.packets)-h.dmaPkts]
			h.dmaPkts = 0
		}
		d.pending &^= 1 << i
		d.c.record(OpDMAStop, ep.Number(), dmaKind(ep), x.done, uint32(i))
		*x = channel{}
	}
}

// Busy implements hal.DMA.
func (d *DMAEngine) Busy(ep usb.Address) bool {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	return d.active(ep) >= 0
}

// Transferred implements hal.DMA.
func (d *DMAEngine) Transferred(ep usb.Address) int {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	return d.transferred[ep]
}

// Pending implements hal.DMA.
func (d *DMAEngine) Pending() uint32 {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	return d.pending
}

// ClearPending implements hal.DMA.
func (d *DMAEngine) ClearPending(mask uint32) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	d.pending &^= mask
}

// Endpoint implements hal.DMA.
func (d *DMAEngine) Endpoint(ch int) (usb.Address, bool) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if ch < 0 || ch >= len(d.channels) || !d.channels[ch].claimed {
		return 0, false
	}
	return d.channels[ch].ep, true
}

// Release implements hal.DMA.
func (d *DMAEngine) Release(ch int) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if ch >= 0 && ch < len(d.channels) {
		d.channels[ch] = channel{}
	}
}

// Claimed returns the number of channels currently claimed.
func (d *DMAEngine) Claimed() int {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	n := 0
	for i := range d.channels {
		if d.channels[i].claimed {
			n++
		}
	}
	return n
}

func dmaKind(ep usb.Address) hal.Kind {
	if ep.IsIn() {
		return hal.KindTX
	}
	return hal.KindRX
}

var _ hal.DMA = (*DMAEngine)(nil)
