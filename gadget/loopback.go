package gadget

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc"
	"github.com/ardnew/softudc/usb"
)

// Vendor requests answered by the loopback function.
const (
	// RequestStats returns the loopback counters (IN, 12 bytes).
	RequestStats = 0x01

	// RequestSetPattern stores up to PatternSize bytes (OUT).
	RequestSetPattern = 0x02

	// RequestGetPattern returns the stored pattern (IN).
	RequestGetPattern = 0x03
)

// PatternSize is the largest pattern RequestSetPattern accepts.
const PatternSize = 256

// String descriptor indexes.
const (
	stringManufacturer = 1
	stringProduct      = 2
	stringSerial       = 3
	stringInterface    = 4
)

// ConfigurationValue is the single configuration the function offers.
const ConfigurationValue = 1

// LoopbackConfig configures a Loopback function.
type LoopbackConfig struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	SerialNumber string

	// InEndpoint and OutEndpoint name the controller endpoints to use.
	InEndpoint  string
	OutEndpoint string

	// BufferSize is the length of each OUT request. It is rounded up to a
	// multiple of 512. Defaults to 4096.
	BufferSize int

	// UseDMA lets the controller move data by DMA.
	UseDMA bool

	// MaxSpeed limits the speed the function reports. Defaults to high
	// speed.
	MaxSpeed usb.Speed
}

func (cfg *LoopbackConfig) setDefaults() {
	if cfg.VendorID == 0 {
		cfg.VendorID = 0x1F3A
	}
	if cfg.ProductID == 0 {
		cfg.ProductID = 0xEFE8
	}
	if cfg.Manufacturer == "" {
		cfg.Manufacturer = "softudc"
	}
	if cfg.Product == "" {
		cfg.Product = "Bulk Loopback"
	}
	if cfg.SerialNumber == "" {
		cfg.SerialNumber = "0001"
	}
	if cfg.InEndpoint == "" {
		cfg.InEndpoint = "ep1in-bulk"
	}
	if cfg.OutEndpoint == "" {
		cfg.OutEndpoint = "ep1out-bulk"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	cfg.BufferSize = (cfg.BufferSize + 511) &^ 511
	if cfg.MaxSpeed == usb.SpeedUnknown {
		cfg.MaxSpeed = usb.SpeedHigh
	}
}

// Stats are the loopback counters.
type Stats struct {
	Bytes       uint32
	Transfers   uint32
	Suspends    uint16
	Resumes     uint16
	Disconnects uint16
}

// Loopback echoes bulk OUT data back to the host on bulk IN.
type Loopback struct {
	cfg LoopbackConfig

	mu      sync.Mutex
	ctl     *udc.Controller
	in, out *udc.Endpoint
	inReq   *udc.Request
	outReq  *udc.Request
	config  uint8
	pattern []byte
	stats   Stats
}

// NewLoopback returns a loopback function ready to register.
func NewLoopback(cfg LoopbackConfig) *Loopback {
	cfg.setDefaults()
	return &Loopback{cfg: cfg}
}

// MaxSpeed implements udc.Driver.
func (g *Loopback) MaxSpeed() usb.Speed { return g.cfg.MaxSpeed }

// Bind implements udc.Driver.
func (g *Loopback) Bind(c *udc.Controller) error {
	in := c.Endpoint(g.cfg.InEndpoint)
	out := c.Endpoint(g.cfg.OutEndpoint)
	if in == nil || out == nil {
		return fmt.Errorf("loopback endpoints %s/%s: %w",
			g.cfg.InEndpoint, g.cfg.OutEndpoint, pkg.ErrNoResources)
	}
	if in.Type() != usb.TransferBulk || out.Type() != usb.TransferBulk {
		return fmt.Errorf("loopback endpoints must be bulk: %w", pkg.ErrNotSupported)
	}

	inReq := in.AllocRequest()
	inReq.Buf = make([]byte, 0, g.cfg.BufferSize)
	inReq.UseDMA = g.cfg.UseDMA
	inReq.Complete = g.inComplete

	outReq := out.AllocRequest()
	outReq.Buf = make([]byte, g.cfg.BufferSize)
	outReq.UseDMA = g.cfg.UseDMA
	outReq.Complete = g.outComplete

	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctl, g.in, g.out = c, in, out
	g.inReq, g.outReq = inReq, outReq

	pkg.LogInfo(pkg.ComponentGadget, "loopback bound",
		"in", in.Name(),
		"out", out.Name(),
		"buffer", g.cfg.BufferSize,
		"dma", g.cfg.UseDMA)
	return nil
}

// Unbind implements udc.Unbinder.
func (g *Loopback) Unbind(c *udc.Controller) {
	g.mu.Lock()
	in, out := g.in, g.out
	inReq, outReq := g.inReq, g.outReq
	g.mu.Unlock()

	_ = in.FreeRequest(inReq)
	_ = out.FreeRequest(outReq)

	g.mu.Lock()
	g.ctl, g.in, g.out = nil, nil, nil
	g.inReq, g.outReq = nil, nil
	g.config = 0
	g.mu.Unlock()
	pkg.LogInfo(pkg.ComponentGadget, "loopback unbound")
}

// Disconnect implements udc.Disconnecter.
func (g *Loopback) Disconnect(c *udc.Controller) {
	g.mu.Lock()
	g.stats.Disconnects++
	g.mu.Unlock()
	g.deconfigure()
}

// Suspend implements udc.Suspender.
func (g *Loopback) Suspend(c *udc.Controller) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.Suspends++
}

// Resume implements udc.Resumer.
func (g *Loopback) Resume(c *udc.Controller) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.Resumes++
}

// Stats returns a snapshot of the loopback counters.
func (g *Loopback) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// BufferSize returns the length of each OUT request.
func (g *Loopback) BufferSize() int { return g.cfg.BufferSize }

// Configuration returns the active configuration value, 0 when
// unconfigured.
func (g *Loopback) Configuration() uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.config
}

// Setup implements udc.Driver.
func (g *Loopback) Setup(c *udc.Controller, sp usb.SetupPacket) error {
	if sp.IsStandard() {
		return g.standard(c, &sp)
	}
	if sp.Type() == usb.RequestTypeVendor {
		return g.vendor(c, &sp)
	}
	return fmt.Errorf("%s: %w", sp.String(), pkg.ErrNotSupported)
}

func (g *Loopback) standard(c *udc.Controller, sp *usb.SetupPacket) error {
	switch sp.Request {
	case usb.RequestGetDescriptor:
		data := g.descriptor(c.Speed(), sp.DescriptorType(), sp.DescriptorIndex())
		if data == nil {
			return fmt.Errorf("descriptor 0x%02X/%d: %w",
				sp.DescriptorType(), sp.DescriptorIndex(), pkg.ErrNotSupported)
		}
		return g.reply(c, sp, data)

	case usb.RequestGetConfiguration:
		return g.reply(c, sp, []byte{g.Configuration()})

	case usb.RequestSetConfiguration:
		if err := g.setConfiguration(c, uint8(sp.Value)); err != nil {
			return err
		}
		return g.ack(c)

	case usb.RequestGetInterface:
		if sp.Index != 0 || g.Configuration() == 0 {
			return pkg.ErrInvalidState
		}
		return g.reply(c, sp, []byte{0})

	case usb.RequestSetInterface:
		if sp.Index != 0 || sp.Value != 0 || g.Configuration() == 0 {
			return pkg.ErrInvalidParameter
		}
		return g.ack(c)
	}
	return fmt.Errorf("%s: %w", sp.String(), pkg.ErrNotSupported)
}

func (g *Loopback) vendor(c *udc.Controller, sp *usb.SetupPacket) error {
	switch {
	case sp.Request == RequestStats && sp.IsDeviceToHost():
		s := g.Stats()
		var buf [12]byte
		binary.LittleEndian.PutUint32(buf[0:4], s.Bytes)
		binary.LittleEndian.PutUint32(buf[4:8], s.Transfers)
		binary.LittleEndian.PutUint16(buf[8:10], s.Suspends)
		binary.LittleEndian.PutUint16(buf[10:12], s.Resumes)
		return g.reply(c, sp, buf[:])

	case sp.Request == RequestGetPattern && sp.IsDeviceToHost():
		g.mu.Lock()
		data := append([]byte{}, g.pattern...)
		g.mu.Unlock()
		return g.reply(c, sp, data)

	case sp.Request == RequestSetPattern && !sp.IsDeviceToHost():
		if sp.Length > PatternSize {
			return pkg.ErrInvalidParameter
		}
		if sp.Length == 0 {
			g.mu.Lock()
			g.pattern = nil
			g.mu.Unlock()
			return g.ack(c)
		}
		r := c.EP0().AllocRequest()
		r.Buf = make([]byte, sp.Length)
		r.Complete = func(_ *udc.Endpoint, r *udc.Request) {
			if r.Status != pkg.TransferStatusSuccess {
				pkg.LogWarn(pkg.ComponentGadget, "pattern write failed", "status", r.Status)
				return
			}
			g.mu.Lock()
			g.pattern = append(g.pattern[:0], r.Buf[:r.Actual]...)
			g.mu.Unlock()
		}
		return c.EP0().Queue(r)
	}
	return fmt.Errorf("%s: %w", sp.String(), pkg.ErrNotSupported)
}

// reply queues data as the IN data stage of sp, truncated to wLength.
func (g *Loopback) reply(c *udc.Controller, sp *usb.SetupPacket, data []byte) error {
	n := min(len(data), int(sp.Length))
	r := c.EP0().AllocRequest()
	r.Buf = data[:n]
	mp := int(c.Speed().MaxPacketSize0())
	r.Zero = n < int(sp.Length) && n%mp == 0 && n > 0
	r.Complete = ep0Complete
	return c.EP0().Queue(r)
}

// ack queues the zero-length status of a request without a data stage.
func (g *Loopback) ack(c *udc.Controller) error {
	r := c.EP0().AllocRequest()
	r.Buf = []byte{}
	r.Complete = ep0Complete
	return c.EP0().Queue(r)
}

func ep0Complete(_ *udc.Endpoint, r *udc.Request) {
	if r.Status != pkg.TransferStatusSuccess {
		pkg.LogDebug(pkg.ComponentGadget, "control request ended",
			"status", r.Status,
			"actual", r.Actual)
	}
}

// setConfiguration switches between the unconfigured state and the single
// loopback configuration.
func (g *Loopback) setConfiguration(c *udc.Controller, value uint8) error {
	if value != 0 && value != ConfigurationValue {
		return fmt.Errorf("configuration %d: %w", value, pkg.ErrInvalidParameter)
	}
	g.deconfigure()
	if value == 0 {
		return nil
	}

	g.mu.Lock()
	in, out := g.in, g.out
	g.mu.Unlock()

	inDesc, outDesc := endpointDescriptors(c.Speed(), in, out)
	if err := in.Enable(&inDesc); err != nil {
		return fmt.Errorf("enable %s: %w", in.Name(), err)
	}
	if err := out.Enable(&outDesc); err != nil {
		_ = in.Disable()
		return fmt.Errorf("enable %s: %w", out.Name(), err)
	}

	g.mu.Lock()
	g.config = value
	g.mu.Unlock()

	pkg.LogInfo(pkg.ComponentGadget, "loopback configured", "speed", c.Speed())
	return g.primeOut()
}

// deconfigure disables both endpoints, cancelling their requests.
func (g *Loopback) deconfigure() {
	g.mu.Lock()
	in, out := g.in, g.out
	was := g.config
	g.config = 0
	g.mu.Unlock()

	if in != nil && in.Enabled() {
		_ = in.Disable()
	}
	if out != nil && out.Enabled() {
		_ = out.Disable()
	}
	if was != 0 {
		pkg.LogInfo(pkg.ComponentGadget, "loopback deconfigured")
	}
}

func (g *Loopback) primeOut() error {
	g.mu.Lock()
	out, r := g.out, g.outReq
	g.mu.Unlock()
	r.Buf = r.Buf[:cap(r.Buf)]
	return out.Queue(r)
}

func (g *Loopback) outComplete(_ *udc.Endpoint, r *udc.Request) {
	if r.Status != pkg.TransferStatusSuccess {
		pkg.LogDebug(pkg.ComponentGadget, "out request ended",
			"status", r.Status,
			"actual", r.Actual)
		return
	}

	g.mu.Lock()
	in, inReq := g.in, g.inReq
	g.mu.Unlock()

	inReq.Buf = append(inReq.Buf[:0], r.Buf[:r.Actual]...)
	if err := in.Queue(inReq); err != nil {
		pkg.LogWarn(pkg.ComponentGadget, "loopback IN queue failed", "error", err)
	}
}

func (g *Loopback) inComplete(_ *udc.Endpoint, r *udc.Request) {
	if r.Status != pkg.TransferStatusSuccess {
		pkg.LogDebug(pkg.ComponentGadget, "in request ended",
			"status", r.Status,
			"actual", r.Actual)
		return
	}

	g.mu.Lock()
	g.stats.Bytes += uint32(r.Actual)
	g.stats.Transfers++
	g.mu.Unlock()

	if err := g.primeOut(); err != nil {
		pkg.LogWarn(pkg.ComponentGadget, "loopback OUT queue failed", "error", err)
	}
}
