package udc

import (
	"fmt"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal"
	"github.com/ardnew/softudc/usb"
)

// FIFORAMSize is the FIFO memory available to all endpoints, in bytes.
const FIFORAMSize = 8192

// EndpointConfig describes one hardware endpoint and its FIFO allocation.
type EndpointConfig struct {
	Name string

	// Address carries the hardware endpoint number and, unless
	// AnyDirection is set, the direction bit.
	Address usb.Address

	// AnyDirection lets the endpoint take its direction from the
	// descriptor it is enabled with.
	AnyDirection bool

	Type      usb.TransferType
	MaxPacket uint16

	FIFOAddr   uint32
	FIFOSize   uint16
	DoubleFIFO bool
}

// DefaultEndpoints returns the endpoint and FIFO layout of the SoC
// controller: a 512-byte control FIFO followed by double-buffered bulk
// pairs on endpoints 1, 2 and 5, an isochronous endpoint 3 and an
// interrupt endpoint 4.
func DefaultEndpoints() []EndpointConfig {
	return []EndpointConfig{
		{Name: "ep0", Address: 0, Type: usb.TransferControl, MaxPacket: 64, FIFOAddr: 0, FIFOSize: 512},
		{Name: "ep1in-bulk", Address: 0x81, Type: usb.TransferBulk, MaxPacket: 512, FIFOAddr: 512, FIFOSize: 1024, DoubleFIFO: true},
		{Name: "ep1out-bulk", Address: 0x01, Type: usb.TransferBulk, MaxPacket: 512, FIFOAddr: 1536, FIFOSize: 1024, DoubleFIFO: true},
		{Name: "ep2in-bulk", Address: 0x82, Type: usb.TransferBulk, MaxPacket: 512, FIFOAddr: 2560, FIFOSize: 1024, DoubleFIFO: true},
		{Name: "ep2out-bulk", Address: 0x02, Type: usb.TransferBulk, MaxPacket: 512, FIFOAddr: 3584, FIFOSize: 1024, DoubleFIFO: true},
		{Name: "ep3-iso", Address: 0x03, AnyDirection: true, Type: usb.TransferIsochronous, MaxPacket: 1024, FIFOAddr: 4608, FIFOSize: 1024},
		{Name: "ep4-int", Address: 0x04, AnyDirection: true, Type: usb.TransferInterrupt, MaxPacket: 512, FIFOAddr: 5632, FIFOSize: 512},
		{Name: "ep5in-bulk", Address: 0x85, Type: usb.TransferBulk, MaxPacket: 512, FIFOAddr: 6144, FIFOSize: 1024, DoubleFIFO: true},
		{Name: "ep5out-bulk", Address: 0x05, Type: usb.TransferBulk, MaxPacket: 512, FIFOAddr: 7168, FIFOSize: 1024, DoubleFIFO: true},
	}
}

// Config configures a Controller.
type Config struct {
	// Registers is the register and FIFO access layer. Required.
	Registers hal.Registers

	// DMA is the channel engine. Nil disables DMA transfers.
	DMA hal.DMA

	// Endpoints is the endpoint table. The first entry must be the
	// control endpoint. Defaults to DefaultEndpoints.
	Endpoints []EndpointConfig

	// DualSpeed allows the controller to negotiate high speed.
	DualSpeed bool

	// Name identifies the controller in logs.
	Name string
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Registers == nil {
		return fmt.Errorf("registers: %w", pkg.ErrInvalidParameter)
	}
	if c.Name == "" {
		c.Name = "sunxi_usb_udc"
	}
	if len(c.Endpoints) == 0 {
		c.Endpoints = DefaultEndpoints()
	}

	ep0 := c.Endpoints[0]
	if ep0.Address != 0 || ep0.Type != usb.TransferControl {
		return fmt.Errorf("endpoint table must start with ep0: %w", pkg.ErrInvalidParameter)
	}

	type slot struct{ in, out bool }
	seen := make(map[uint8]*slot)
	names := make(map[string]bool)
	for i, ep := range c.Endpoints {
		if ep.Name == "" || names[ep.Name] {
			return fmt.Errorf("endpoint %d: name %q: %w", i, ep.Name, pkg.ErrInvalidParameter)
		}
		names[ep.Name] = true
		if ep.MaxPacket == 0 || ep.MaxPacket > usb.MaxPacketSizeMask {
			return fmt.Errorf("%s: max packet %d: %w", ep.Name, ep.MaxPacket, pkg.ErrInvalidParameter)
		}
		if uint32(ep.FIFOAddr)+uint32(ep.FIFOSize) > FIFORAMSize {
			return fmt.Errorf("%s: FIFO %d+%d: %w", ep.Name, ep.FIFOAddr, ep.FIFOSize, pkg.ErrNoResources)
		}
		for _, prev := range c.Endpoints[:i] {
			if fifoOverlap(prev, ep) {
				return fmt.Errorf("%s: FIFO overlaps %s: %w", ep.Name, prev.Name, pkg.ErrNoResources)
			}
		}
		if i > 0 && ep.Address.Number() == 0 {
			return fmt.Errorf("%s: second control endpoint: %w", ep.Name, pkg.ErrInvalidParameter)
		}
		s := seen[ep.Address.Number()]
		if s == nil {
			s = &slot{}
			seen[ep.Address.Number()] = s
		}
		in := ep.AnyDirection || ep.Address.IsIn()
		out := ep.AnyDirection || !ep.Address.IsIn()
		if i > 0 && ((in && s.in) || (out && s.out)) {
			return fmt.Errorf("%s: hardware endpoint %d reused: %w",
				ep.Name, ep.Address.Number(), pkg.ErrInvalidParameter)
		}
		s.in = s.in || in
		s.out = s.out || out
	}
	return nil
}

// fifoOverlap reports whether the FIFO regions of a and b share any byte.
func fifoOverlap(a, b EndpointConfig) bool {
	if a.FIFOSize == 0 || b.FIFOSize == 0 {
		return false
	}
	return a.FIFOAddr < b.FIFOAddr+uint32(b.FIFOSize) &&
		b.FIFOAddr < a.FIFOAddr+uint32(a.FIFOSize)
}
