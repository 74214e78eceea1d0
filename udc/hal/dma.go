package hal

import (
	"github.com/ardnew/softudc/usb"
)

// Direction is the DMA mapping direction.
type Direction uint8

// Mapping directions.
const (
	ToDevice   Direction = iota // memory to FIFO, IN endpoints
	FromDevice                  // FIFO to memory, OUT endpoints
)

// Addr is a bus address returned by [DMA.Map].
type Addr uint64

// InvalidAddr marks a buffer that has no bus mapping.
const InvalidAddr Addr = 0

// DMA is the channel engine that moves packets between memory and
// endpoint FIFOs. Channel numbers index the bits of [DMA.Pending].
type DMA interface {
	// Map makes buf visible to the engine and returns its bus address.
	Map(buf []byte, dir Direction) (Addr, error)
	Unmap(addr Addr, size int, dir Direction)

	// SyncForDevice and SyncForCPU transfer ownership of a buffer the
	// caller mapped itself.
	SyncForDevice(addr Addr, size int, dir Direction)
	SyncForCPU(addr Addr, size int, dir Direction)

	// Configure claims a channel for ep and programs a transfer of size
	// bytes at addr.
	Configure(ep usb.Address, addr Addr, size int) (channel int, err error)

	// Start begins the transfer programmed on channel.
	Start(channel int) error

	// Stop aborts any transfer in progress on ep.
	Stop(ep usb.Address)

	// Busy reports whether a transfer on ep has not completed.
	Busy(ep usb.Address) bool

	// Transferred returns the bytes moved by the last transfer on ep.
	Transferred(ep usb.Address) int

	Pending() uint32
	ClearPending(mask uint32)

	// Endpoint returns the endpoint a channel was configured for.
	Endpoint(channel int) (usb.Address, bool)

	// Release returns channel to the free pool.
	Release(channel int)
}
