package hal

import (
	"github.com/ardnew/softudc/usb"
)

// Kind selects which half of the active endpoint an operation applies to.
type Kind uint8

// Endpoint kinds.
const (
	KindEP0 Kind = iota // control endpoint
	KindTX              // IN, device to host
	KindRX              // OUT, host to device
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindEP0:
		return "ep0"
	case KindTX:
		return "tx"
	case KindRX:
		return "rx"
	default:
		return "kind?"
	}
}

// Bus-level interrupt bits reported by [Registers.MiscPending].
const (
	MiscSuspend    uint32 = 1 << 0
	MiscResume     uint32 = 1 << 1
	MiscReset      uint32 = 1 << 2
	MiscSOF        uint32 = 1 << 3
	MiscConnect    uint32 = 1 << 4
	MiscDisconnect uint32 = 1 << 5
	MiscSessionReq uint32 = 1 << 6
	MiscVBusError  uint32 = 1 << 7

	// MiscAll covers every bus-level interrupt source.
	MiscAll uint32 = 0xFF
)

// EP0Interrupt is the transmit interrupt bit shared by both directions of
// the control endpoint.
const EP0Interrupt uint32 = 1 << 0

// EndpointSelector selects the endpoint that indexed register operations
// act on.
type EndpointSelector interface {
	SelectEndpoint(index uint8)
	ActiveEndpoint() uint8
}

// FIFOAccess moves packet data between memory and an endpoint FIFO.
type FIFOAccess interface {
	// FIFOCount returns the byte count of the received packet waiting in
	// the active endpoint's FIFO.
	FIFOCount(k Kind) int

	// ReadFIFO copies len(p) bytes of the waiting packet from the FIFO of
	// endpoint index and returns the count copied.
	ReadFIFO(index uint8, p []byte) int

	// WriteFIFO loads p into the FIFO of endpoint index.
	WriteFIFO(index uint8, p []byte) int
}

// DataStatus hands packets between software and the serial engine.
type DataStatus interface {
	// ReadDataStatus releases the received packet. last additionally
	// marks the end of a control data stage.
	ReadDataStatus(k Kind, last bool) error

	// WriteDataStatus arms the loaded packet for transmission. last
	// additionally marks the end of a control data stage.
	WriteDataStatus(k Kind, last bool) error

	// ReadDataReady reports whether a received packet is waiting.
	ReadDataReady(k Kind) bool

	// WritePending reports whether an armed packet has not yet been
	// collected by the host.
	WritePending(k Kind) bool

	// FIFONotEmpty reports whether the transmit FIFO still holds data,
	// including packets loaded by DMA.
	FIFONotEmpty(k Kind) bool
}

// StallControl reports and manipulates protocol stalls.
type StallControl interface {
	Stalled(k Kind) bool
	SendStall(k Kind)
	ClearStall(k Kind)

	// SetupEnd reports that the host ended a control transfer before its
	// data stage completed.
	SetupEnd() bool
	ClearSetupEnd()
}

// DeviceControl covers device-wide state.
type DeviceControl interface {
	SetAddress(addr uint8)
	SetDefaultAddress()

	// Speed returns the speed negotiated during the last reset.
	Speed() usb.Speed

	// SetTransferMode selects whether high-speed negotiation is allowed.
	SetTransferMode(highSpeed bool)

	// Connect switches the D+ pull-up on or off.
	Connect(on bool)

	EnterTestMode(sel usb.TestSelector)
}

// InterruptControl exposes the pending and enable registers.
type InterruptControl interface {
	MiscPending() uint32
	ClearMisc(mask uint32)
	EnableMisc(mask uint32)
	DisableMisc(mask uint32)

	// EndpointPending returns one bit per endpoint index for k, which is
	// KindTX or KindRX. The control endpoint reports through bit 0 of the
	// transmit register.
	EndpointPending(k Kind) uint32
	ClearEndpoint(k Kind, mask uint32)
	EnableEndpoint(k Kind, index uint8)
	DisableEndpoint(k Kind, index uint8)
	DisableAllEndpoints(k Kind)
}

// EndpointSetup programs endpoint and FIFO layout on the active endpoint.
type EndpointSetup interface {
	ResetEndpoint(k Kind)
	FlushFIFO(k Kind)
	ConfigureEndpoint(k Kind, t usb.TransferType, doubleBuffer bool, maxPacket uint16)
	ConfigureFIFO(k Kind, addr uint32, size uint16, doubleBuffer bool)
	EnableISOUpdate()

	// ConfigureEndpointDMA switches the endpoint FIFO to the DMA bus.
	ConfigureEndpointDMA(k Kind)

	// ClearEndpointDMA returns the endpoint FIFO to the CPU bus.
	ClearEndpointDMA(k Kind)
}

// Registers is the full register interface of the OTG core in peripheral
// mode.
type Registers interface {
	EndpointSelector
	FIFOAccess
	DataStatus
	StallControl
	DeviceControl
	InterruptControl
	EndpointSetup
}
