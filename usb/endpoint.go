package usb

import "fmt"

// Endpoint address fields.
const (
	EndpointDirIn      = 0x80
	EndpointNumberMask = 0x0F
)

// TransferType is the bmAttributes transfer type of an endpoint.
type TransferType uint8

// Transfer types (USB 2.0 Table 9-13).
const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

// TransferTypeMask selects the transfer type from bmAttributes.
const TransferTypeMask = 0x03

// MaxPacketSizeMask selects the packet size from wMaxPacketSize, dropping
// the high-bandwidth multiplier bits.
const MaxPacketSizeMask = 0x07FF

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "iso"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "int"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Address is an endpoint address: number in the low nibble, direction in
// bit 7.
type Address uint8

// Number returns the endpoint number.
func (a Address) Number() uint8 { return uint8(a) & EndpointNumberMask }

// IsIn reports whether the endpoint transfers device-to-host.
func (a Address) IsIn() bool { return uint8(a)&EndpointDirIn != 0 }

// String returns the conventional "epNin"/"epNout" name.
func (a Address) String() string {
	if a.Number() == 0 {
		return "ep0"
	}
	if a.IsIn() {
		return fmt.Sprintf("ep%din", a.Number())
	}
	return fmt.Sprintf("ep%dout", a.Number())
}
