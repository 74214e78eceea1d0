package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softudc/pkg"
)

// Standard request codes (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Feature selectors (USB 2.0 Table 9-6).
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// bmRequestType fields (USB 2.0 Table 9-2).
const (
	RequestTypeDirectionMask = 0x80
	RequestTypeTypeMask      = 0x60
	RequestTypeRecipientMask = 0x1F

	RequestDirectionHostToDevice = 0x00
	RequestDirectionDeviceToHost = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
	RequestRecipientOther     = 0x03
)

// Device status bits reported by GET_STATUS (USB 2.0 Figure 9-4).
const (
	StatusSelfPowered  = 0x01
	StatusRemoteWakeup = 0x02
	StatusHalt         = 0x01 // endpoint recipient
)

// SetupPacketSize is the size of a SETUP packet in bytes.
const SetupPacketSize = 8

// SetupPacket is the 8-byte control request received in a SETUP stage.
type SetupPacket struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue
	Index       uint16 // wIndex
	Length      uint16 // wLength
}

// ParseSetupPacket decodes data into out. Multi-byte fields are little-endian.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupPacketTooShort
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// MarshalTo encodes the packet into buf and returns the bytes written, or 0
// when buf is shorter than [SetupPacketSize].
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// Bytes returns the 8-byte wire encoding.
func (s SetupPacket) Bytes() []byte {
	b := make([]byte, SetupPacketSize)
	s.MarshalTo(b)
	return b
}

// IsDeviceToHost reports whether the data stage (if any) is IN.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&RequestTypeDirectionMask == RequestDirectionDeviceToHost
}

// Type returns the request type bits.
func (s *SetupPacket) Type() uint8 { return s.RequestType & RequestTypeTypeMask }

// Recipient returns the recipient bits.
func (s *SetupPacket) Recipient() uint8 { return s.RequestType & RequestTypeRecipientMask }

// IsStandard reports whether this is a chapter 9 standard request.
func (s *SetupPacket) IsStandard() bool { return s.Type() == RequestTypeStandard }

// DescriptorType returns the descriptor type from the wValue high byte.
func (s *SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex returns the descriptor index from the wValue low byte.
func (s *SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

// Address returns the 7-bit device address carried by SET_ADDRESS.
func (s *SetupPacket) Address() uint8 { return uint8(s.Value & 0x7F) }

// EndpointNumber returns the endpoint number addressed by wIndex.
func (s *SetupPacket) EndpointNumber() uint8 { return uint8(s.Index) & EndpointNumberMask }

// TestSelector returns the test-mode selector from the wIndex high byte.
func (s *SetupPacket) TestSelector() TestSelector { return TestSelector(s.Index >> 8) }

// String returns a human-readable representation of the setup packet.
func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	kind := "std"
	switch s.Type() {
	case RequestTypeClass:
		kind = "class"
	case RequestTypeVendor:
		kind = "vendor"
	}
	return fmt.Sprintf("SETUP[%s %s rcpt=%d] req=0x%02X val=0x%04X idx=0x%04X len=%d",
		dir, kind, s.Recipient(), s.Request, s.Value, s.Index, s.Length)
}

// GetDescriptorSetup returns a GET_DESCRIPTOR request.
func GetDescriptorSetup(descType, descIndex uint8, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Length:      length,
	}
}

// SetAddressSetup returns a SET_ADDRESS request.
func SetAddressSetup(address uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionHostToDevice | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestSetAddress,
		Value:       uint16(address),
	}
}

// SetConfigurationSetup returns a SET_CONFIGURATION request.
func SetConfigurationSetup(config uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionHostToDevice | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(config),
	}
}

// GetConfigurationSetup returns a GET_CONFIGURATION request.
func GetConfigurationSetup() SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestGetConfiguration,
		Length:      1,
	}
}

// SetInterfaceSetup returns a SET_INTERFACE request.
func SetInterfaceSetup(iface, alt uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionHostToDevice | RequestTypeStandard | RequestRecipientInterface,
		Request:     RequestSetInterface,
		Value:       uint16(alt),
		Index:       uint16(iface),
	}
}

// GetStatusSetup returns a GET_STATUS request for recipient.
func GetStatusSetup(recipient uint8, index uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | recipient,
		Request:     RequestGetStatus,
		Index:       index,
		Length:      2,
	}
}

// SetFeatureSetup returns a SET_FEATURE request.
func SetFeatureSetup(recipient uint8, feature, index uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionHostToDevice | RequestTypeStandard | recipient,
		Request:     RequestSetFeature,
		Value:       feature,
		Index:       index,
	}
}

// ClearFeatureSetup returns a CLEAR_FEATURE request.
func ClearFeatureSetup(recipient uint8, feature, index uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionHostToDevice | RequestTypeStandard | recipient,
		Request:     RequestClearFeature,
		Value:       feature,
		Index:       index,
	}
}

// TestModeSetup returns SET_FEATURE(TEST_MODE) with the selector in the
// wIndex high byte.
func TestModeSetup(sel TestSelector) SetupPacket {
	return SetFeatureSetup(RequestRecipientDevice, FeatureTestMode, uint16(sel)<<8)
}

// VendorSetup returns a vendor request to the device recipient.
func VendorSetup(in bool, request uint8, value, index, length uint16) SetupPacket {
	dir := uint8(RequestDirectionHostToDevice)
	if in {
		dir = RequestDirectionDeviceToHost
	}
	return SetupPacket{
		RequestType: dir | RequestTypeVendor | RequestRecipientDevice,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}
