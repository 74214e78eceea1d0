package usb

import (
	"errors"
	"testing"

	"github.com/ardnew/softudc/pkg"
)

func TestDeviceDescriptor(t *testing.T) {
	d := DeviceDescriptor{
		USBVersion:        0x0200,
		MaxPacketSize0:    64,
		VendorID:          0x1F3A,
		ProductID:         0xEFE8,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		NumConfigurations: 1,
	}

	buf := make([]byte, DeviceDescriptorSize)
	if n := d.MarshalTo(buf); n != DeviceDescriptorSize {
		t.Fatalf("MarshalTo() = %d, want %d", n, DeviceDescriptorSize)
	}
	if buf[0] != 18 || buf[1] != DescriptorTypeDevice {
		t.Errorf("header = % X, want 12 01", buf[:2])
	}

	var got DeviceDescriptor
	if err := ParseDeviceDescriptor(buf, &got); err != nil {
		t.Fatalf("ParseDeviceDescriptor() error = %v", err)
	}
	if got != d {
		t.Errorf("ParseDeviceDescriptor() = %+v, want %+v", got, d)
	}

	buf[1] = DescriptorTypeString
	if err := ParseDeviceDescriptor(buf, &got); !errors.Is(err, pkg.ErrDescriptorTypeMismatch) {
		t.Errorf("wrong type error = %v, want %v", err, pkg.ErrDescriptorTypeMismatch)
	}
	if err := ParseDeviceDescriptor(buf[:8], &got); !errors.Is(err, pkg.ErrDescriptorTooShort) {
		t.Errorf("short error = %v, want %v", err, pkg.ErrDescriptorTooShort)
	}
}

func TestConfigurationDescriptorOtherSpeed(t *testing.T) {
	c := ConfigurationDescriptor{TotalLength: 32, NumInterfaces: 1, ConfigurationValue: 1, Attributes: ConfigAttrBusPowered, MaxPower: 50}
	buf := make([]byte, ConfigurationDescriptorSize)
	c.MarshalTo(buf, DescriptorTypeOtherSpeedConfig)
	if buf[1] != DescriptorTypeOtherSpeedConfig {
		t.Errorf("type = %d, want %d", buf[1], DescriptorTypeOtherSpeedConfig)
	}
	var got ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(buf, &got); err != nil {
		t.Fatalf("ParseConfigurationDescriptor() error = %v", err)
	}
	if got != c {
		t.Errorf("ParseConfigurationDescriptor() = %+v, want %+v", got, c)
	}
}

func TestEndpointDescriptor(t *testing.T) {
	tests := []struct {
		name     string
		desc     EndpointDescriptor
		wantType TransferType
		wantSize uint16
	}{
		{"bulk in", EndpointDescriptor{EndpointAddress: 0x81, Attributes: 0x02, MaxPacketSize: 512}, TransferBulk, 512},
		{"iso high bandwidth", EndpointDescriptor{EndpointAddress: 0x03, Attributes: 0x05, MaxPacketSize: 0x1400}, TransferIsochronous, 0x400},
		{"interrupt", EndpointDescriptor{EndpointAddress: 0x84, Attributes: 0x03, MaxPacketSize: 8, Interval: 4}, TransferInterrupt, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.desc.Type(); got != tt.wantType {
				t.Errorf("Type() = %v, want %v", got, tt.wantType)
			}
			if got := tt.desc.PacketSize(); got != tt.wantSize {
				t.Errorf("PacketSize() = %d, want %d", got, tt.wantSize)
			}
			buf := make([]byte, EndpointDescriptorSize)
			tt.desc.MarshalTo(buf)
			var back EndpointDescriptor
			if err := ParseEndpointDescriptor(buf, &back); err != nil {
				t.Fatalf("ParseEndpointDescriptor() error = %v", err)
			}
			if back != tt.desc {
				t.Errorf("ParseEndpointDescriptor() = %+v, want %+v", back, tt.desc)
			}
		})
	}
}

func TestStringDescriptor(t *testing.T) {
	buf := make([]byte, 64)
	n := StringDescriptorTo(buf, "UDC")
	if n != 8 {
		t.Fatalf("StringDescriptorTo() = %d, want 8", n)
	}
	got, err := DecodeString(buf[:n])
	if err != nil {
		t.Fatalf("DecodeString() error = %v", err)
	}
	if got != "UDC" {
		t.Errorf("DecodeString() = %q, want %q", got, "UDC")
	}

	if n := StringDescriptorTo(make([]byte, 4), "too long"); n != 0 {
		t.Errorf("StringDescriptorTo(short buf) = %d, want 0", n)
	}

	n = LanguageDescriptorTo(buf, LangIDUSEnglish)
	if n != 4 || buf[2] != 0x09 || buf[3] != 0x04 {
		t.Errorf("LanguageDescriptorTo() = % X", buf[:n])
	}
}

func TestAddress(t *testing.T) {
	tests := []struct {
		addr Address
		num  uint8
		in   bool
		name string
	}{
		{0x00, 0, false, "ep0"},
		{0x81, 1, true, "ep1in"},
		{0x02, 2, false, "ep2out"},
		{0x85, 5, true, "ep5in"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.addr.Number() != tt.num || tt.addr.IsIn() != tt.in {
				t.Errorf("Address(0x%02X) = (%d, %v), want (%d, %v)", uint8(tt.addr), tt.addr.Number(), tt.addr.IsIn(), tt.num, tt.in)
			}
			if got := tt.addr.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
		})
	}
}

func TestTestSelector(t *testing.T) {
	for _, sel := range []TestSelector{TestJ, TestK, TestSE0NAK, TestPacket} {
		if !sel.Valid() {
			t.Errorf("%v.Valid() = false, want true", sel)
		}
	}
	for _, sel := range []TestSelector{0, TestForceEnable, 0xC0} {
		if sel.Valid() {
			t.Errorf("%v.Valid() = true, want false", sel)
		}
	}
	if TestPacketData[len(TestPacketData)-2] != 0x7E || TestPacketData[9] != 0xAA {
		t.Error("TestPacketData pattern mismatch")
	}
}

func TestSpeed(t *testing.T) {
	tests := []struct {
		speed Speed
		name  string
		bulk  uint16
	}{
		{SpeedUnknown, "unknown", 64},
		{SpeedFull, "full-speed", 64},
		{SpeedHigh, "high-speed", 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.speed.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.speed.BulkMaxPacketSize(); got != tt.bulk {
				t.Errorf("BulkMaxPacketSize() = %d, want %d", got, tt.bulk)
			}
		})
	}
}
