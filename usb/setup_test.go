package usb

import (
	"errors"
	"testing"

	"github.com/ardnew/softudc/pkg"
)

func TestParseSetupPacket(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    SetupPacket
		wantErr error
	}{
		{
			name: "GET_DESCRIPTOR device",
			data: []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
			want: SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18},
		},
		{
			name: "SET_ADDRESS",
			data: []byte{0x00, 0x05, 0x85, 0x00, 0x00, 0x00, 0x00, 0x00},
			want: SetupPacket{Request: 0x05, Value: 0x85},
		},
		{
			name: "TEST_MODE packet",
			data: []byte{0x00, 0x03, 0x02, 0x00, 0x00, 0x04, 0x00, 0x00},
			want: SetupPacket{Request: 0x03, Value: 0x02, Index: 0x0400},
		},
		{
			name:    "too short",
			data:    []byte{0x80, 0x06, 0x00},
			wantErr: pkg.ErrSetupPacketTooShort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got SetupPacket
			err := ParseSetupPacket(tt.data, &got)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseSetupPacket() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if got != tt.want {
				t.Errorf("ParseSetupPacket() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSetupPacketBytes(t *testing.T) {
	sp := GetDescriptorSetup(DescriptorTypeString, 2, 0x00FF)
	var back SetupPacket
	if err := ParseSetupPacket(sp.Bytes(), &back); err != nil {
		t.Fatalf("ParseSetupPacket() error = %v", err)
	}
	if back != sp {
		t.Errorf("decoded %+v, want %+v", back, sp)
	}
	if n := sp.MarshalTo(make([]byte, 4)); n != 0 {
		t.Errorf("MarshalTo(short) = %d, want 0", n)
	}
}

func TestSetupPacketAccessors(t *testing.T) {
	tests := []struct {
		name      string
		sp        SetupPacket
		in        bool
		standard  bool
		recipient uint8
	}{
		{"get descriptor", GetDescriptorSetup(DescriptorTypeDevice, 0, 18), true, true, RequestRecipientDevice},
		{"set address", SetAddressSetup(3), false, true, RequestRecipientDevice},
		{"set interface", SetInterfaceSetup(1, 2), false, true, RequestRecipientInterface},
		{"endpoint status", GetStatusSetup(RequestRecipientEndpoint, 0x81), true, true, RequestRecipientEndpoint},
		{"vendor in", VendorSetup(true, 0x42, 0, 0, 4), true, false, RequestRecipientDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sp.IsDeviceToHost(); got != tt.in {
				t.Errorf("IsDeviceToHost() = %v, want %v", got, tt.in)
			}
			if got := tt.sp.IsStandard(); got != tt.standard {
				t.Errorf("IsStandard() = %v, want %v", got, tt.standard)
			}
			if got := tt.sp.Recipient(); got != tt.recipient {
				t.Errorf("Recipient() = %d, want %d", got, tt.recipient)
			}
		})
	}
}

func TestSetupPacketFields(t *testing.T) {
	sp := SetAddressSetup(0xFF)
	if got := sp.Address(); got != 0x7F {
		t.Errorf("Address() = 0x%02X, want 0x7F", got)
	}

	sp = GetStatusSetup(RequestRecipientEndpoint, 0x82)
	if got := sp.EndpointNumber(); got != 2 {
		t.Errorf("EndpointNumber() = %d, want 2", got)
	}

	sp = TestModeSetup(TestSE0NAK)
	if got := sp.TestSelector(); got != TestSE0NAK {
		t.Errorf("TestSelector() = %v, want %v", got, TestSE0NAK)
	}
	if sp.Value != FeatureTestMode {
		t.Errorf("Value = %d, want %d", sp.Value, FeatureTestMode)
	}

	sp = GetDescriptorSetup(DescriptorTypeConfiguration, 1, 9)
	if sp.DescriptorType() != DescriptorTypeConfiguration || sp.DescriptorIndex() != 1 {
		t.Errorf("descriptor = (%d, %d), want (2, 1)", sp.DescriptorType(), sp.DescriptorIndex())
	}
}

func TestSetupPacketString(t *testing.T) {
	sp := VendorSetup(false, 0x10, 0x1234, 0, 0)
	want := "SETUP[OUT vendor rcpt=0] req=0x10 val=0x1234 idx=0x0000 len=0"
	if got := sp.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
