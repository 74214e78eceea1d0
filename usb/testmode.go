package usb

// TestSelector selects a USB 2.0 electrical test mode (Table 9-7).
type TestSelector uint8

// Test mode selectors.
const (
	TestJ           TestSelector = 0x01
	TestK           TestSelector = 0x02
	TestSE0NAK      TestSelector = 0x03
	TestPacket      TestSelector = 0x04
	TestForceEnable TestSelector = 0x05
)

// Valid reports whether a device controller can enter the selected mode.
// Force-enable applies to downstream hub ports only.
func (t TestSelector) Valid() bool {
	return t >= TestJ && t <= TestPacket
}

// String returns the selector name.
func (t TestSelector) String() string {
	switch t {
	case TestJ:
		return "TEST_J"
	case TestK:
		return "TEST_K"
	case TestSE0NAK:
		return "TEST_SE0_NAK"
	case TestPacket:
		return "TEST_PACKET"
	case TestForceEnable:
		return "TEST_FORCE_ENABLE"
	default:
		return "TEST_NONE"
	}
}

// TestPacketData is the 53-byte payload plus trailing zero defined by USB
// 2.0 section 7.1.20, written to the ep0 FIFO before entering TEST_PACKET.
var TestPacketData = [54]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA,
	0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE,
	0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0x7F, 0xBF, 0xDF, 0xEF, 0xF7, 0xFB, 0xFD,
	0xFC, 0x7E, 0xBF, 0xDF, 0xEF, 0xF7, 0xFB, 0xFD, 0x7E,
	0x00,
}
