package usb

// Speed is the negotiated bus speed.
type Speed uint8

// Bus speeds. SpeedUnknown means no speed has been latched since the last
// reset.
const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
)

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low-speed"
	case SpeedFull:
		return "full-speed"
	case SpeedHigh:
		return "high-speed"
	default:
		return "unknown"
	}
}

// MaxPacketSize0 returns the ep0 packet size used at this speed.
func (s Speed) MaxPacketSize0() uint16 {
	if s == SpeedLow {
		return 8
	}
	return 64
}

// BulkMaxPacketSize returns the largest bulk packet allowed at this speed.
func (s Speed) BulkMaxPacketSize() uint16 {
	if s == SpeedHigh {
		return 512
	}
	return 64
}
