package udc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal/sim"
	"github.com/ardnew/softudc/usb"
)

// replyWith makes the driver answer every IN request with data.
func replyWith(data []byte, zero bool) func(c *Controller, sp usb.SetupPacket) error {
	return func(c *Controller, sp usb.SetupPacket) error {
		r := c.EP0().AllocRequest()
		r.Buf = data[:min(len(data), int(sp.Length))]
		r.Zero = zero
		r.Complete = func(*Endpoint, *Request) {}
		return c.EP0().Queue(r)
	}
}

func TestEP0StateString(t *testing.T) {
	tests := []struct {
		state EP0State
		want  string
	}{
		{EP0Idle, "idle"},
		{EP0InDataPhase, "in-data"},
		{EP0OutDataPhase, "out-data"},
		{EP0EndXfer, "end-xfer"},
		{EP0Stall, "stall"},
		{EP0State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()
	h.enable("ep1in-bulk", 0x81)

	status := func(recipient uint8, index uint16) []byte {
		t.Helper()
		data, err := h.hw.ControlIn(usb.GetStatusSetup(recipient, index))
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, []byte{0x01, 0x00}, status(usb.RequestRecipientDevice, 0))
	assert.Equal(t, []byte{0x00, 0x00}, status(usb.RequestRecipientInterface, 0))
	assert.Equal(t, []byte{0x00, 0x00}, status(usb.RequestRecipientEndpoint, 0x81))

	require.NoError(t, h.hw.ControlOut(usb.SetFeatureSetup(usb.RequestRecipientDevice, usb.FeatureDeviceRemoteWakeup, 0), nil))
	assert.True(t, h.c.RemoteWakeup())
	assert.Equal(t, []byte{0x03, 0x00}, status(usb.RequestRecipientDevice, 0))

	require.NoError(t, h.hw.ControlOut(usb.ClearFeatureSetup(usb.RequestRecipientDevice, usb.FeatureDeviceRemoteWakeup, 0), nil))
	assert.False(t, h.c.RemoteWakeup())

	assert.Empty(t, h.drv.Setups(), "standard status requests never reach the driver")
}

func TestGetStatusTruncated(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()

	sp := usb.GetStatusSetup(usb.RequestRecipientDevice, 0)
	sp.Length = 1
	data, err := h.hw.ControlIn(sp)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, data)
}

func TestGetStatusUnknownEndpoint(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()

	_, err := h.hw.ControlIn(usb.GetStatusSetup(usb.RequestRecipientEndpoint, 0x86))
	assert.ErrorIs(t, err, sim.ErrStall)
	assert.Len(t, h.drv.Setups(), 1, "unanswered status request goes to the driver")
	assert.Equal(t, EP0Idle, h.c.EP0State())
	assert.False(t, h.hw.EndpointStalled(0, true))
}

func TestGetStatusHighEndpoint(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()
	in := h.enable("ep5in-bulk", 0x85)
	require.NoError(t, in.SetHalt(true))

	data, err := h.hw.ControlIn(usb.GetStatusSetup(usb.RequestRecipientEndpoint, 0x85))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, data)
	assert.Empty(t, h.drv.Setups())
}

func TestEndpointHaltFeature(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()
	in := h.enable("ep1in-bulk", 0x81)

	require.NoError(t, h.hw.ControlOut(usb.SetFeatureSetup(usb.RequestRecipientEndpoint, usb.FeatureEndpointHalt, 0x81), nil))
	assert.True(t, in.Halted())
	assert.True(t, h.hw.EndpointStalled(1, true))
	assert.False(t, h.hw.EndpointStalled(1, false))

	data, err := h.hw.ControlIn(usb.GetStatusSetup(usb.RequestRecipientEndpoint, 0x81))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, data)

	// The host sees the stall; a functional halt survives it.
	_, err = h.hw.TakeIn(1)
	assert.ErrorIs(t, err, sim.ErrStall)
	assert.True(t, h.hw.EndpointStalled(1, true))

	require.NoError(t, h.hw.ControlOut(usb.ClearFeatureSetup(usb.RequestRecipientEndpoint, usb.FeatureEndpointHalt, 0x81), nil))
	assert.False(t, in.Halted())
	assert.False(t, h.hw.EndpointStalled(1, true))

	// Unknown endpoints are ignored.
	require.NoError(t, h.hw.ControlOut(usb.SetFeatureSetup(usb.RequestRecipientEndpoint, usb.FeatureEndpointHalt, 0x86), nil))
	assert.Empty(t, h.drv.Setups())
}

func TestEP0HaltFeatureKeepsPipeUsable(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()
	h.drv.handle(replyWith([]byte{1, 2, 3}, false))

	require.NoError(t, h.hw.ControlOut(usb.SetFeatureSetup(usb.RequestRecipientEndpoint, usb.FeatureEndpointHalt, 0), nil))
	assert.False(t, h.c.EP0().Halted())

	data, err := h.hw.ControlIn(usb.VendorSetup(true, 0x42, 0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, EP0Idle, h.c.EP0State())
}

func TestSetAddressAppliedAfterStatus(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()

	h.hw.Setup(usb.SetAddressSetup(9))
	assert.Zero(t, h.c.Address(), "address is not applied before the status stage")
	assert.Zero(t, h.hw.Address())
	assert.Equal(t, EP0EndXfer, h.c.EP0State())

	require.NoError(t, h.hw.StatusStage())
	assert.Equal(t, uint8(9), h.c.Address())
	assert.Equal(t, uint8(9), h.hw.Address())
	assert.Equal(t, EP0Idle, h.c.EP0State())
	assert.Empty(t, h.drv.Setups())
}

func TestTestMode(t *testing.T) {
	tests := []struct {
		name   string
		sel    usb.TestSelector
		want   usb.TestSelector
		wakeup bool
	}{
		{"J", usb.TestJ, usb.TestJ, false},
		{"K", usb.TestK, usb.TestK, false},
		{"SE0_NAK", usb.TestSE0NAK, usb.TestSE0NAK, false},
		{"packet", usb.TestPacket, usb.TestPacket, false},
		{"force enable", usb.TestForceEnable, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			h.connect()

			h.hw.Setup(usb.TestModeSetup(tt.sel))
			assert.Zero(t, h.hw.TestMode(), "test mode waits for the status stage")
			require.NoError(t, h.hw.StatusStage())

			assert.Equal(t, tt.want, h.hw.TestMode())
			assert.Equal(t, tt.wakeup, h.c.RemoteWakeup())

			if tt.sel == usb.TestPacket {
				pkt, err := h.hw.TakeIn(0)
				require.NoError(t, err)
				assert.Equal(t, usb.TestPacketData[:], pkt)
			}
		})
	}
}

func TestMalformedSetupStalls(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short", []byte{0x80, 0x06, 0x00, 0x01}},
		{"long", bytes.Repeat([]byte{0x80}, 10)},
		{"empty", []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			h.connect()

			h.hw.SetupRaw(tt.raw)
			assert.True(t, h.hw.EndpointStalled(0, false))
			assert.Equal(t, EP0Idle, h.c.EP0State())
			assert.Empty(t, h.drv.Setups())

			assert.ErrorIs(t, h.hw.StatusStage(), sim.ErrStall)
			assert.False(t, h.hw.EndpointStalled(0, false), "stall cleared once sent")

			_, err := h.hw.ControlIn(usb.GetStatusSetup(usb.RequestRecipientDevice, 0))
			assert.NoError(t, err)
		})
	}
}

func TestControlIn(t *testing.T) {
	payload := make([]byte, 150)
	for i := range payload {
		payload[i] = byte(i)
	}

	h := newHarness(t, harnessOptions{})
	h.connect()
	h.drv.handle(replyWith(payload, false))

	sp := usb.VendorSetup(true, 0x42, 0x1234, 0x0001, 200)
	data, err := h.hw.ControlIn(sp)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	setups := h.drv.Setups()
	require.Len(t, setups, 1)
	assert.Equal(t, sp, setups[0])
	assert.Equal(t, EP0Idle, h.c.EP0State())
}

func TestControlInZeroLengthPacket(t *testing.T) {
	tests := []struct {
		name    string
		length  uint16
		zero    bool
		packets []int
	}{
		{"exact length", 128, false, []int{64, 64}},
		{"short of wLength", 255, true, []int{64, 64, 0}},
		{"short without zero", 255, false, []int{64, 64}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			h.connect()
			h.drv.handle(replyWith(make([]byte, 128), tt.zero))

			h.hw.Setup(usb.VendorSetup(true, 0x01, 0, 0, tt.length))
			var got []int
			for {
				pkt, err := h.hw.TakeIn(0)
				if err != nil {
					assert.ErrorIs(t, err, sim.ErrNAK)
					break
				}
				got = append(got, len(pkt))
			}
			assert.Equal(t, tt.packets, got)
			assert.NoError(t, h.hw.StatusStage())
		})
	}
}

func TestControlOut(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()

	var got []byte
	h.drv.handle(func(c *Controller, sp usb.SetupPacket) error {
		r := c.EP0().AllocRequest()
		r.Buf = make([]byte, sp.Length)
		r.Complete = func(_ *Endpoint, r *Request) {
			got = append([]byte(nil), r.Buf[:r.Actual]...)
		}
		return c.EP0().Queue(r)
	})

	payload := bytes.Repeat([]byte{0x5A}, 100)
	require.NoError(t, h.hw.ControlOut(usb.VendorSetup(false, 0x02, 0, 0, 100), payload))
	assert.Equal(t, payload, got)
	assert.Equal(t, EP0Idle, h.c.EP0State())
}

func TestNoDataRequest(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()

	var status pkg.TransferStatus = -1
	h.drv.handle(func(c *Controller, sp usb.SetupPacket) error {
		r := c.EP0().AllocRequest()
		r.Buf = []byte{}
		r.Complete = func(_ *Endpoint, r *Request) { status = r.Status }
		return c.EP0().Queue(r)
	})

	require.NoError(t, h.hw.ControlOut(usb.SetConfigurationSetup(1), nil))
	assert.Equal(t, pkg.TransferStatusSuccess, status)
	assert.Equal(t, EP0Idle, h.c.EP0State())

	require.NoError(t, h.hw.ControlOut(usb.SetInterfaceSetup(0, 1), nil))
	require.NoError(t, h.hw.ControlOut(usb.VendorSetup(false, 0x03, 0, 0, 0), nil))
	assert.Len(t, h.drv.Setups(), 3)
}

func TestDriverErrorStalls(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()

	err := h.hw.ControlOut(usb.VendorSetup(false, 0x10, 0, 0, 0), nil)
	assert.ErrorIs(t, err, sim.ErrStall)
	assert.Equal(t, EP0Idle, h.c.EP0State())

	_, err = h.hw.ControlIn(usb.VendorSetup(true, 0x11, 0, 0, 4))
	assert.ErrorIs(t, err, sim.ErrStall)

	// The pipe recovers on the next setup packet.
	_, err = h.hw.ControlIn(usb.GetStatusSetup(usb.RequestRecipientDevice, 0))
	assert.NoError(t, err)
}

func TestConfigurationChangeFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()

	// A refused configuration change is not stalled and the status
	// stage is left pending.
	err := h.hw.ControlOut(usb.SetConfigurationSetup(3), nil)
	assert.ErrorIs(t, err, sim.ErrNAK)
	assert.False(t, h.hw.EndpointStalled(0, false))

	_, err = h.hw.ControlIn(usb.GetStatusSetup(usb.RequestRecipientDevice, 0))
	assert.NoError(t, err)
	assert.Equal(t, EP0Idle, h.c.EP0State())
}

func TestSetupSupersedesDataStage(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()

	var rc recorder
	h.drv.handle(func(c *Controller, sp usb.SetupPacket) error {
		if sp.Type() != usb.RequestTypeVendor {
			return pkg.ErrNotSupported
		}
		r := rc.request(make([]byte, sp.Length))
		return c.EP0().Queue(r)
	})

	h.hw.Setup(usb.VendorSetup(false, 0x20, 0, 0, 128))
	require.NoError(t, h.hw.SendOut(0, make([]byte, 64)))
	assert.Equal(t, EP0OutDataPhase, h.c.EP0State())

	// The host abandons the data stage with a new setup packet.
	data, err := h.hw.ControlIn(usb.GetStatusSetup(usb.RequestRecipientDevice, 0))
	require.NoError(t, err)
	assert.Len(t, data, 2)

	done := rc.list()
	require.Len(t, done, 1)
	assert.Equal(t, pkg.TransferStatusSuccess, done[0].status)
	assert.Equal(t, 64, done[0].actual)
	assert.Zero(t, h.c.EP0().Queued())
}

func TestQueueOutsideDataPhase(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.connect()

	var rc recorder
	err := h.c.EP0().Queue(rc.request(make([]byte, 8)))
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	assert.Zero(t, h.c.EP0().Queued())
	assert.Empty(t, rc.list())
}
