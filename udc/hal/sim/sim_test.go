package sim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/udc/hal"
	"github.com/ardnew/softudc/usb"
)

// configureIn sets up endpoint index as a bulk IN endpoint with its
// interrupt enabled.
func configureIn(c *Controller, index uint8, mp uint16, double bool) {
	c.SelectEndpoint(index)
	c.ConfigureEndpoint(hal.KindTX, usb.TransferBulk, double, mp)
	c.EnableEndpoint(hal.KindTX, index)
}

func configureOut(c *Controller, index uint8, mp uint16, double bool) {
	c.SelectEndpoint(index)
	c.ConfigureEndpoint(hal.KindRX, usb.TransferBulk, double, mp)
	c.EnableEndpoint(hal.KindRX, index)
}

func TestSetupLatchesControlInterrupt(t *testing.T) {
	c := New(Config{})
	c.EnableEndpoint(hal.KindTX, 0)

	sp := usb.GetDescriptorSetup(usb.DescriptorTypeDevice, 0, 18)
	c.Setup(sp)

	assert.Equal(t, hal.EP0Interrupt, c.EndpointPending(hal.KindTX))
	assert.True(t, c.ReadDataReady(hal.KindEP0))
	require.Equal(t, usb.SetupPacketSize, c.FIFOCount(hal.KindEP0))

	buf := make([]byte, 8)
	require.Equal(t, 8, c.ReadFIFO(0, buf))
	assert.Equal(t, sp.Bytes(), buf)
	assert.False(t, c.SetupEnd())

	// A second setup before the status stage aborts the first.
	c.Setup(sp)
	assert.True(t, c.SetupEnd())
	c.ClearSetupEnd()
	assert.False(t, c.SetupEnd())
}

func TestSetupMasked(t *testing.T) {
	c := New(Config{})
	c.SetupRaw([]byte{1, 2, 3})
	assert.Zero(t, c.EndpointPending(hal.KindTX))
	assert.Equal(t, 3, c.FIFOCount(hal.KindEP0))
}

func TestStatusStage(t *testing.T) {
	c := New(Config{})
	c.Setup(usb.SetAddressSetup(3))
	assert.ErrorIs(t, c.StatusStage(), ErrNAK)

	require.NoError(t, c.ReadDataStatus(hal.KindEP0, true))
	assert.False(t, c.ReadDataReady(hal.KindEP0))
	assert.NoError(t, c.StatusStage())
}

func TestTakeIn(t *testing.T) {
	c := New(Config{})

	_, err := c.TakeIn(1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.TakeIn(9)
	assert.ErrorIs(t, err, ErrNotConfigured)

	configureIn(c, 1, 64, false)
	_, err = c.TakeIn(1)
	assert.ErrorIs(t, err, ErrNAK)

	c.WriteFIFO(1, []byte("hello"))
	require.NoError(t, c.WriteDataStatus(hal.KindTX, false))
	assert.True(t, c.WritePending(hal.KindTX))
	assert.True(t, c.FIFONotEmpty(hal.KindTX))

	// Single-buffered: a second armed packet does not fit.
	c.WriteFIFO(1, []byte("world"))
	assert.ErrorIs(t, c.WriteDataStatus(hal.KindTX, false), pkg.ErrBusy)

	pkt, err := c.TakeIn(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pkt)
	assert.Equal(t, uint32(1<<1), c.EndpointPending(hal.KindTX))
	assert.False(t, c.FIFONotEmpty(hal.KindTX))
}

func TestStall(t *testing.T) {
	c := New(Config{})
	configureIn(c, 2, 64, false)
	configureOut(c, 2, 64, false)

	c.SelectEndpoint(2)
	c.SendStall(hal.KindTX)
	assert.True(t, c.EndpointStalled(2, true))
	assert.False(t, c.EndpointStalled(2, false))

	_, err := c.TakeIn(2)
	assert.ErrorIs(t, err, ErrStall)
	assert.NotZero(t, c.EndpointPending(hal.KindTX)&(1<<2))

	c.ClearStall(hal.KindTX)
	_, err = c.TakeIn(2)
	assert.ErrorIs(t, err, ErrNAK)

	c.SendStall(hal.KindEP0)
	assert.ErrorIs(t, c.SendOut(0, []byte{1}), ErrStall)
	assert.ErrorIs(t, c.StatusStage(), ErrStall)
}

func TestSendOutCapacity(t *testing.T) {
	c := New(Config{})
	configureOut(c, 1, 64, true)

	require.NoError(t, c.SendOut(1, []byte{1, 2}))
	require.NoError(t, c.SendOut(1, []byte{3}))
	assert.ErrorIs(t, c.SendOut(1, []byte{4}), ErrNAK)

	c.SelectEndpoint(1)
	assert.Equal(t, 2, c.FIFOCount(hal.KindRX))
	buf := make([]byte, 1)
	require.Equal(t, 1, c.ReadFIFO(1, buf))
	// Releasing a partly read packet drops the rest.
	require.NoError(t, c.ReadDataStatus(hal.KindRX, false))
	assert.Equal(t, 1, c.FIFOCount(hal.KindRX))

	c.FlushFIFO(hal.KindRX)
	assert.False(t, c.ReadDataReady(hal.KindRX))
}

func TestBusEvents(t *testing.T) {
	c := New(Config{HighSpeed: true})
	c.EnableMisc(hal.MiscReset | hal.MiscSuspend)

	c.Reset()
	assert.Equal(t, usb.SpeedFull, c.Speed(), "high speed not allowed yet")
	assert.Equal(t, hal.MiscReset, c.MiscPending())
	c.ClearMisc(hal.MiscAll)

	c.SetTransferMode(true)
	c.Reset()
	assert.Equal(t, usb.SpeedHigh, c.Speed())

	c.Resume()
	assert.Zero(t, c.MiscPending()&hal.MiscResume, "resume is masked")
	c.Suspend()
	assert.NotZero(t, c.MiscPending()&hal.MiscSuspend)

	c.Disconnect()
	assert.Equal(t, usb.SpeedUnknown, c.Speed())
	assert.Equal(t, hal.MiscReset|hal.MiscSuspend, c.MiscEnabled())
}

func TestRegisterState(t *testing.T) {
	c := New(Config{})

	c.SetAddress(0x85)
	assert.Equal(t, uint8(5), c.Address())
	c.SetDefaultAddress()
	assert.Zero(t, c.Address())

	c.Connect(true)
	assert.True(t, c.Connected())

	c.EnterTestMode(usb.TestK)
	assert.Equal(t, usb.TestK, c.TestMode())

	c.SelectEndpoint(3)
	assert.Equal(t, uint8(3), c.ActiveEndpoint())
	c.ConfigureEndpoint(hal.KindTX, usb.TransferIsochronous, false, 1024)
	c.ConfigureFIFO(hal.KindTX, 4608, 1024, false)
	c.EnableISOUpdate()
	c.EnableEndpoint(hal.KindTX, 3)

	info, err := c.Endpoint(3, true)
	require.NoError(t, err)
	assert.Equal(t, EndpointInfo{
		Configured: true,
		Type:       usb.TransferIsochronous,
		MaxPacket:  1024,
		FIFOAddr:   4608,
		FIFOSize:   1024,
		ISOUpdate:  true,
		Interrupt:  true,
	}, info)

	c.DisableEndpoint(hal.KindTX, 3)
	info, _ = c.Endpoint(3, true)
	assert.False(t, info.Interrupt)

	c.ResetEndpoint(hal.KindTX)
	info, _ = c.Endpoint(3, true)
	assert.False(t, info.Configured)

	_, err = c.Endpoint(42, true)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestDeliverSynchronous(t *testing.T) {
	c := New(Config{})
	c.EnableEndpoint(hal.KindTX, 0)

	calls := 0
	c.Attach(func() bool {
		calls++
		c.ClearEndpoint(hal.KindTX, ^uint32(0))
		if calls == 1 {
			// A host action from inside the handler is folded into the
			// running delivery.
			c.AbortSetup()
		}
		return true
	})

	c.Setup(usb.SetAddressSetup(1))
	assert.Equal(t, 2, calls)
	assert.Zero(t, c.EndpointPending(hal.KindTX))
}

func TestDeliverBounded(t *testing.T) {
	c := New(Config{})
	c.EnableEndpoint(hal.KindTX, 0)

	calls := 0
	c.Attach(func() bool {
		calls++
		return true
	})
	c.Setup(usb.SetAddressSetup(1))
	assert.Equal(t, maxDelivery, calls)
}

func TestLine(t *testing.T) {
	c := New(Config{})
	c.EnableEndpoint(hal.KindTX, 0)
	line := c.Line()

	c.Setup(usb.SetAddressSetup(1))
	c.Setup(usb.SetAddressSetup(2))
	require.Len(t, line, 1)
	<-line

	c.ClearEndpoint(hal.KindTX, ^uint32(0))
	c.StartOfFrame()
	assert.Empty(t, line, "masked interrupts do not assert the line")
}

func TestDMATransmit(t *testing.T) {
	c := New(Config{})
	configureIn(c, 1, 64, true)
	d := c.DMA()

	buf := bytes.Repeat([]byte{0xA5}, 192)
	addr, err := d.Map(buf, hal.ToDevice)
	require.NoError(t, err)
	assert.Equal(t, dmaBase, addr)
	assert.Equal(t, 1, d.Mapped())

	ch, err := d.Configure(0x81, addr, len(buf))
	require.NoError(t, err)
	_, err = d.Configure(0x81, addr, len(buf))
	assert.ErrorIs(t, err, pkg.ErrBusy)

	require.NoError(t, d.Start(ch))
	assert.True(t, d.Busy(0x81))

	for i := 0; i < 3; i++ {
		pkt, err := c.TakeIn(1)
		require.NoError(t, err)
		assert.Len(t, pkt, 64)
	}
	assert.False(t, d.Busy(0x81))
	assert.Equal(t, uint32(1)<<ch, d.Pending())
	assert.Equal(t, 192, d.Transferred(0x81))
	assert.Zero(t, c.EndpointPending(hal.KindTX), "DMA packets raise no endpoint interrupt")

	ep, ok := d.Endpoint(ch)
	require.True(t, ok)
	assert.Equal(t, usb.Address(0x81), ep)

	d.ClearPending(1 << ch)
	d.Release(ch)
	assert.Zero(t, d.Claimed())

	d.Unmap(addr, len(buf), hal.ToDevice)
	assert.Zero(t, d.Mapped())
}

func TestDMAReceive(t *testing.T) {
	c := New(Config{})
	configureOut(c, 2, 64, true)
	d := c.DMA()

	require.NoError(t, c.SendOut(2, bytes.Repeat([]byte{1}, 64)))

	buf := make([]byte, 256)
	addr, err := d.Map(buf, hal.FromDevice)
	require.NoError(t, err)
	ch, err := d.Configure(0x02, addr, len(buf))
	require.NoError(t, err)

	c.SelectEndpoint(2)
	c.ConfigureEndpointDMA(hal.KindRX)
	require.NoError(t, d.Start(ch))

	// The waiting packet was drained into the buffer.
	assert.False(t, c.ReadDataReady(hal.KindRX))
	assert.True(t, d.Busy(0x02))

	require.NoError(t, c.SendOut(2, bytes.Repeat([]byte{2}, 64)))
	require.NoError(t, c.SendOut(2, []byte{3, 3, 3}))

	assert.False(t, d.Busy(0x02))
	assert.Equal(t, 131, d.Transferred(0x02))
	assert.Equal(t, byte(2), buf[64])
	assert.Equal(t, []byte{3, 3, 3}, buf[128:131])
}

func TestDMAStop(t *testing.T) {
	c := New(Config{})
	configureIn(c, 1, 64, true)
	d := c.DMA()

	buf := make([]byte, 256)
	addr, _ := d.Map(buf, hal.ToDevice)
	ch, err := d.Configure(0x81, addr, len(buf))
	require.NoError(t, err)
	require.NoError(t, d.Start(ch))

	_, err = c.TakeIn(1)
	require.NoError(t, err)

	d.Stop(0x81)
	assert.False(t, d.Busy(0x81))
	assert.Zero(t, d.Claimed())
	assert.Equal(t, 64, d.Transferred(0x81))
	c.SelectEndpoint(1)
	assert.False(t, c.FIFONotEmpty(hal.KindTX), "loaded packets are discarded")
}

func TestDMAErrors(t *testing.T) {
	c := New(Config{DMAChannels: 1})
	d := c.DMA()

	_, err := d.Map(nil, hal.ToDevice)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	a, _ := d.Map(make([]byte, 64), hal.ToDevice)
	b, _ := d.Map(make([]byte, 64), hal.ToDevice)
	assert.NotEqual(t, a, b)

	_, err = d.Configure(0x81, a, 128)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter, "window past the mapping")

	_, err = d.Configure(0x81, a, 64)
	require.NoError(t, err)
	_, err = d.Configure(0x82, b, 64)
	assert.ErrorIs(t, err, pkg.ErrNoResources)

	assert.ErrorIs(t, d.Start(5), pkg.ErrInvalidParameter)
	_, ok := d.Endpoint(5)
	assert.False(t, ok)
}

func TestTraceRoundTrip(t *testing.T) {
	c := New(Config{Trace: true})
	c.EnableEndpoint(hal.KindTX, 0)
	c.Connect(true)
	c.Setup(usb.SetAddressSetup(7))
	c.SetAddress(7)

	events := c.Trace()
	require.Len(t, events, 3)
	assert.Equal(t, OpConnect, events[0].Op)
	assert.Equal(t, OpSetup, events[1].Op)
	assert.Equal(t, usb.SetupPacketSize, events[1].N)
	assert.Equal(t, Event{Seq: 3, Op: OpSetAddress, EP: 0, Kind: "ep0", Arg: 7}, events[2])

	var buf bytes.Buffer
	require.NoError(t, EncodeTrace(&buf, events))
	got, err := DecodeTrace(&buf)
	require.NoError(t, err)
	assert.Equal(t, events, got)
}

func TestTraceDisabled(t *testing.T) {
	c := New(Config{})
	c.Connect(true)
	assert.Empty(t, c.Trace())
}
