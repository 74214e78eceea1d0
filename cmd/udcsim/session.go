package main

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softudc/gadget"
	"github.com/ardnew/softudc/udc"
	"github.com/ardnew/softudc/udc/hal/sim"
	"github.com/ardnew/softudc/usb"
)

// deviceAddress is the address the simulated host assigns.
const deviceAddress = 5

type sessionOptions struct {
	highSpeed bool
	dma       bool
	bytes     int
	buffer    int
	trace     bool
}

type sessionReport struct {
	speed     usb.Speed
	address   uint8
	device    usb.DeviceDescriptor
	config    usb.ConfigurationDescriptor
	product   string
	looped    int
	transfers uint32
	events    []sim.Event
}

// runSession enumerates a loopback function on a simulated controller and
// pushes opts.bytes through it.
func runSession(opts sessionOptions) (*sessionReport, error) {
	hw := sim.New(sim.Config{HighSpeed: opts.highSpeed, Trace: opts.trace})
	cfg := udc.Config{Registers: hw, DualSpeed: opts.highSpeed}
	if opts.dma {
		cfg.DMA = hw.DMA()
	}
	ctl, err := udc.New(cfg)
	if err != nil {
		return nil, err
	}
	defer ctl.Close()
	hw.Attach(ctl.HandleInterrupt)

	lb := gadget.NewLoopback(gadget.LoopbackConfig{BufferSize: opts.buffer, UseDMA: opts.dma})
	if err := ctl.Register(lb); err != nil {
		return nil, err
	}
	defer ctl.Unregister(lb)

	hw.Reset()

	rep := &sessionReport{}

	data, err := hw.ControlIn(usb.GetDescriptorSetup(usb.DescriptorTypeDevice, 0, usb.DeviceDescriptorSize))
	if err != nil {
		return nil, err
	}
	if err := usb.ParseDeviceDescriptor(data, &rep.device); err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}

	if err := hw.ControlOut(usb.SetAddressSetup(deviceAddress), nil); err != nil {
		return nil, err
	}
	rep.address = hw.Address()
	if rep.address != deviceAddress {
		return nil, fmt.Errorf("address %d after SET_ADDRESS(%d)", rep.address, deviceAddress)
	}

	data, err = hw.ControlIn(usb.GetDescriptorSetup(usb.DescriptorTypeConfiguration, 0, usb.ConfigurationDescriptorSize))
	if err != nil {
		return nil, err
	}
	if err := usb.ParseConfigurationDescriptor(data, &rep.config); err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	if _, err := hw.ControlIn(usb.GetDescriptorSetup(usb.DescriptorTypeConfiguration, 0, rep.config.TotalLength)); err != nil {
		return nil, err
	}

	if rep.device.ProductIndex != 0 {
		sp := usb.GetDescriptorSetup(usb.DescriptorTypeString, rep.device.ProductIndex, 255)
		sp.Index = usb.LangIDUSEnglish
		data, err = hw.ControlIn(sp)
		if err != nil {
			return nil, err
		}
		if rep.product, err = usb.DecodeString(data); err != nil {
			return nil, fmt.Errorf("product string: %w", err)
		}
	}

	if err := hw.ControlOut(usb.SetConfigurationSetup(rep.config.ConfigurationValue), nil); err != nil {
		return nil, err
	}
	rep.speed = ctl.Speed()

	if rep.looped, err = loop(hw, ctl, lb.BufferSize(), opts.bytes); err != nil {
		return rep, err
	}

	data, err = hw.ControlIn(usb.VendorSetup(true, gadget.RequestStats, 0, 0, 12))
	if err != nil {
		return rep, err
	}
	if len(data) >= 8 {
		rep.transfers = binary.LittleEndian.Uint32(data[4:8])
	}

	rep.events = hw.Trace()
	return rep, nil
}

// loop sends n bytes through the loopback endpoints one OUT buffer at a
// time and checks each echo.
func loop(hw *sim.Controller, ctl *udc.Controller, buffer, n int) (int, error) {
	in := ctl.FindEndpoint(0x81)
	out := ctl.FindEndpoint(0x01)
	if in == nil || out == nil {
		return 0, fmt.Errorf("loopback endpoints missing")
	}
	mp := int(out.MaxPacket())

	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i*7 + i>>8)
	}

	done := 0
	for done < n {
		chunk := payload[done:min(done+buffer, n)]
		zlp := len(chunk) < buffer && len(chunk)%mp == 0
		if err := hw.BulkOut(out.Number(), chunk, zlp); err != nil {
			return done, fmt.Errorf("bulk out at %d: %w", done, err)
		}
		echo, err := hw.BulkIn(in.Number(), len(chunk))
		if err != nil {
			return done, fmt.Errorf("bulk in at %d: %w", done, err)
		}
		if !bytes.Equal(echo, chunk) {
			return done, fmt.Errorf("echo mismatch at %d: got %d bytes, want %d", done, len(echo), len(chunk))
		}
		done += len(chunk)
	}
	return done, nil
}
