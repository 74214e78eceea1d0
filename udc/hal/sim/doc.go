// Package sim provides an in-memory OTG controller that implements
// [hal.Registers] and [hal.DMA] at register level, together with a
// host-side API that drives bus traffic against it.
//
// The simulation never raises interrupts from register operations. Host
// actions such as [Controller.Setup], [Controller.TakeIn] and
// [Controller.SendOut] latch pending bits and then deliver the interrupt,
// either synchronously through the handler installed with
// [Controller.Attach] or asynchronously on the channel returned by
// [Controller.Line].
//
// # Example
//
//	hw := sim.New(sim.Config{HighSpeed: true})
//	ctl, _ := udc.New(udc.Config{Registers: hw, DMA: hw.DMA()})
//	hw.Attach(ctl.HandleInterrupt)
//	hw.Reset()
//	desc, err := hw.ControlIn(usb.GetDescriptorSetup(usb.DescriptorTypeDevice, 0, 18))
//
// When [Config.Trace] is set every bus action and significant register
// side effect is appended to a trace that [EncodeTrace] writes as CBOR.
package sim
