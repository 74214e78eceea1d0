// Package udc implements the peripheral-mode core of a dual-role USB OTG
// controller.
//
// A [Controller] owns the hardware through the [hal.Registers] and
// [hal.DMA] interfaces and exposes endpoints to a single bound gadget
// [Driver]. Endpoint 0 runs the control-transfer state machine; the other
// endpoints move request buffers through the FIFOs by PIO or, for long
// transfers that opt in, by DMA.
//
// # Locking
//
// Each Controller serializes all state behind one mutex. The mutex is
// released while driver callbacks, request completion callbacks and DMA
// kicks run, so those may call back into the controller (for example to
// queue the next request). A completion callback runs with its endpoint
// marked halted: requests it queues are appended but not started until the
// callback returns.
//
// # Interrupts
//
// The platform calls [Controller.HandleInterrupt] from its interrupt path,
// or runs [Controller.Serve] on a goroutine fed by an interrupt line.
//
// # Usage
//
//	hw := sim.New(sim.Config{HighSpeed: true})
//	ctl, err := udc.New(udc.Config{Registers: hw, DMA: hw.DMA(), DualSpeed: true})
//	if err != nil {
//		return err
//	}
//	hw.Attach(ctl.HandleInterrupt)
//	if err := ctl.Register(gadget.NewLoopback(gadget.LoopbackConfig{})); err != nil {
//		return err
//	}
package udc
