// Package usb defines the USB 2.0 chapter 9 wire types shared by the
// controller core, the simulated hardware and the function drivers.
//
// It covers the 8-byte setup packet, standard request codes, feature and
// test-mode selectors, endpoint addressing, the standard descriptors and
// bus speeds. Everything here is pure data: no type holds hardware state.
//
// # Setup Packets
//
//	var sp usb.SetupPacket
//	if err := usb.ParseSetupPacket(raw, &sp); err != nil {
//	    return err
//	}
//	if sp.IsStandard() && sp.Request == usb.RequestSetAddress {
//	    addr := sp.Address()
//	}
//
// Host-side helpers such as [GetDescriptorSetup] build setup packets for
// tests and the simulator.
package usb
