// Package gadget contains function drivers that bind to a [udc.Controller].
//
// [Loopback] is a vendor-class function with one bulk OUT and one bulk IN
// endpoint. Every OUT transfer it receives is sent back unchanged on IN.
// It answers the chapter 9 descriptor and configuration requests itself,
// which makes it a complete enumeration target for the simulated host in
// package sim.
package gadget
