// Package hal defines the hardware access layer beneath the controller core.
//
// The controller drives two collaborators it never implements itself:
//
//   - [Registers]: the register and FIFO interface of the OTG core, in the
//     indexed style of a Mentor-derived controller. Most operations act on
//     the endpoint selected with [Registers.SelectEndpoint], and the [Kind]
//     argument picks the control, transmit or receive half of it.
//   - [DMA]: the DMA channel engine used to move whole packets between
//     request buffers and endpoint FIFOs.
//
// Neither interface raises interrupts on its own. Hardware signals
// attention through the interrupt line, and the controller reads the
// pending registers from its interrupt handler.
//
// A register-level simulation implementing both interfaces lives in
// [github.com/ardnew/softudc/udc/hal/sim].
package hal
