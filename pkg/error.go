package pkg

import "errors"

// Controller errors returned synchronously from entry points.
var (
	// ErrInvalidParameter indicates a nil request, endpoint or callback, or
	// a malformed descriptor.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotReady indicates the controller is not probed or has been closed.
	ErrNotReady = errors.New("controller not ready")

	// ErrBusy indicates a gadget driver is already bound.
	ErrBusy = errors.New("resource busy")

	// ErrNoDevice indicates no gadget driver is bound.
	ErrNoDevice = errors.New("no gadget driver")

	// ErrInvalidState indicates the endpoint or control pipe cannot accept
	// the operation in its current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound indicates a request is not queued on the endpoint.
	ErrNotFound = errors.New("request not queued")

	// ErrNotSupported indicates an unsupported speed, endpoint type or
	// FIFO layout.
	ErrNotSupported = errors.New("not supported")

	// ErrNoResources indicates FIFO memory or DMA channels are exhausted.
	ErrNoResources = errors.New("no resources available")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
)

// Transfer outcome errors, reported through [TransferStatus].
var (
	// ErrProtocol indicates a control request was superseded or violated
	// the protocol.
	ErrProtocol = errors.New("protocol error")

	// ErrOverrun indicates the host sent more data than the buffer holds.
	ErrOverrun = errors.New("data overrun")

	// ErrConnReset indicates the request was cancelled by dequeue or bus reset.
	ErrConnReset = errors.New("connection reset")

	// ErrShutdown indicates the endpoint was disabled or the driver unbound.
	ErrShutdown = errors.New("endpoint shut down")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrInProgress indicates the request has not completed.
	ErrInProgress = errors.New("transfer in progress")
)

// TransferStatus represents the completion status of a request.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess    TransferStatus = iota // Transfer completed successfully
	TransferStatusInProgress                       // Queued and not yet completed
	TransferStatusProtocol                         // Superseded by a new setup packet
	TransferStatusOverflow                         // Host sent more than the buffer holds
	TransferStatusConnReset                        // Dequeued or bus reset
	TransferStatusShutdown                         // Endpoint disabled or driver unbound
	TransferStatusStall                            // Endpoint stalled
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusInProgress:
		return "in-progress"
	case TransferStatusProtocol:
		return "protocol"
	case TransferStatusOverflow:
		return "overflow"
	case TransferStatusConnReset:
		return "conn-reset"
	case TransferStatusShutdown:
		return "shutdown"
	case TransferStatusStall:
		return "stall"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusInProgress:
		return ErrInProgress
	case TransferStatusOverflow:
		return ErrOverrun
	case TransferStatusConnReset:
		return ErrConnReset
	case TransferStatusShutdown:
		return ErrShutdown
	case TransferStatusStall:
		return ErrStall
	default:
		return ErrProtocol
	}
}

// Final reports whether the status is terminal.
func (s TransferStatus) Final() bool {
	return s != TransferStatusInProgress
}
