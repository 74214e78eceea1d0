package sim

import (
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/ardnew/softudc/udc/hal"
)

// Op names a traced bus or register event.
type Op string

// Device-side register operations.
const (
	OpReadStatus  Op = "read-status"
	OpWriteStatus Op = "write-status"
	OpStall       Op = "stall"
	OpClearStall  Op = "clear-stall"
	OpSetAddress  Op = "set-address"
	OpConnect     Op = "connect"
	OpTestMode    Op = "test-mode"
	OpConfigure   Op = "configure"
	OpDMAStart    Op = "dma-start"
	OpDMADone     Op = "dma-done"
	OpDMAStop     Op = "dma-stop"
)

// Host-side bus operations.
const (
	OpSetup      Op = "setup"
	OpIn         Op = "in"
	OpOut        Op = "out"
	OpStatus     Op = "status"
	OpReset      Op = "reset"
	OpSuspend    Op = "suspend"
	OpResume     Op = "resume"
	OpDisconnect Op = "disconnect"
)

// Event is one traced operation.
type Event struct {
	Seq  uint64 `cbor:"seq"`
	Op   Op     `cbor:"op"`
	EP   uint8  `cbor:"ep"`
	Kind string `cbor:"kind,omitempty"`
	N    int    `cbor:"n"`
	Arg  uint32 `cbor:"arg,omitempty"`
}

// record appends a trace event. Must be called with c.mu held.
func (c *Controller) record(op Op, ep uint8, k hal.Kind, n int, arg uint32) {
	if !c.cfg.Trace {
		return
	}
	c.seq++
	c.trace = append(c.trace, Event{
		Seq:  c.seq,
		Op:   op,
		EP:   ep,
		Kind: k.String(),
		N:    n,
		Arg:  arg,
	})
}

// Trace returns a copy of the events recorded so far.
func (c *Controller) Trace() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.trace...)
}

// EncodeTrace writes events to w as a sequence of canonical CBOR items.
func EncodeTrace(w io.Writer, events []Event) error {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return err
	}
	enc := em.NewEncoder(w)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeTrace reads events written by [EncodeTrace] until EOF.
func DecodeTrace(r io.Reader) ([]Event, error) {
	dec := cbor.NewDecoder(r)
	var events []Event
	for {
		var ev Event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
