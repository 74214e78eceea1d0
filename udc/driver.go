package udc

import (
	"github.com/ardnew/softudc/usb"
)

// Driver is a gadget function driver bound to a Controller.
//
// Bind runs during Register, before the controller connects to the bus.
// Setup receives every control request the controller does not answer
// itself; it runs without the controller lock held and answers by queueing
// a request on ep0. A non-nil error stalls the control pipe.
type Driver interface {
	Bind(c *Controller) error
	Setup(c *Controller, setup usb.SetupPacket) error
	MaxSpeed() usb.Speed
}

// Unbinder is implemented by drivers that release resources on Unregister.
type Unbinder interface {
	Unbind(c *Controller)
}

// Disconnecter is implemented by drivers notified when the host goes away.
type Disconnecter interface {
	Disconnect(c *Controller)
}

// Suspender is implemented by drivers notified of bus suspend.
type Suspender interface {
	Suspend(c *Controller)
}

// Resumer is implemented by drivers notified of bus resume.
type Resumer interface {
	Resume(c *Controller)
}
