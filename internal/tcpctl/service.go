package tcpctl

import (
	"errors"
	"log/slog"
)

const maxServices = 4

// Service is a TCP service listening on a fixed port. Callbacks run on the
// Poll goroutine and receive a *Conn borrowed for the duration of the call.
type Service interface {
	// Port is the local port the service listens on.
	Port() uint16
	// Accept is called when a SYN for Port arrives and a connection slot has
	// been claimed. A non-nil error refuses the connection with a reset.
	Accept(c *Conn) error
	// Process is called with the payload of every in-order data segment,
	// after the segment has been acknowledged.
	Process(c *Conn, data []byte) error
	// Closed is called when an accepted connection releases its slot.
	Closed(c *Conn)
}

var (
	errZeroPort         = errors.New("service port zero")
	errPortInUse        = errors.New("service port already registered")
	errServiceTableFull = errors.New("service table full")
)

// Register adds svc to the service table. Services cannot be unregistered
// except by [Interface.Reset].
func (ifc *Interface) Register(svc Service) error {
	port := svc.Port()
	if port == 0 {
		return errZeroPort
	}
	free := -1
	for i, s := range ifc.services {
		if s == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if s.Port() == port {
			return errPortInUse
		}
	}
	if free < 0 {
		return errServiceTableFull
	}
	ifc.services[free] = svc
	ifc.debug("tcp:register", slog.Uint64("port", uint64(port)))
	return nil
}

func (ifc *Interface) service(port uint16) Service {
	for _, s := range ifc.services {
		if s != nil && s.Port() == port {
			return s
		}
	}
	return nil
}
