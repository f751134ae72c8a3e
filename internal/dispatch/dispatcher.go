package dispatch

import (
	"log/slog"

	"github.com/example/emergency-dispatch/internal/session"
)

// Dispatcher is pure transport over the session registry: it delivers a
// typed event to whatever sessions are live in the target scope, at
// most once each, with no persistence or retry. Guaranteed-eventual
// delivery (push notifications) is the caller's concern.
type Dispatcher struct {
	reg    *session.Registry
	logger *slog.Logger
}

func NewDispatcher(reg *session.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, logger: logger}
}

func (d *Dispatcher) ToActor(actorID string, e Event) {
	b, err := e.Encode()
	if err != nil {
		d.logger.Error("encode event", "error", err)
		return
	}
	d.reg.Unicast(actorID, b)
}

func (d *Dispatcher) ToGroup(group string, e Event) {
	b, err := e.Encode()
	if err != nil {
		d.logger.Error("encode event", "error", err)
		return
	}
	d.reg.Broadcast(group, b)
}

// Online exposes liveness so callers can decide whether to fall back to
// the external push collaborator.
func (d *Dispatcher) Online(actorID string) bool { return d.reg.Online(actorID) }
