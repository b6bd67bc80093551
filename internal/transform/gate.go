package transform

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// Capability answers whether an external condition currently holds, e.g.
// "any active session exists".
type Capability func(ctx context.Context) (bool, error)

// Gate drops events while its capability reports closed. A capability error
// fails open: the event passes through.
type Gate struct {
	caps map[string]Capability
	log  logrus.FieldLogger

	name string
	cap  Capability
}

// NewGate returns the "gate" builtin over the engine's capability table.
func NewGate(caps map[string]Capability, log logrus.FieldLogger) *Gate {
	return &Gate{caps: caps, log: log}
}

// Init binds the gate to the capability named by `capability`.
func (g *Gate) Init(_ context.Context, cfg connector.Config) error {
	g.name = cfg.GetString("capability", "")
	if g.name == "" {
		return fmt.Errorf("gate transform requires capability")
	}
	c, ok := g.caps[g.name]
	if !ok {
		return fmt.Errorf("gate transform: unknown capability %q", g.name)
	}
	g.cap = c
	return nil
}

func (g *Gate) Execute(ctx context.Context, ev *event.Event) (*event.Event, error) {
	open, err := g.cap(ctx)
	if err != nil {
		if g.log != nil {
			g.log.WithError(err).WithField("capability", g.name).
				Warn("gate capability errored; failing open")
		}
		return ev, nil
	}
	if !open {
		return nil, nil
	}
	return ev, nil
}

func (g *Gate) Shutdown(context.Context) error { return nil }
