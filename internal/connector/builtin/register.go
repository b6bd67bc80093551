package builtin

import (
	"github.com/sirupsen/logrus"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/observe"
	"github.com/orgloop/orgloop/internal/transform"
)

// Deps carries the engine-owned state some builtins close over.
type Deps struct {
	Store        *checkpoint.Store
	Capabilities map[string]transform.Capability
	Log          *logrus.Logger
}

// Register installs every shipped connector into reg under its well-known
// name. Called once per engine before user-declared connectors resolve.
func Register(reg *connector.Registry, deps Deps) error {
	regs := []func() error{
		func() error {
			return reg.RegisterSource("cron", func() connector.Source { return NewCron() })
		},
		func() error {
			return reg.RegisterSource("webhook", func() connector.Source { return NewWebhook() })
		},
		func() error {
			return reg.RegisterActor("exec", func() connector.Actor { return NewExec() })
		},
		func() error {
			return reg.RegisterTransform("filter", func() connector.Transform { return transform.NewFilter() })
		},
		func() error {
			return reg.RegisterTransform("dedup", func() connector.Transform { return transform.NewDedup(deps.Store) })
		},
		func() error {
			return reg.RegisterTransform("enrich", func() connector.Transform { return transform.NewEnrich() })
		},
		func() error {
			return reg.RegisterTransform("gate", func() connector.Transform {
				return transform.NewGate(deps.Capabilities, deps.Log)
			})
		},
		func() error {
			return reg.RegisterLogger("console", func() connector.Logger { return observe.NewConsoleLogger(deps.Log) })
		},
	}
	for _, r := range regs {
		if err := r(); err != nil {
			return err
		}
	}
	return nil
}
