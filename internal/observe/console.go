package observe

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/orgloop/orgloop/internal/connector"
)

// ConsoleLogger renders observer events through logrus. It is the built-in
// logger connector registered as "console".
type ConsoleLogger struct {
	log *logrus.Logger
}

// NewConsoleLogger wraps an existing logrus logger; nil gets a default.
func NewConsoleLogger(log *logrus.Logger) *ConsoleLogger {
	if log == nil {
		log = logrus.New()
	}
	return &ConsoleLogger{log: log}
}

// Init accepts a "level" config key (logrus level names).
func (c *ConsoleLogger) Init(_ context.Context, cfg connector.Config) error {
	if lvl := cfg.GetString("level", ""); lvl != "" {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			return err
		}
		c.log.SetLevel(parsed)
	}
	return nil
}

// Observe logs one observer event. Drops and failures log at warn; the rest
// at info or debug.
func (c *ConsoleLogger) Observe(ev connector.ObserverEvent) {
	entry := c.log.WithField("kind", ev.Kind)
	for k, v := range ev.Fields {
		entry = entry.WithField(k, v)
	}
	switch ev.Kind {
	case KindTransformDropped:
		entry.Debug("event dropped by transform")
	case KindDeliveryResult:
		if status, _ := ev.Fields["status"].(string); status == string(connector.StatusDelivered) {
			entry.Info("delivered")
		} else {
			entry.Warn("delivery ended without success")
		}
	case KindSourcePolled, KindRouteMatched, KindDeliveryAttempt:
		entry.Debug(ev.Kind)
	default:
		entry.Info(ev.Kind)
	}
}

func (c *ConsoleLogger) Shutdown(context.Context) error { return nil }
