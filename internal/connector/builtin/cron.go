// Package builtin carries the connectors that ship with the engine: the
// cron tick source, the generic webhook source, the exec actor, and the
// registration glue for the built-in transforms and loggers.
package builtin

import (
	"context"
	"time"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// Cron is a poll-mode source that emits one tick event per poll interval.
// The poll cursor is the RFC3339 time of the last emitted tick, so a
// restart inside the interval does not double-fire.
type Cron struct {
	labels map[string]any
}

var cronSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"labels": map[string]any{"type": "object"},
	},
	"additionalProperties": false,
}

func NewCron() *Cron { return &Cron{} }

func (c *Cron) Init(_ context.Context, cfg connector.Config) error {
	schema, err := connector.CompileSchema(cronSchema)
	if err != nil {
		return err
	}
	if err := cfg.Validate(schema); err != nil {
		return err
	}
	if m := cfg.GetMap("labels"); m != nil {
		c.labels = map[string]any(m)
	}
	return nil
}

func (c *Cron) Poll(_ context.Context, cursor string) (connector.PollResult, error) {
	now := time.Now().UTC()
	payload := map[string]any{"tick": now.Format(time.RFC3339)}
	if cursor != "" {
		payload["previous_tick"] = cursor
	}
	for k, v := range c.labels {
		payload[k] = v
	}
	ev := &event.Event{
		ID:        event.NewID(),
		Type:      event.ResourceChanged,
		Timestamp: now,
		Provenance: map[string]any{
			"platform":       "cron",
			"platform_event": "tick",
		},
		Payload: payload,
	}
	return connector.PollResult{
		Events: []*event.Event{ev},
		Cursor: now.Format(time.RFC3339),
	}, nil
}

func (c *Cron) Shutdown(context.Context) error { return nil }
