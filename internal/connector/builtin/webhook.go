package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// Webhook is a webhook-mode source that accepts either a single JSON event
// or a JSON array of events per request body. An event with no type falls
// back to the configured default.
type Webhook struct {
	defaultType event.Type
	platform    string
}

var webhookSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"default_type": map[string]any{"type": "string"},
		"platform":     map[string]any{"type": "string"},
	},
	"additionalProperties": false,
}

func NewWebhook() *Webhook { return &Webhook{} }

func (w *Webhook) Init(_ context.Context, cfg connector.Config) error {
	schema, err := connector.CompileSchema(webhookSchema)
	if err != nil {
		return err
	}
	if err := cfg.Validate(schema); err != nil {
		return err
	}
	w.defaultType = event.MessageReceived
	if raw := cfg.GetString("default_type", ""); raw != "" {
		t, err := event.ParseType(raw)
		if err != nil {
			return fmt.Errorf("webhook source: %w", err)
		}
		w.defaultType = t
	}
	w.platform = cfg.GetString("platform", "")
	return nil
}

func (w *Webhook) DecodeWebhook(body []byte) ([]*event.Event, error) {
	var raws []json.RawMessage
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("webhook body: %w", err)
		}
	} else {
		raws = []json.RawMessage{json.RawMessage(body)}
	}
	events := make([]*event.Event, 0, len(raws))
	for i, raw := range raws {
		ev, err := w.decodeOne(raw)
		if err != nil {
			return nil, fmt.Errorf("webhook body item %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (w *Webhook) decodeOne(raw json.RawMessage) (*event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	if ev.Type == "" {
		ev.Type = w.defaultType
	} else if _, err := event.ParseType(string(ev.Type)); err != nil {
		return nil, err
	}
	if w.platform != "" {
		if ev.Provenance == nil {
			ev.Provenance = map[string]any{}
		}
		if _, ok := ev.Provenance["platform"]; !ok {
			ev.Provenance["platform"] = w.platform
		}
	}
	return &ev, nil
}

func (w *Webhook) Shutdown(context.Context) error { return nil }
