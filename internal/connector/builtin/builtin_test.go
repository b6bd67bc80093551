package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

func TestCron_PollEmitsTickAndAdvancesCursor(t *testing.T) {
	c := NewCron()
	if err := c.Init(context.Background(), connector.Config{"labels": map[string]any{"team": "infra"}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	res, err := c.Poll(context.Background(), "")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(res.Events))
	}
	ev := res.Events[0]
	if ev.Type != event.ResourceChanged {
		t.Fatalf("got type %q", ev.Type)
	}
	if ev.Payload["team"] != "infra" {
		t.Fatalf("label not applied: %v", ev.Payload)
	}
	if _, err := time.Parse(time.RFC3339, res.Cursor); err != nil {
		t.Fatalf("cursor %q not RFC3339: %v", res.Cursor, err)
	}

	res2, err := c.Poll(context.Background(), res.Cursor)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res2.Events[0].Payload["previous_tick"] != res.Cursor {
		t.Fatal("previous tick not carried from cursor")
	}
}

func TestCron_InitRejectsUnknownKeys(t *testing.T) {
	c := NewCron()
	if err := c.Init(context.Background(), connector.Config{"schedule": "* * * * *"}); err == nil {
		t.Fatal("unknown config key accepted")
	}
}

func TestWebhook_DecodeSingleAndArray(t *testing.T) {
	w := NewWebhook()
	if err := w.Init(context.Background(), connector.Config{"platform": "github"}); err != nil {
		t.Fatalf("init: %v", err)
	}

	events, err := w.DecodeWebhook([]byte(`{"type":"resource.changed","payload":{"repo":"a"}}`))
	if err != nil {
		t.Fatalf("decode single: %v", err)
	}
	if len(events) != 1 || events[0].Type != event.ResourceChanged {
		t.Fatalf("got %+v", events)
	}
	if events[0].Provenance["platform"] != "github" {
		t.Fatalf("platform not stamped: %v", events[0].Provenance)
	}

	events, err = w.DecodeWebhook([]byte(`[{"payload":{"n":1}},{"payload":{"n":2}}]`))
	if err != nil {
		t.Fatalf("decode array: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Missing type falls back to the default.
	if events[0].Type != event.MessageReceived {
		t.Fatalf("got type %q", events[0].Type)
	}
}

func TestWebhook_DecodeRejectsBadInput(t *testing.T) {
	w := NewWebhook()
	if err := w.Init(context.Background(), connector.Config{}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := w.DecodeWebhook([]byte(`not json`)); err == nil {
		t.Fatal("malformed body accepted")
	}
	if _, err := w.DecodeWebhook([]byte(`{"type":"no.such.type"}`)); err == nil {
		t.Fatal("unknown event type accepted")
	}
}

func TestWebhook_InitRejectsBadDefaultType(t *testing.T) {
	w := NewWebhook()
	if err := w.Init(context.Background(), connector.Config{"default_type": "bogus"}); err == nil {
		t.Fatal("bogus default_type accepted")
	}
}

func TestExec_DeliverClassifiesExitCodes(t *testing.T) {
	e := NewExec()
	cfg := connector.Config{"command": []any{"sh", "-c", "cat >/dev/null"}}
	if err := e.Init(context.Background(), cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	ev := &event.Event{ID: "e1", Source: "s", Type: event.ResourceChanged, Timestamp: time.Now()}

	res := e.Deliver(context.Background(), ev, connector.Config{})
	if res.Status != connector.StatusDelivered {
		t.Fatalf("got %v (%v), want delivered", res.Status, res.Err)
	}

	res = e.Deliver(context.Background(), ev, connector.Config{"command": []any{"sh", "-c", "exit 3"}})
	if res.Status != connector.StatusError {
		t.Fatalf("got %v, want error", res.Status)
	}
}

func TestExec_RejectOnNonzero(t *testing.T) {
	e := NewExec()
	cfg := connector.Config{
		"command":           []any{"sh", "-c", "exit 1"},
		"reject_on_nonzero": true,
	}
	if err := e.Init(context.Background(), cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	ev := &event.Event{ID: "e1", Source: "s", Type: event.ResourceChanged, Timestamp: time.Now()}
	res := e.Deliver(context.Background(), ev, connector.Config{})
	if res.Status != connector.StatusRejected {
		t.Fatalf("got %v, want rejected", res.Status)
	}
}

func TestExec_InitRequiresCommand(t *testing.T) {
	e := NewExec()
	if err := e.Init(context.Background(), connector.Config{}); err == nil {
		t.Fatal("missing command accepted")
	}
}

func TestRegister_InstallsEveryBuiltin(t *testing.T) {
	reg := connector.NewRegistry()
	if err := Register(reg, Deps{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, name := range []string{"filter", "dedup", "enrich", "gate"} {
		if !reg.HasTransform(name) {
			t.Fatalf("transform %q not registered", name)
		}
	}
	if _, err := reg.NewSource("cron"); err != nil {
		t.Fatalf("cron: %v", err)
	}
	if _, err := reg.NewSource("webhook"); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if _, err := reg.NewActor("exec"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if _, err := reg.NewLogger("console"); err != nil {
		t.Fatalf("console: %v", err)
	}
}
