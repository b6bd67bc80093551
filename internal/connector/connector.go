// Package connector defines the contracts between the engine core and
// pluggable connectors: sources emit events, actors receive deliveries,
// transforms rewrite per-route events, and loggers observe the engine.
// The core never knows concrete connector types.
package connector

import (
	"context"
	"time"

	"github.com/orgloop/orgloop/internal/event"
)

// PollResult is one poll's worth of events plus the cursor to persist once
// every event has been durably accepted.
type PollResult struct {
	Events []*event.Event
	Cursor string
}

// Source emits events into the engine. A source is poll-driven, webhook-driven,
// or hook-driven (NDJSON on a reader); Mode reports which.
type Source interface {
	Init(ctx context.Context, cfg Config) error
	Shutdown(ctx context.Context) error
}

// SourceMode selects how the runner drives a source.
type SourceMode string

const (
	ModePoll    SourceMode = "poll"
	ModeWebhook SourceMode = "webhook"
	ModeHook    SourceMode = "hook"
)

// Poller is implemented by poll-mode sources. cursor is the persisted opaque
// checkpoint cursor, empty on first poll.
type Poller interface {
	Poll(ctx context.Context, cursor string) (PollResult, error)
}

// WebhookDecoder is implemented by webhook-mode sources: it translates an
// incoming request body into zero or more events.
type WebhookDecoder interface {
	DecodeWebhook(body []byte) ([]*event.Event, error)
}

// DeliveryStatus classifies one delivery attempt's outcome.
type DeliveryStatus string

const (
	// StatusDelivered is terminal success.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusRejected is terminal failure; the scheduler never retries it.
	StatusRejected DeliveryStatus = "rejected"
	// StatusError is retryable; the scheduler backs off and tries again.
	StatusError DeliveryStatus = "error"
)

// DeliveryResult is what an actor reports for one attempt.
type DeliveryResult struct {
	Status DeliveryStatus
	Err    error
}

// Actor is the terminal recipient of routed events. Deliver must be safe to
// invoke concurrently: a single actor instance is shared by all workers for
// its actor id.
type Actor interface {
	Init(ctx context.Context, cfg Config) error
	Deliver(ctx context.Context, ev *event.Event, routeCfg Config) DeliveryResult
	Shutdown(ctx context.Context) error
}

// Transform rewrites or drops a single route's view of an event. Returning
// a nil event drops it from that route's pipeline. Stateful transforms must
// be re-entrancy-safe across concurrent events.
type Transform interface {
	Init(ctx context.Context, cfg Config) error
	Execute(ctx context.Context, ev *event.Event) (*event.Event, error)
	Shutdown(ctx context.Context) error
}

// ObserverEvent is one entry on the engine's observer stream.
type ObserverEvent struct {
	Kind   string         `json:"kind"`
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Logger consumes observer events. Observe must never block: the observer
// bus drops events for a logger whose buffer is full.
type Logger interface {
	Init(ctx context.Context, cfg Config) error
	Observe(ev ObserverEvent)
	Shutdown(ctx context.Context) error
}
