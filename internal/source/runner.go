// Package source drives declared sources: a jittered poll loop per poll
// source, webhook decoding for listener-driven sources, and NDJSON hook
// ingestion. Events reach the engine through a durable sink; checkpoints
// advance only after the whole batch is accepted.
package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/observe"
)

// Sink durably accepts one event (a WAL append in the engine). It must not
// return until the event is accepted.
type Sink func(ctx context.Context, ev *event.Event) error

// Runner owns the lifecycle of one declared source instance.
type Runner struct {
	ID       string
	Mode     connector.SourceMode
	Source   connector.Source
	Interval time.Duration

	Store   *checkpoint.Store
	Sink    Sink
	Bus     *observe.Bus
	Log     logrus.FieldLogger
}

const defaultPollInterval = 30 * time.Second

// Run blocks driving the source until ctx is done. Only poll sources have a
// loop; webhook and hook sources are driven externally via HandleWebhook
// and ReadHooks.
func (r *Runner) Run(ctx context.Context) {
	if r.Mode != connector.ModePoll {
		<-ctx.Done()
		return
	}
	poller, ok := r.Source.(connector.Poller)
	if !ok {
		r.Log.WithField("source", r.ID).Error("poll source does not implement Poll; disabled")
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for {
		// ±10% jitter keeps sources sharing an interval from herding.
		delay := time.Duration(float64(interval) * (0.9 + 0.2*rand.Float64()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		r.pollOnce(ctx, poller)
	}
}

// pollOnce runs a single poll cycle. Transient errors are logged and the
// checkpoint stays put; the next tick retries from the same cursor.
func (r *Runner) pollOnce(ctx context.Context, poller connector.Poller) {
	var cursor string
	if cp, err := r.Store.Get(r.ID); err != nil {
		r.Log.WithError(err).WithField("source", r.ID).Warn("checkpoint read failed; polling from scratch")
	} else if cp != nil {
		cursor = cp.Cursor
	}

	res, err := poller.Poll(ctx, cursor)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.Log.WithError(err).WithField("source", r.ID).Warn("poll failed; will retry next tick")
		r.emitPolled(0, err)
		return
	}

	if err := r.acceptBatch(ctx, res.Events); err != nil {
		r.Log.WithError(err).WithField("source", r.ID).Warn("batch not fully accepted; checkpoint not advanced")
		r.emitPolled(0, err)
		return
	}

	// The checkpoint advances only now, after every event in the batch is
	// durable. A write failure here is safe: events are in the WAL and the
	// cursor is retried next tick.
	if err := r.Store.Put(r.ID, checkpoint.Checkpoint{Cursor: res.Cursor}); err != nil {
		r.Log.WithError(err).WithField("source", r.ID).Warn("checkpoint write failed; retrying next tick")
	}
	r.emitPolled(len(res.Events), nil)
}

func (r *Runner) acceptBatch(ctx context.Context, events []*event.Event) error {
	for _, ev := range events {
		r.stamp(ev)
		if err := r.Sink(ctx, ev); err != nil {
			return fmt.Errorf("accept event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// stamp fills engine-owned fields the connector may leave empty.
func (r *Runner) stamp(ev *event.Event) {
	if ev.ID == "" {
		ev.ID = event.NewID()
	}
	if ev.Source == "" {
		ev.Source = r.ID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}

func (r *Runner) emitPolled(count int, err error) {
	if r.Bus == nil {
		return
	}
	fields := map[string]any{"source": r.ID, "events": count}
	if err != nil {
		fields["error"] = err.Error()
	}
	r.Bus.Emit(observe.KindSourcePolled, fields)
}

// DecodeError marks a webhook failure caused by the request itself. Other
// HandleWebhook errors mean decoded events could not be accepted downstream.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// HandleWebhook translates one webhook body into events and accepts them.
// Returns the number accepted; an error means nothing about the batch is
// durable beyond the events already sunk.
func (r *Runner) HandleWebhook(ctx context.Context, body []byte) (int, error) {
	dec, ok := r.Source.(connector.WebhookDecoder)
	if !ok {
		return 0, &DecodeError{Err: fmt.Errorf("source %s does not accept webhooks", r.ID)}
	}
	events, err := dec.DecodeWebhook(body)
	if err != nil {
		return 0, &DecodeError{Err: fmt.Errorf("decode webhook for %s: %w", r.ID, err)}
	}
	if err := r.acceptBatch(ctx, events); err != nil {
		return 0, err
	}
	return len(events), nil
}

// ReadHooks ingests NDJSON events, one per line, until EOF or ctx is done.
// Malformed lines are logged and skipped; they never abort the stream.
func (r *Runner) ReadHooks(ctx context.Context, in *bufio.Scanner) error {
	for in.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}
		// Hook lines may omit id/source/timestamp; those are stamped here.
		ev, err := parseHookLine(line)
		if err != nil {
			r.Log.WithError(err).WithField("source", r.ID).Warn("skipping malformed hook line")
			continue
		}
		r.stamp(ev)
		if err := r.Sink(ctx, ev); err != nil {
			return fmt.Errorf("accept hook event: %w", err)
		}
	}
	return in.Err()
}

func parseHookLine(line []byte) (*event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	if _, err := event.ParseType(string(ev.Type)); err != nil {
		return nil, err
	}
	return &ev, nil
}
