// Package deliver schedules routed events onto actors: one bounded FIFO
// queue and a worker pool per actor, retry with exponential backoff, and
// terminal classification of every attempt.
package deliver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/observe"
	"github.com/orgloop/orgloop/internal/route"
)

// ErrDraining is returned by Enqueue once shutdown has begun.
var ErrDraining = errors.New("deliver: scheduler is draining")

const (
	defaultQueueSize      = 64
	defaultWorkers        = 4
	defaultDeliverTimeout = 30 * time.Second
)

// ActorSpec binds an initialized actor instance to its queue tuning.
type ActorSpec struct {
	ID    string
	Actor connector.Actor
	// Workers is the pool size. 1 gives in-order delivery for this actor.
	Workers int
	// QueueSize bounds the FIFO; enqueue blocks when full.
	QueueSize int
}

// Config tunes the scheduler.
type Config struct {
	Backoff        BackoffConfig
	DeliverTimeout time.Duration
}

type item struct {
	ev      *event.Event
	rt      *route.Spec
	attempt int // attempts already made
}

type actorQueue struct {
	id    string
	actor connector.Actor
	ch    chan *item
}

// Scheduler owns every actor queue. Terminal outcomes per attempt chain:
// delivered, rejected, or failed after max attempts.
type Scheduler struct {
	cfg     Config
	queues  map[string]*actorQueue
	bus     *observe.Bus
	metrics *observe.Metrics
	log     logrus.FieldLogger

	baseCtx  context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	draining atomic.Bool
	workers  sync.WaitGroup
	inflight pending
}

// New builds a scheduler and starts the worker pools.
func New(cfg Config, actors []ActorSpec, bus *observe.Bus, metrics *observe.Metrics, log logrus.FieldLogger) *Scheduler {
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = defaultDeliverTimeout
	}
	if log == nil {
		log = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		queues:  make(map[string]*actorQueue, len(actors)),
		bus:     bus,
		metrics: metrics,
		log:     log,
		baseCtx: ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
	for _, a := range actors {
		size := a.QueueSize
		if size <= 0 {
			size = defaultQueueSize
		}
		workers := a.Workers
		if workers <= 0 {
			workers = defaultWorkers
		}
		q := &actorQueue{id: a.ID, actor: a.Actor, ch: make(chan *item, size)}
		s.queues[a.ID] = q
		for i := 0; i < workers; i++ {
			s.workers.Add(1)
			go s.worker(q)
		}
	}
	return s
}

// Enqueue submits a routed event for delivery to the route's actor. Blocks
// while the actor's queue is full; this is the engine's backpressure edge.
func (s *Scheduler) Enqueue(ctx context.Context, ev *event.Event, rt *route.Spec) error {
	if s.draining.Load() {
		return ErrDraining
	}
	q, ok := s.queues[rt.Then.Actor]
	if !ok {
		return errors.New("deliver: no queue for actor " + rt.Then.Actor)
	}
	s.inflight.add(1)
	it := &item{ev: ev, rt: rt}
	select {
	case q.ch <- it:
		s.gauge(q, 1)
		return nil
	case <-ctx.Done():
		s.inflight.add(-1)
		return ctx.Err()
	case <-s.stopCh:
		s.inflight.add(-1)
		return ErrDraining
	}
}

func (s *Scheduler) worker(q *actorQueue) {
	defer s.workers.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case it := <-q.ch:
			s.gauge(q, -1)
			select {
			case <-s.stopCh:
				// Forced shutdown raced the dequeue; close out without a
				// delivery attempt.
				s.finish(q, it, "failed", context.Canceled)
				return
			default:
			}
			s.attempt(q, it)
		}
	}
}

// attempt runs one delivery and classifies the result.
func (s *Scheduler) attempt(q *actorQueue, it *item) {
	it.attempt++
	s.emit(observe.KindDeliveryAttempt, q, it, map[string]any{})

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.DeliverTimeout)
	start := time.Now()
	res := q.actor.Deliver(ctx, it.ev, it.rt.Then.Config)
	cancel()
	if s.metrics != nil {
		s.metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	}

	switch res.Status {
	case connector.StatusDelivered:
		s.finish(q, it, string(connector.StatusDelivered), nil)
	case connector.StatusRejected:
		s.finish(q, it, string(connector.StatusRejected), res.Err)
	default:
		// Anything else, including a malformed status, is a retryable error.
		if it.attempt >= s.cfg.Backoff.MaxAttempts {
			s.finish(q, it, "failed", res.Err)
			return
		}
		delay := Delay(it.attempt, s.cfg.Backoff, retrySeed(it.ev.ID, it.rt.Name, it.attempt))
		if s.metrics != nil {
			s.metrics.Retries.Inc()
		}
		s.emit(observe.KindDeliveryResult, q, it, map[string]any{
			"status":   string(connector.StatusError),
			"error":    errString(res.Err),
			"retry_in": delay.String(),
		})
		go s.requeue(q, it, delay)
	}
}

// requeue re-enters the item after its backoff delay. The item keeps its
// inflight hold until a terminal outcome.
func (s *Scheduler) requeue(q *actorQueue, it *item, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stopCh:
		s.inflight.add(-1)
		return
	}
	select {
	case q.ch <- it:
		s.gauge(q, 1)
	case <-s.stopCh:
		s.inflight.add(-1)
	}
}

// finish records a terminal outcome and releases the item.
func (s *Scheduler) finish(q *actorQueue, it *item, status string, err error) {
	fields := map[string]any{"status": status}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.emit(observe.KindDeliveryResult, q, it, fields)
	if s.metrics != nil {
		s.metrics.Deliveries.WithLabelValues(status).Inc()
	}
	if status != string(connector.StatusDelivered) {
		s.log.WithFields(logrus.Fields{
			"actor": q.id, "route": it.rt.Name, "event": it.ev.ID,
			"status": status, "attempts": it.attempt,
		}).Warn("delivery ended without success")
	}
	s.inflight.add(-1)
}

func (s *Scheduler) emit(kind string, q *actorQueue, it *item, fields map[string]any) {
	if s.bus == nil {
		return
	}
	fields["event"] = it.ev.ID
	fields["route"] = it.rt.Name
	fields["actor"] = q.id
	fields["attempt"] = it.attempt
	s.bus.Emit(kind, fields)
}

func (s *Scheduler) gauge(q *actorQueue, delta float64) {
	if s.metrics != nil {
		s.metrics.QueueDepth.WithLabelValues(q.id).Add(delta)
	}
}

// Shutdown drains: new enqueues are refused, in-flight chains (including
// pending retries) run to a terminal outcome until ctx expires, then
// remaining deliveries are force-cancelled. No delivery attempts are
// observed after Shutdown returns.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.draining.Store(true)
	select {
	case <-s.inflight.waitCh():
	case <-ctx.Done():
	}
	s.cancel()
	close(s.stopCh)
	s.workers.Wait()
}

// pending counts items between Enqueue and their terminal outcome, and lets
// a drainer wait for zero without polling.
type pending struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func (p *pending) add(d int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n += d
	if p.n == 0 && p.zero != nil {
		close(p.zero)
		p.zero = nil
	}
}

func (p *pending) waitCh() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if p.zero == nil {
		p.zero = make(chan struct{})
	}
	return p.zero
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
