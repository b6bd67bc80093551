// Package observe fans engine events out to logger connectors and carries
// the engine's Prometheus metrics. Observers never apply backpressure: a
// logger whose buffer is full loses events, the pipeline does not stall.
package observe

import (
	"context"
	"sync"
	"time"

	"github.com/orgloop/orgloop/internal/connector"
)

// Observer event taxonomy. The set is fixed; fields vary per kind.
const (
	KindSourcePolled     = "source.polled"
	KindEventAccepted    = "event.accepted"
	KindRouteMatched     = "route.matched"
	KindTransformDropped = "transform.dropped"
	KindDeliveryAttempt  = "delivery.attempt"
	KindDeliveryResult   = "delivery.result"
	KindEngineLifecycle  = "engine.lifecycle"
)

const defaultBuffer = 256

type subscriber struct {
	name   string
	logger connector.Logger
	ch     chan connector.ObserverEvent
}

// Bus is the non-blocking observer fan-out. One draining goroutine per
// attached logger.
type Bus struct {
	metrics *Metrics

	mu     sync.Mutex
	subs   []*subscriber
	closed bool
	wg     sync.WaitGroup
}

// NewBus returns an empty bus. metrics may be nil.
func NewBus(metrics *Metrics) *Bus {
	return &Bus{metrics: metrics}
}

// Attach registers a logger under name with the given buffer size
// (0 selects the default). Events emitted while the buffer is full are
// dropped for this logger only.
func (b *Bus) Attach(name string, logger connector.Logger, buffer int) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{name: name, logger: logger, ch: make(chan connector.ObserverEvent, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			sub.logger.Observe(ev)
		}
	}()
}

// Emit publishes one observer event. Never blocks.
func (b *Bus) Emit(kind string, fields map[string]any) {
	ev := connector.ObserverEvent{Kind: kind, Time: time.Now().UTC(), Fields: fields}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow logger: drop for this subscriber only.
			if b.metrics != nil {
				b.metrics.ObserverDrops.WithLabelValues(sub.name).Inc()
			}
		}
	}
}

// Close stops intake, drains buffered events to their loggers, and shuts
// the loggers down.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	for _, sub := range subs {
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
	for _, sub := range subs {
		_ = sub.logger.Shutdown(ctx)
	}
}
