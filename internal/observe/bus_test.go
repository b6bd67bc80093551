package observe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orgloop/orgloop/internal/connector"
)

type recordingLogger struct {
	mu     sync.Mutex
	events []connector.ObserverEvent
	block  chan struct{} // when non-nil, Observe blocks until closed
}

func (r *recordingLogger) Init(context.Context, connector.Config) error { return nil }
func (r *recordingLogger) Shutdown(context.Context) error               { return nil }

func (r *recordingLogger) Observe(ev connector.ObserverEvent) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingLogger) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func TestBus_FanOutAndDrain(t *testing.T) {
	bus := NewBus(nil)
	a, b := &recordingLogger{}, &recordingLogger{}
	bus.Attach("a", a, 8)
	bus.Attach("b", b, 8)

	bus.Emit(KindEventAccepted, map[string]any{"event": "e1"})
	bus.Emit(KindDeliveryResult, map[string]any{"status": "delivered"})
	bus.Close(context.Background())

	for _, lg := range []*recordingLogger{a, b} {
		got := lg.kinds()
		if len(got) != 2 || got[0] != KindEventAccepted || got[1] != KindDeliveryResult {
			t.Fatalf("kinds: got %v", got)
		}
	}

	// Emit after close is a no-op, not a panic.
	bus.Emit(KindEngineLifecycle, nil)
}

func TestBus_SlowLoggerDropsWithoutBlocking(t *testing.T) {
	m := NewMetrics()
	bus := NewBus(m)
	slow := &recordingLogger{block: make(chan struct{})}
	fast := &recordingLogger{}
	bus.Attach("slow", slow, 1)
	bus.Attach("fast", fast, 64)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Emit(KindDeliveryAttempt, map[string]any{"n": i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow logger")
	}

	close(slow.block)
	bus.Close(context.Background())

	if got := len(fast.kinds()); got != 10 {
		t.Fatalf("fast logger: got %d events want 10", got)
	}
	if got := len(slow.kinds()); got >= 10 {
		t.Fatalf("slow logger: got %d events, expected drops", got)
	}
}
