package source

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// fakePoller returns a fixed batch and cursor, or an error.
type fakePoller struct {
	mu      sync.Mutex
	batches []connector.PollResult
	errs    []error
	cursors []string
}

func (p *fakePoller) Init(context.Context, connector.Config) error { return nil }
func (p *fakePoller) Shutdown(context.Context) error               { return nil }

func (p *fakePoller) Poll(_ context.Context, cursor string) (connector.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors = append(p.cursors, cursor)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return connector.PollResult{}, err
		}
	}
	if len(p.batches) == 0 {
		return connector.PollResult{Cursor: cursor}, nil
	}
	res := p.batches[0]
	p.batches = p.batches[1:]
	return res, nil
}

func (p *fakePoller) seenCursors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cursors...)
}

// fakeWebhook decodes the body via the builtin-style single-event shape.
type fakeWebhook struct {
	events []*event.Event
	err    error
}

func (w *fakeWebhook) Init(context.Context, connector.Config) error { return nil }
func (w *fakeWebhook) Shutdown(context.Context) error               { return nil }
func (w *fakeWebhook) DecodeWebhook([]byte) ([]*event.Event, error) {
	return w.events, w.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []*event.Event
	fail   int // fail the first n accepts
}

func (s *recordingSink) accept(_ context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*event.Event(nil), s.events...)
}

func newTestRunner(t *testing.T, src connector.Source, mode connector.SourceMode, sink *recordingSink) (*Runner, *checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir(), logrus.New())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return &Runner{
		ID:     "gh",
		Mode:   mode,
		Source: src,
		Store:  store,
		Sink:   sink.accept,
		Log:    log,
	}, store
}

func batch(cursor string, ids ...string) connector.PollResult {
	res := connector.PollResult{Cursor: cursor}
	for _, id := range ids {
		res.Events = append(res.Events, &event.Event{
			ID:   id,
			Type: event.ResourceChanged,
		})
	}
	return res
}

func TestPollOnce_AdvancesCheckpointAfterBatch(t *testing.T) {
	poller := &fakePoller{batches: []connector.PollResult{batch("c1", "e1", "e2")}}
	sink := &recordingSink{}
	r, store := newTestRunner(t, poller, connector.ModePoll, sink)

	r.pollOnce(context.Background(), poller)

	if got := len(sink.all()); got != 2 {
		t.Fatalf("got %d events sunk, want 2", got)
	}
	cp, err := store.Get("gh")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp == nil || cp.Cursor != "c1" {
		t.Fatalf("checkpoint = %+v, want cursor c1", cp)
	}
}

func TestPollOnce_ErrorLeavesCheckpointUntouched(t *testing.T) {
	poller := &fakePoller{
		errs:    []error{errors.New("rate limited")},
		batches: []connector.PollResult{batch("c1", "e1")},
	}
	sink := &recordingSink{}
	r, store := newTestRunner(t, poller, connector.ModePoll, sink)

	r.pollOnce(context.Background(), poller)
	if cp, _ := store.Get("gh"); cp != nil {
		t.Fatalf("checkpoint advanced past a failed poll: %+v", cp)
	}

	// Next tick retries from the same (empty) cursor and succeeds.
	r.pollOnce(context.Background(), poller)
	cp, _ := store.Get("gh")
	if cp == nil || cp.Cursor != "c1" {
		t.Fatalf("checkpoint = %+v, want cursor c1", cp)
	}
	cursors := poller.seenCursors()
	if cursors[0] != "" || cursors[1] != "" {
		t.Fatalf("cursor advanced without a durable batch: %v", cursors)
	}
}

func TestPollOnce_SinkFailureHoldsCursor(t *testing.T) {
	poller := &fakePoller{batches: []connector.PollResult{
		batch("c1", "e1", "e2"),
		batch("c2", "e3"),
	}}
	sink := &recordingSink{fail: 2}
	r, store := newTestRunner(t, poller, connector.ModePoll, sink)

	r.pollOnce(context.Background(), poller)
	if cp, _ := store.Get("gh"); cp != nil {
		t.Fatalf("checkpoint advanced past an unaccepted batch: %+v", cp)
	}

	r.pollOnce(context.Background(), poller)
	cp, _ := store.Get("gh")
	if cp == nil || cp.Cursor != "c2" {
		t.Fatalf("checkpoint = %+v, want cursor c2", cp)
	}
}

func TestPollOnce_StampsEngineFields(t *testing.T) {
	poller := &fakePoller{batches: []connector.PollResult{{
		Cursor: "c1",
		Events: []*event.Event{{Type: event.MessageReceived}},
	}}}
	sink := &recordingSink{}
	r, _ := newTestRunner(t, poller, connector.ModePoll, sink)

	r.pollOnce(context.Background(), poller)
	evs := sink.all()
	if len(evs) != 1 {
		t.Fatalf("got %d events", len(evs))
	}
	ev := evs[0]
	if ev.ID == "" || ev.Source != "gh" || ev.Timestamp.IsZero() {
		t.Fatalf("missing stamped fields: %+v", ev)
	}
}

func TestHandleWebhook(t *testing.T) {
	src := &fakeWebhook{events: []*event.Event{
		{Type: event.ResourceChanged, Payload: map[string]any{"n": 1}},
		{Type: event.ResourceChanged, Payload: map[string]any{"n": 2}},
	}}
	sink := &recordingSink{}
	r, _ := newTestRunner(t, src, connector.ModeWebhook, sink)

	n, err := r.HandleWebhook(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if n != 2 || len(sink.all()) != 2 {
		t.Fatalf("accepted %d, sunk %d, want 2", n, len(sink.all()))
	}

	src.err = errors.New("bad signature")
	if _, err := r.HandleWebhook(context.Background(), []byte(`{}`)); err == nil {
		t.Fatal("decode error not surfaced")
	}
}

func TestHandleWebhook_NonDecoderSource(t *testing.T) {
	sink := &recordingSink{}
	r, _ := newTestRunner(t, &fakePoller{}, connector.ModePoll, sink)
	if _, err := r.HandleWebhook(context.Background(), []byte(`{}`)); err == nil {
		t.Fatal("poll-only source accepted a webhook")
	}
}

func TestReadHooks_SkipsMalformedLines(t *testing.T) {
	in := strings.Join([]string{
		`{"type":"resource.changed","payload":{"n":1}}`,
		`not json at all`,
		``,
		`{"type":"bogus.type"}`,
		`{"type":"message.received","id":"keep-me"}`,
	}, "\n")
	sink := &recordingSink{}
	r, _ := newTestRunner(t, &fakePoller{}, connector.ModeHook, sink)

	if err := r.ReadHooks(context.Background(), bufio.NewScanner(strings.NewReader(in))); err != nil {
		t.Fatalf("read hooks: %v", err)
	}
	evs := sink.all()
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2 (malformed lines skipped)", len(evs))
	}
	if evs[1].ID != "keep-me" {
		t.Fatalf("caller-supplied id overwritten: %q", evs[1].ID)
	}
	if evs[0].ID == "" || evs[0].Source != "gh" {
		t.Fatalf("hook event not stamped: %+v", evs[0])
	}
}

func TestRun_PollLoopStopsOnContext(t *testing.T) {
	poller := &fakePoller{}
	sink := &recordingSink{}
	r, _ := newTestRunner(t, poller, connector.ModePoll, sink)
	r.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	time.Sleep(40 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on cancel")
	}
	if len(poller.seenCursors()) == 0 {
		t.Fatal("poll loop never ticked")
	}
}
