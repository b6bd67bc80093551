// Package engine supervises one event-routing engine instance: it owns the
// event bus, the checkpoint store, connector lifecycles, the listener, the
// router tail loop, and the delivery scheduler. Engines are plain owned
// objects; many can coexist in one process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/connector/builtin"
	"github.com/orgloop/orgloop/internal/deliver"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/listener"
	"github.com/orgloop/orgloop/internal/observe"
	"github.com/orgloop/orgloop/internal/route"
	"github.com/orgloop/orgloop/internal/source"
	"github.com/orgloop/orgloop/internal/transform"
	"github.com/orgloop/orgloop/internal/wal"
)

const (
	defaultDrainTimeout = 30 * time.Second

	// routerCursorID is the checkpoint id holding the router's bus position.
	// Leading underscore keeps it out of the declared-source namespace.
	routerCursorID = "_router"
)

// Options carries process-level wiring for an engine.
type Options struct {
	// Log is the engine's logger; nil gets a default.
	Log *logrus.Logger
	// Capabilities backs the gate transform.
	Capabilities map[string]transform.Capability
	// Connectors registers third-party connectors after the builtins.
	Connectors func(*connector.Registry) error
	// DataDir overrides the configured data directory.
	DataDir string
	// Listen overrides the configured listener address.
	Listen string
}

// Engine is one running instance. New validates, Run starts, Shutdown
// drains and stops.
type Engine struct {
	cfg  *config.File
	opts Options
	log  *logrus.Logger

	specs     []*route.Spec
	matcher   *route.Matcher
	metrics   *observe.Metrics
	bus       *observe.Bus
	wlog      *wal.Log
	store     *checkpoint.Store
	reg       *connector.Registry
	lis       *listener.Listener
	sched     *deliver.Scheduler
	pipelines map[string]*transform.Pipeline
	sources   map[string]connector.Source
	actors    map[string]connector.Actor
	runners   map[string]*source.Runner
	disabled  map[string]error

	cancel  context.CancelFunc
	loops   sync.WaitGroup
	started bool
	stopped bool
}

// New validates the configuration's static shape: route references, filter
// compilation, id namespaces. Connector-level problems surface in Run.
func New(cfg *config.File, opts Options) (*Engine, error) {
	if opts.Log == nil {
		opts.Log = logrus.New()
	}
	specs, err := cfg.RouteSpecs()
	if err != nil {
		return nil, &ConfigError{Reason: "routes", Err: err}
	}
	// Actors never emit into the bus; an id serving both roles would let a
	// route read an actor as a source.
	for id := range cfg.Actors {
		if _, both := cfg.Sources[id]; both {
			return nil, configErrf("id %q is declared as both a source and an actor", id)
		}
	}
	for _, s := range specs {
		if _, ok := cfg.Sources[s.When.Source]; !ok {
			return nil, configErrf("route %q: when.source %q is not a declared source", s.Name, s.When.Source)
		}
		if _, ok := cfg.Actors[s.Then.Actor]; !ok {
			return nil, configErrf("route %q: then.actor %q is not a declared actor", s.Name, s.Then.Actor)
		}
	}
	return &Engine{
		cfg:       cfg,
		opts:      opts,
		log:       opts.Log,
		specs:     specs,
		pipelines: map[string]*transform.Pipeline{},
		sources:   map[string]connector.Source{},
		actors:    map[string]connector.Actor{},
		runners:   map[string]*source.Runner{},
		disabled:  map[string]error{},
	}, nil
}

// Run brings the engine up: bus, checkpoints, connectors, routes, listener,
// runners, router loop, scheduler. It returns once everything is started;
// the engine then runs until Shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true

	dataDir := e.opts.DataDir
	if dataDir == "" {
		dataDir = e.cfg.DataDir
	}
	if dataDir == "" {
		return configErrf("data_dir is required")
	}

	e.metrics = observe.NewMetrics()
	e.bus = observe.NewBus(e.metrics)

	wlog, err := wal.Open(filepath.Join(dataDir, "wal"), e.walOptions())
	if err != nil {
		if errors.Is(err, wal.ErrCorrupt) {
			return &CorruptionError{Err: err}
		}
		return fmt.Errorf("open event bus: %w", err)
	}
	e.wlog = wlog

	store, err := checkpoint.NewStore(filepath.Join(dataDir, "checkpoints"), e.log)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	e.store = store
	store.CleanTempFiles()

	e.reg = connector.NewRegistry()
	if err := builtin.Register(e.reg, builtin.Deps{
		Store:        store,
		Capabilities: e.opts.Capabilities,
		Log:          e.log,
	}); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}
	if e.opts.Connectors != nil {
		if err := e.opts.Connectors(e.reg); err != nil {
			return fmt.Errorf("register connectors: %w", err)
		}
	}

	if err := e.initLoggers(ctx); err != nil {
		return err
	}
	e.initSources(ctx)
	if err := e.initActors(ctx); err != nil {
		return err
	}
	if err := e.initPipelines(ctx); err != nil {
		return err
	}
	e.matcher = route.NewMatcher(e.specs)

	e.sched = deliver.New(e.deliverConfig(), e.actorSpecs(), e.bus, e.metrics, e.log)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.buildRunners()
	if err := e.startListener(); err != nil {
		cancel()
		return err
	}
	for _, rn := range e.runners {
		rn := rn
		e.loops.Add(1)
		go func() {
			defer e.loops.Done()
			rn.Run(runCtx)
		}()
	}
	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		e.routerLoop(runCtx)
	}()
	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		e.sweepLoop(runCtx)
	}()

	e.bus.Emit(observe.KindEngineLifecycle, map[string]any{"phase": "started"})
	e.log.WithField("data_dir", dataDir).Info("engine started")
	return nil
}

func (e *Engine) walOptions() wal.Options {
	w := e.cfg.Engine.WAL
	opts := wal.Options{
		SegmentMaxBytes: w.SegmentMaxBytes,
		SyncInterval:    w.SyncInterval.Std(),
		Logger:          e.log,
		Compact: wal.CompactOptions{
			Disabled:      w.Compact.Disabled,
			MaxAge:        w.Compact.MaxAge.Std(),
			MaxTotalBytes: w.Compact.MaxTotalBytes,
		},
	}
	if w.Sync == string(wal.SyncBatched) {
		opts.Sync = wal.SyncBatched
	}
	return opts
}

func (e *Engine) deliverConfig() deliver.Config {
	d := e.cfg.Engine.Delivery
	backoff := deliver.DefaultBackoff()
	if d.Base.Std() > 0 {
		backoff.Base = d.Base.Std()
	}
	if d.Factor > 0 {
		backoff.Factor = d.Factor
	}
	if d.Cap.Std() > 0 {
		backoff.Cap = d.Cap.Std()
	}
	if d.MaxAttempts > 0 {
		backoff.MaxAttempts = d.MaxAttempts
	}
	return deliver.Config{Backoff: backoff, DeliverTimeout: d.DeliverTimeout.Std()}
}

func (e *Engine) initLoggers(ctx context.Context) error {
	for id, decl := range e.cfg.Loggers {
		lg, err := e.reg.NewLogger(decl.Use)
		if err != nil {
			return &ConfigError{Reason: "logger " + id, Err: err}
		}
		if err := lg.Init(ctx, connector.Config(decl.Config)); err != nil {
			return &ConfigError{Reason: "logger " + id, Err: err}
		}
		e.bus.Attach(id, lg, 0)
	}
	return nil
}

// initSources instantiates every declared source. A failing source is
// disabled and the rest continue.
func (e *Engine) initSources(ctx context.Context) {
	for id, decl := range e.cfg.Sources {
		src, err := e.reg.NewSource(decl.Use)
		if err == nil {
			err = src.Init(ctx, connector.Config(decl.Config))
		}
		if err != nil {
			e.disabled[id] = err
			e.log.WithError(err).WithField("source", id).Error("source init failed; source disabled")
			e.bus.Emit(observe.KindEngineLifecycle, map[string]any{
				"phase": "source_disabled", "source": id, "error": err.Error(),
			})
			continue
		}
		e.sources[id] = src
	}
}

func (e *Engine) initActors(ctx context.Context) error {
	for id, decl := range e.cfg.Actors {
		act, err := e.reg.NewActor(decl.Use)
		if err != nil {
			return &ConfigError{Reason: "actor " + id, Err: err}
		}
		if err := act.Init(ctx, connector.Config(decl.Config)); err != nil {
			return &ConfigError{Reason: "actor " + id, Err: err}
		}
		e.actors[id] = act
	}
	return nil
}

// initPipelines builds one transform chain per route. Transform instances
// are per-route; routes never share state.
func (e *Engine) initPipelines(ctx context.Context) error {
	for _, spec := range e.specs {
		var steps []transform.Step
		for _, ts := range spec.Transforms {
			tr, err := e.reg.NewTransform(ts.Use)
			if err != nil {
				return &ConfigError{Reason: "route " + spec.Name, Err: err}
			}
			if err := tr.Init(ctx, ts.Config); err != nil {
				return &ConfigError{Reason: "route " + spec.Name + " transform " + ts.Use, Err: err}
			}
			steps = append(steps, transform.Step{Name: ts.Use, T: tr})
		}
		e.pipelines[spec.Name] = &transform.Pipeline{
			Route:   spec.Name,
			Steps:   steps,
			Bus:     e.bus,
			Metrics: e.metrics,
			Log:     e.log,
		}
	}
	return nil
}

func (e *Engine) actorSpecs() []deliver.ActorSpec {
	specs := make([]deliver.ActorSpec, 0, len(e.actors))
	for id, act := range e.actors {
		decl := e.cfg.Actors[id]
		specs = append(specs, deliver.ActorSpec{
			ID:        id,
			Actor:     act,
			Workers:   decl.Workers,
			QueueSize: decl.QueueSize,
		})
	}
	return specs
}

func (e *Engine) buildRunners() {
	for id, src := range e.sources {
		decl := e.cfg.Sources[id]
		e.runners[id] = &source.Runner{
			ID:       id,
			Mode:     sourceMode(decl, src),
			Source:   src,
			Interval: decl.Interval.Std(),
			Store:    e.store,
			Sink:     e.accept,
			Bus:      e.bus,
			Log:      e.log,
		}
	}
}

// sourceMode prefers the declared mode and otherwise infers it from the
// connector's capabilities.
func sourceMode(decl config.Source, src connector.Source) connector.SourceMode {
	if decl.Mode != "" {
		return connector.SourceMode(decl.Mode)
	}
	if _, ok := src.(connector.Poller); ok {
		return connector.ModePoll
	}
	if _, ok := src.(connector.WebhookDecoder); ok {
		return connector.ModeWebhook
	}
	return connector.ModeHook
}

func (e *Engine) startListener() error {
	addr := e.opts.Listen
	if addr == "" {
		addr = e.cfg.Listen
	}
	reachable := map[string]*source.Runner{}
	for id, rn := range e.runners {
		if rn.Mode == connector.ModeWebhook || rn.Mode == connector.ModeHook {
			reachable[id] = rn
		}
	}
	e.lis = listener.New(addr, reachable, e.metrics.Registry, e.log)
	return e.lis.Start()
}

// ListenerAddr reports the bound ingestion address, empty before Run.
func (e *Engine) ListenerAddr() string {
	if e.lis == nil {
		return ""
	}
	return e.lis.Addr()
}

// accept is the runners' sink: append to the bus, then notify observers.
// An event is downstream-visible only after this returns nil.
func (e *Engine) accept(ctx context.Context, ev *event.Event) error {
	body, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	offset, err := e.wlog.Append(ctx, body)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	e.metrics.EventsAppended.Inc()
	e.bus.Emit(observe.KindEventAccepted, map[string]any{
		"event": ev.ID, "source": ev.Source, "offset": offset,
	})
	return nil
}

// routerLoop tails the bus from the persisted cursor, matches each event,
// runs per-route pipelines, and hands survivors to the scheduler. Enqueue
// blocking is the backpressure edge; the bus keeps accepting appends.
func (e *Engine) routerLoop(ctx context.Context) {
	from := e.routerCursor()
	err := e.wlog.Tail(ctx, from, func(offset uint64, body []byte) error {
		ev, err := event.Unmarshal(body)
		if err != nil {
			// A record that passed CRC but not decode is a bug, not data loss.
			e.log.WithError(err).WithField("offset", offset).Error("undecodable bus record skipped")
			e.saveRouterCursor(offset + 1)
			return nil
		}
		if err := e.routeEvent(ctx, ev); err != nil {
			return err
		}
		e.saveRouterCursor(offset + 1)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		e.log.WithError(err).Error("router loop stopped")
	}
}

func (e *Engine) routeEvent(ctx context.Context, ev *event.Event) error {
	for _, spec := range e.matcher.Match(ev) {
		e.bus.Emit(observe.KindRouteMatched, map[string]any{
			"event": ev.ID, "route": spec.Name, "actor": spec.Then.Actor,
		})
		out := e.pipelines[spec.Name].Run(ctx, ev.Clone())
		if out == nil {
			continue
		}
		if err := e.sched.Enqueue(ctx, out, spec); err != nil {
			if errors.Is(err, deliver.ErrDraining) || ctx.Err() != nil {
				return err
			}
			e.log.WithError(err).WithField("route", spec.Name).Error("enqueue failed; event dropped for route")
		}
	}
	return nil
}

// sweepLoop expires dedup fingerprints past their TTL.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.store.Sweep(now)
		}
	}
}

func (e *Engine) routerCursor() uint64 {
	cp, err := e.store.Get(routerCursorID)
	if err != nil || cp == nil || cp.Cursor == "" {
		return 0
	}
	n, err := strconv.ParseUint(cp.Cursor, 10, 64)
	if err != nil {
		e.log.WithField("cursor", cp.Cursor).Warn("bad router cursor; replaying from oldest")
		return 0
	}
	return n
}

// saveRouterCursor persists the router's bus position. A write failure only
// lets the cursor lag: events stay durable in the bus, the next record
// retries the write, and replay after a restart is at-least-once.
func (e *Engine) saveRouterCursor(next uint64) {
	err := e.store.Put(routerCursorID, checkpoint.Checkpoint{
		Cursor: strconv.FormatUint(next, 10),
	})
	if err != nil {
		e.log.WithError(err).WithField("offset", next).Warn("router cursor write failed; routing continues")
	}
}

// Shutdown drains and stops: ingestion first, then the router, then
// in-flight deliveries up to the drain timeout, then connectors and the
// bus. Safe to call once.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.started || e.stopped {
		return nil
	}
	e.stopped = true
	e.bus.Emit(observe.KindEngineLifecycle, map[string]any{"phase": "draining"})

	if e.lis != nil {
		lisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = e.lis.Shutdown(lisCtx)
		cancel()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.loops.Wait()

	if e.sched != nil {
		drain := e.cfg.Engine.DrainTimeout.Std()
		if drain <= 0 {
			drain = defaultDrainTimeout
		}
		drainCtx, cancel := context.WithTimeout(ctx, drain)
		e.sched.Shutdown(drainCtx)
		cancel()
	}

	for _, p := range e.pipelines {
		p.Shutdown(ctx)
	}
	for id, src := range e.sources {
		if err := src.Shutdown(ctx); err != nil {
			e.log.WithError(err).WithField("source", id).Warn("source shutdown failed")
		}
	}
	for id, act := range e.actors {
		if err := act.Shutdown(ctx); err != nil {
			e.log.WithError(err).WithField("actor", id).Warn("actor shutdown failed")
		}
	}

	e.bus.Emit(observe.KindEngineLifecycle, map[string]any{"phase": "stopped"})
	e.bus.Close(ctx)
	if err := e.wlog.Close(); err != nil {
		return fmt.Errorf("close event bus: %w", err)
	}
	e.log.Info("engine stopped")
	return nil
}
