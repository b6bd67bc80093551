// Package listener serves the loopback ingestion surface: webhook bodies,
// NDJSON hook streams, and the Prometheus scrape endpoint.
package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/orgloop/orgloop/internal/source"
)

const (
	// DefaultAddr keeps the surface loopback-only.
	DefaultAddr = "127.0.0.1:4800"

	maxBodyBytes = 1 << 20
)

// Listener routes ingestion requests to source runners by id. One listener
// per engine.
type Listener struct {
	addr     string
	runners  map[string]*source.Runner
	registry *prometheus.Registry
	log      logrus.FieldLogger

	draining atomic.Bool
	srv      *http.Server
	lis      net.Listener
}

// New builds a listener over the given runners. Only webhook- and hook-mode
// runners are reachable; ids not in the map 404.
func New(addr string, runners map[string]*source.Runner, registry *prometheus.Registry, log logrus.FieldLogger) *Listener {
	if addr == "" {
		addr = DefaultAddr
	}
	if log == nil {
		log = logrus.New()
	}
	l := &Listener{
		addr:     addr,
		runners:  runners,
		registry: registry,
		log:      log,
	}

	r := chi.NewRouter()
	r.Post("/webhooks/{sourceID}", l.handleWebhook)
	r.Post("/hooks/{sourceID}", l.handleHook)
	if registry != nil {
		r.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	l.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return l
}

// Start binds the address and begins serving. Returns once the socket is
// bound so callers know the port is live.
func (l *Listener) Start() error {
	lis, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listener bind %s: %w", l.addr, err)
	}
	l.lis = lis
	go func() {
		if err := l.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.WithError(err).Error("listener stopped")
		}
	}()
	l.log.WithField("addr", lis.Addr().String()).Info("listener started")
	return nil
}

// Addr reports the bound address, empty before Start.
func (l *Listener) Addr() string {
	if l.lis == nil {
		return ""
	}
	return l.lis.Addr().String()
}

// Drain flips the listener into 503 mode without closing the socket, so
// in-flight requests finish while new ingestion is refused.
func (l *Listener) Drain() { l.draining.Store(true) }

// Shutdown closes the server, waiting for in-flight handlers up to ctx.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.draining.Store(true)
	return l.srv.Shutdown(ctx)
}

func (l *Listener) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if l.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "sourceID")
	rn, ok := l.runners[id]
	if !ok {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	n, err := rn.HandleWebhook(r.Context(), body)
	if err != nil {
		// A bad request body is the caller's fault; a sink failure is ours.
		var de *source.DecodeError
		if errors.As(err, &de) {
			l.log.WithError(err).WithField("source", id).Warn("webhook rejected")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		l.log.WithError(err).WithField("source", id).Error("webhook accept failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "accepted %d\n", n)
}

func (l *Listener) handleHook(w http.ResponseWriter, r *http.Request) {
	if l.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "sourceID")
	rn, ok := l.runners[id]
	if !ok {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}

	sc := bufio.NewScanner(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	sc.Buffer(make([]byte, 64*1024), maxBodyBytes)
	if err := rn.ReadHooks(r.Context(), sc); err != nil {
		// Malformed lines are skipped inside ReadHooks; an error here is an
		// oversized body or a failure accepting events.
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, bufio.ErrTooLong) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		l.log.WithError(err).WithField("source", id).Error("hook stream failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	rd := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer rd.Close()
	return io.ReadAll(rd)
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
