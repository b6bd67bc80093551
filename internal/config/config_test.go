package config

import (
	"strings"
	"testing"
	"time"

	"github.com/orgloop/orgloop/internal/event"
)

const sample = `
listen: "127.0.0.1:4800"
data_dir: /var/lib/orgloop
engine:
  drain_timeout: 10s
  wal:
    segment_max_bytes: 1048576
    sync: batched
    sync_interval: 5ms
    compact:
      max_age: 168h
      max_total_bytes: 1073741824
  delivery:
    max_attempts: 3
    base: 500ms
    factor: 2.0
    cap: 1m
sources:
  gh:
    use: webhook
    mode: webhook
    config:
      platform: github
  ticker:
    use: cron
    mode: poll
    interval: 30s
actors:
  notify:
    use: exec
    workers: 1
    queue_size: 16
    config:
      command: ["sh", "-c", "cat"]
loggers:
  console:
    use: console
    config:
      level: info
routes:
  - name: gh-to-notify
    when:
      source: gh
      event_types: [resource.changed]
      filter:
        key: payload.action
        equals: opened
    transforms:
      - use: dedup
        config:
          fields: [payload.url]
    then:
      actor: notify
`

func TestParse_FullDocument(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Listen != "127.0.0.1:4800" {
		t.Fatalf("listen = %q", f.Listen)
	}
	if f.Engine.DrainTimeout.Std() != 10*time.Second {
		t.Fatalf("drain_timeout = %v", f.Engine.DrainTimeout.Std())
	}
	if f.Engine.WAL.SyncInterval.Std() != 5*time.Millisecond {
		t.Fatalf("sync_interval = %v", f.Engine.WAL.SyncInterval.Std())
	}
	if f.Engine.Delivery.MaxAttempts != 3 {
		t.Fatalf("max_attempts = %d", f.Engine.Delivery.MaxAttempts)
	}
	src, ok := f.Sources["ticker"]
	if !ok || src.Interval.Std() != 30*time.Second {
		t.Fatalf("ticker source = %+v", src)
	}
	if f.Actors["notify"].Workers != 1 || f.Actors["notify"].QueueSize != 16 {
		t.Fatalf("actor tuning = %+v", f.Actors["notify"])
	}
}

func TestParse_UnknownKeyRejected(t *testing.T) {
	doc := strings.Replace(sample, "data_dir:", "data_dirr:", 1)
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
}

func TestParse_MissingEnvVarNamed(t *testing.T) {
	doc := `
sources:
  gh:
    use: webhook
    config:
      token: ${ORGLOOP_TEST_UNSET_TOKEN}
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("unset env var accepted")
	}
	if !strings.Contains(err.Error(), "ORGLOOP_TEST_UNSET_TOKEN") {
		t.Fatalf("error does not name the variable: %v", err)
	}
}

func TestParse_EnvVarSubstituted(t *testing.T) {
	t.Setenv("ORGLOOP_TEST_TOKEN", "s3cret")
	doc := `
sources:
  gh:
    use: webhook
    config:
      token: ${ORGLOOP_TEST_TOKEN}
`
	f, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := f.Sources["gh"].Config["token"]; got != "s3cret" {
		t.Fatalf("token = %v", got)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"no sources", `routes: []`, "no sources"},
		{"source missing use", "sources:\n  gh: {}", "missing use"},
		{"bad mode", "sources:\n  gh:\n    use: webhook\n    mode: push", "unknown mode"},
		{"duplicate route", `
sources:
  gh: {use: webhook}
routes:
  - name: r1
    when: {source: gh, event_types: [resource.changed]}
    then: {actor: a}
  - name: r1
    when: {source: gh, event_types: [resource.changed]}
    then: {actor: a}
`, "declared twice"},
		{"bad duration", "sources:\n  gh:\n    use: cron\n    interval: fast", "duration"},
		{"reserved source id", "sources:\n  _router:\n    use: webhook", "source id"},
		{"source id with slash", "sources:\n  a/b:\n    use: webhook", "source id"},
		{"actor id with dot", "sources:\n  gh: {use: webhook}\nactors:\n  \"..\": {use: exec}", "actor id"},
		{"underscore logger id", "sources:\n  gh: {use: webhook}\nloggers:\n  _sys: {use: console}", "logger id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("bad document accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestRouteSpecs_CompilesFiltersAndTypes(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	specs, err := f.RouteSpecs()
	if err != nil {
		t.Fatalf("route specs: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("got %d specs", len(specs))
	}
	s := specs[0]
	if s.When.EventTypes[0] != event.ResourceChanged {
		t.Fatalf("event type = %v", s.When.EventTypes)
	}
	if s.When.Filter == nil {
		t.Fatal("filter not compiled")
	}
	if len(s.Transforms) != 1 || s.Transforms[0].Use != "dedup" {
		t.Fatalf("transforms = %+v", s.Transforms)
	}
}

func TestRouteSpecs_BadFilterAtLoad(t *testing.T) {
	doc := `
sources:
  gh: {use: webhook}
routes:
  - name: r1
    when:
      source: gh
      event_types: [resource.changed]
      filter:
        key: payload.x
        matches: "["
    then: {actor: a}
`
	f, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := f.RouteSpecs(); err == nil {
		t.Fatal("invalid regex accepted at load")
	}
}

func TestRouteSpecs_BadEventType(t *testing.T) {
	doc := `
sources:
  gh: {use: webhook}
routes:
  - name: r1
    when:
      source: gh
      event_types: [resource.vanished]
    then: {actor: a}
`
	f, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := f.RouteSpecs(); err == nil {
		t.Fatal("unknown event type accepted")
	}
}
