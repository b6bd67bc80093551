// Package config loads the engine's YAML declaration file: sources, actors,
// loggers, routes, and tuning. ${VAR} references are resolved from the
// environment at load time; a missing variable fails the load by name.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/route"
)

// Duration parses Go duration strings from YAML ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Source declares one source instance.
type Source struct {
	Use      string         `yaml:"use"`
	Mode     string         `yaml:"mode"`
	Interval Duration       `yaml:"interval"`
	Config   map[string]any `yaml:"config"`
}

// Actor declares one actor instance and its queue tuning.
type Actor struct {
	Use       string         `yaml:"use"`
	Workers   int            `yaml:"workers"`
	QueueSize int            `yaml:"queue_size"`
	Config    map[string]any `yaml:"config"`
}

// Logger declares one observer logger instance.
type Logger struct {
	Use    string         `yaml:"use"`
	Config map[string]any `yaml:"config"`
}

// TransformRef names a transform and its per-route config.
type TransformRef struct {
	Use    string         `yaml:"use"`
	Config map[string]any `yaml:"config"`
}

// Route declares one routing rule.
type Route struct {
	Name       string         `yaml:"name"`
	When       When           `yaml:"when"`
	Transforms []TransformRef `yaml:"transforms"`
	Then       Then           `yaml:"then"`
	With       map[string]any `yaml:"with"`
}

type When struct {
	Source     string         `yaml:"source"`
	EventTypes []string       `yaml:"event_types"`
	Filter     map[string]any `yaml:"filter"`
}

type Then struct {
	Actor  string         `yaml:"actor"`
	Config map[string]any `yaml:"config"`
}

// Compact tunes WAL segment reclamation.
type Compact struct {
	Disabled      bool     `yaml:"disabled"`
	MaxAge        Duration `yaml:"max_age"`
	MaxTotalBytes int64    `yaml:"max_total_bytes"`
}

// WAL tunes the event bus log.
type WAL struct {
	SegmentMaxBytes int64    `yaml:"segment_max_bytes"`
	Sync            string   `yaml:"sync"` // "per-record" or "batched"
	SyncInterval    Duration `yaml:"sync_interval"`
	Compact         Compact  `yaml:"compact"`
}

// Delivery tunes the retry policy and attempt deadline.
type Delivery struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	Base           Duration `yaml:"base"`
	Factor         float64  `yaml:"factor"`
	Cap            Duration `yaml:"cap"`
	DeliverTimeout Duration `yaml:"deliver_timeout"`
}

// Engine groups supervisor tuning.
type Engine struct {
	DrainTimeout Duration `yaml:"drain_timeout"`
	WAL          WAL      `yaml:"wal"`
	Delivery     Delivery `yaml:"delivery"`
}

// File is the parsed top-level configuration.
type File struct {
	Listen  string            `yaml:"listen"`
	DataDir string            `yaml:"data_dir"`
	Engine  Engine            `yaml:"engine"`
	Sources map[string]Source `yaml:"sources"`
	Actors  map[string]Actor  `yaml:"actors"`
	Loggers map[string]Logger `yaml:"loggers"`
	Routes  []Route           `yaml:"routes"`
}

// Load reads, substitutes, decodes, and sanity-checks path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a config document. Unknown keys are errors.
func Parse(raw []byte) (*File, error) {
	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, err
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Declared ids become checkpoint filenames and URL path segments, and ids
// starting with "_" are reserved for engine-internal checkpoints.
var identRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// expandEnv resolves ${VAR} references, collecting every missing variable so
// the error names them all at once.
func expandEnv(raw []byte) ([]byte, error) {
	missing := map[string]bool{}
	out := envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		val, ok := os.LookupEnv(name)
		if !ok {
			missing[name] = true
			return m
		}
		return []byte(val)
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("config references unset environment variables: %v", names)
	}
	return out, nil
}

func (f *File) validate() error {
	if len(f.Sources) == 0 {
		return fmt.Errorf("config declares no sources")
	}
	for id, s := range f.Sources {
		if !identRe.MatchString(id) {
			return fmt.Errorf("source id %q: must match %s", id, identRe)
		}
		if s.Use == "" {
			return fmt.Errorf("source %q: missing use", id)
		}
		switch s.Mode {
		case "poll", "webhook", "hook", "":
		default:
			return fmt.Errorf("source %q: unknown mode %q", id, s.Mode)
		}
	}
	for id, a := range f.Actors {
		if !identRe.MatchString(id) {
			return fmt.Errorf("actor id %q: must match %s", id, identRe)
		}
		if a.Use == "" {
			return fmt.Errorf("actor %q: missing use", id)
		}
	}
	for id, l := range f.Loggers {
		if !identRe.MatchString(id) {
			return fmt.Errorf("logger id %q: must match %s", id, identRe)
		}
		if l.Use == "" {
			return fmt.Errorf("logger %q: missing use", id)
		}
	}
	seen := map[string]bool{}
	for i, r := range f.Routes {
		if r.Name == "" {
			return fmt.Errorf("route %d: missing name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("route %q declared twice", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// RouteSpecs converts the declared routes into validated matcher specs.
// Filter trees compile here so bad predicates surface at load, not at match.
func (f *File) RouteSpecs() ([]*route.Spec, error) {
	specs := make([]*route.Spec, 0, len(f.Routes))
	for _, r := range f.Routes {
		spec := &route.Spec{
			Name: r.Name,
			When: route.When{Source: r.When.Source},
			Then: route.Then{Actor: r.Then.Actor, Config: connector.Config(r.Then.Config)},
			With: r.With,
		}
		for _, raw := range r.When.EventTypes {
			t, err := event.ParseType(raw)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", r.Name, err)
			}
			spec.When.EventTypes = append(spec.When.EventTypes, t)
		}
		if r.When.Filter != nil {
			p, err := route.ParsePredicate(r.When.Filter)
			if err != nil {
				return nil, fmt.Errorf("route %q filter: %w", r.Name, err)
			}
			spec.When.Filter = p
		}
		for _, tr := range r.Transforms {
			spec.Transforms = append(spec.Transforms, route.TransformSpec{
				Use:    tr.Use,
				Config: connector.Config(tr.Config),
			})
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
