package connector

import (
	"fmt"
	"sort"
	"sync"
)

// Builders construct fresh connector instances. The engine instantiates one
// per declared source/actor id and one transform per route occurrence.
type (
	SourceBuilder    func() Source
	ActorBuilder     func() Actor
	TransformBuilder func() Transform
	LoggerBuilder    func() Logger
)

// Registry maps connector names (e.g. "github", "webhook", "dedup") to
// builders. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	sources    map[string]SourceBuilder
	actors     map[string]ActorBuilder
	transforms map[string]TransformBuilder
	loggers    map[string]LoggerBuilder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:    map[string]SourceBuilder{},
		actors:     map[string]ActorBuilder{},
		transforms: map[string]TransformBuilder{},
		loggers:    map[string]LoggerBuilder{},
	}
}

// RegisterSource binds name to a source builder. Re-registering a name is an
// error; connector names are a flat global namespace per kind.
func (r *Registry) RegisterSource(name string, b SourceBuilder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sources[name]; dup {
		return fmt.Errorf("source connector %q already registered", name)
	}
	r.sources[name] = b
	return nil
}

func (r *Registry) RegisterActor(name string, b ActorBuilder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.actors[name]; dup {
		return fmt.Errorf("actor connector %q already registered", name)
	}
	r.actors[name] = b
	return nil
}

func (r *Registry) RegisterTransform(name string, b TransformBuilder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.transforms[name]; dup {
		return fmt.Errorf("transform connector %q already registered", name)
	}
	r.transforms[name] = b
	return nil
}

func (r *Registry) RegisterLogger(name string, b LoggerBuilder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.loggers[name]; dup {
		return fmt.Errorf("logger connector %q already registered", name)
	}
	r.loggers[name] = b
	return nil
}

// NewSource instantiates the named source connector.
func (r *Registry) NewSource(name string) (Source, error) {
	r.mu.RLock()
	b, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source connector %q (have %v)", name, r.sourceNames())
	}
	return b(), nil
}

func (r *Registry) NewActor(name string) (Actor, error) {
	r.mu.RLock()
	b, ok := r.actors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown actor connector %q", name)
	}
	return b(), nil
}

func (r *Registry) NewTransform(name string) (Transform, error) {
	r.mu.RLock()
	b, ok := r.transforms[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	return b(), nil
}

func (r *Registry) NewLogger(name string) (Logger, error) {
	r.mu.RLock()
	b, ok := r.loggers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown logger %q", name)
	}
	return b(), nil
}

// HasTransform reports whether name is registered, for load-time validation.
func (r *Registry) HasTransform(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.transforms[name]
	return ok
}

func (r *Registry) sourceNames() []string {
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
