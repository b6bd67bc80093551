// Package route holds declarative route specs and the matcher that binds
// accepted events to them.
package route

import (
	"fmt"
	"strings"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// TransformSpec names one transform in a route's pipeline plus its config.
type TransformSpec struct {
	Use    string
	Config connector.Config
}

// When is a route's match clause.
type When struct {
	Source     string
	EventTypes []event.Type
	Filter     *Predicate
}

// Then names the target actor and the per-route delivery config handed to
// Actor.Deliver.
type Then struct {
	Actor  string
	Config connector.Config
}

// Spec is a declarative route: when → transforms → then. Immutable after
// load.
type Spec struct {
	Name       string
	When       When
	Transforms []TransformSpec
	Then       Then
	With       map[string]any
}

func (s *Spec) wantsType(t event.Type) bool {
	for _, et := range s.When.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Validate checks structural requirements that do not need the engine:
// a named source, a non-empty event type set, and a named actor.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("route has no name")
	}
	if strings.TrimSpace(s.When.Source) == "" {
		return fmt.Errorf("route %q: when.source is required", s.Name)
	}
	if len(s.When.EventTypes) == 0 {
		return fmt.Errorf("route %q: when.event_types must be non-empty", s.Name)
	}
	for _, et := range s.When.EventTypes {
		if _, err := event.ParseType(string(et)); err != nil {
			return fmt.Errorf("route %q: %w", s.Name, err)
		}
	}
	if strings.TrimSpace(s.Then.Actor) == "" {
		return fmt.Errorf("route %q: then.actor is required", s.Name)
	}
	return nil
}

// Matcher indexes routes by source id for O(routes-per-source) matching.
type Matcher struct {
	bySource map[string][]*Spec
}

// NewMatcher builds the index. Specs must already be validated.
func NewMatcher(specs []*Spec) *Matcher {
	m := &Matcher{bySource: make(map[string][]*Spec)}
	for _, s := range specs {
		m.bySource[s.When.Source] = append(m.bySource[s.When.Source], s)
	}
	return m
}

// Match returns every route the event satisfies: source index hit, event
// type membership, then the filter tree. Each hit later receives its own
// clone of the event.
func (m *Matcher) Match(ev *event.Event) []*Spec {
	var out []*Spec
	for _, s := range m.bySource[ev.Source] {
		if !s.wantsType(ev.Type) {
			continue
		}
		if !s.When.Filter.Eval(ev) {
			continue
		}
		out = append(out, s)
	}
	return out
}
