package transform

import (
	"context"
	"fmt"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/route"
)

// Filter applies the route-matcher predicate grammar to an already-matched
// event: match passes the event through, miss drops it.
type Filter struct {
	pred *route.Predicate
}

// NewFilter returns the "filter" builtin.
func NewFilter() *Filter { return &Filter{} }

// Init treats the whole config mapping as the predicate tree.
func (f *Filter) Init(_ context.Context, cfg connector.Config) error {
	if len(cfg) == 0 {
		return fmt.Errorf("filter transform requires a predicate")
	}
	p, err := route.ParsePredicate(map[string]any(cfg))
	if err != nil {
		return fmt.Errorf("filter transform: %w", err)
	}
	f.pred = p
	return nil
}

func (f *Filter) Execute(_ context.Context, ev *event.Event) (*event.Event, error) {
	if f.pred.Eval(ev) {
		return ev, nil
	}
	return nil, nil
}

func (f *Filter) Shutdown(context.Context) error { return nil }
