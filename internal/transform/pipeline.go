// Package transform implements the per-route transform pipeline and the
// built-in transforms: filter, dedup, enrich, gate.
package transform

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/observe"
)

// Step is one named transform in a route's pipeline.
type Step struct {
	Name string
	T    connector.Transform
}

// Pipeline runs a route's ordered transforms over that route's clone of an
// event. Transform state is per-route-instance; pipelines never share steps.
type Pipeline struct {
	Route   string
	Steps   []Step
	Bus     *observe.Bus
	Metrics *observe.Metrics
	Log     logrus.FieldLogger
}

// Run executes the chain. A nil return means the event was dropped for this
// route; transform errors drop the event and are reported, other routes are
// unaffected.
func (p *Pipeline) Run(ctx context.Context, ev *event.Event) *event.Event {
	for _, step := range p.Steps {
		out, err := step.T.Execute(ctx, ev)
		if err != nil {
			p.drop(step.Name, ev, err)
			return nil
		}
		if out == nil {
			p.drop(step.Name, ev, nil)
			return nil
		}
		ev = out
	}
	return ev
}

func (p *Pipeline) drop(step string, ev *event.Event, err error) {
	fields := map[string]any{
		"route":     p.Route,
		"transform": step,
		"event":     ev.ID,
	}
	if err != nil {
		fields["error"] = err.Error()
		if p.Log != nil {
			p.Log.WithFields(logrus.Fields{"route": p.Route, "transform": step, "event": ev.ID}).
				WithError(err).Warn("transform failed; event dropped for route")
		}
	}
	if p.Bus != nil {
		p.Bus.Emit(observe.KindTransformDropped, fields)
	}
	if p.Metrics != nil {
		p.Metrics.TransformDrops.WithLabelValues(step).Inc()
	}
}

// Shutdown stops every step, last to first.
func (p *Pipeline) Shutdown(ctx context.Context) {
	for i := len(p.Steps) - 1; i >= 0; i-- {
		_ = p.Steps[i].T.Shutdown(ctx)
	}
}
