package transform

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// Enrich adds fields to an event's payload or provenance. Config is an
// ordered `ops` list; each op is one of:
//
//	{op: set,      to: payload.team,  value: platform}
//	{op: copy,     to: payload.actor, from: provenance.author}
//	{op: template, to: payload.msg,   template: "PR {{payload.pr_number}} merged"}
//
// Targets must live under payload. or provenance. — the identity fields of
// an event are not writable.
type Enrich struct {
	ops []enrichOp
}

type enrichOp struct {
	kind  string // set | copy | template
	to    string
	value any
	from  string
	tmpl  string
}

var templateRef = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// NewEnrich returns the "enrich" builtin.
func NewEnrich() *Enrich { return &Enrich{} }

func (e *Enrich) Init(_ context.Context, cfg connector.Config) error {
	raw, ok := cfg["ops"].([]any)
	if !ok || len(raw) == 0 {
		return fmt.Errorf("enrich transform requires a non-empty ops list")
	}
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("enrich op %d must be a mapping", i)
		}
		op := enrichOp{
			kind: fmt.Sprint(m["op"]),
			to:   fmt.Sprint(m["to"]),
		}
		if !strings.HasPrefix(op.to, "payload.") && !strings.HasPrefix(op.to, "provenance.") {
			return fmt.Errorf("enrich op %d: target %q must be under payload or provenance", i, op.to)
		}
		switch op.kind {
		case "set":
			v, ok := m["value"]
			if !ok {
				return fmt.Errorf("enrich op %d: set requires value", i)
			}
			op.value = v
		case "copy":
			op.from = fmt.Sprint(m["from"])
			if op.from == "" || op.from == "<nil>" {
				return fmt.Errorf("enrich op %d: copy requires from", i)
			}
		case "template":
			op.tmpl = fmt.Sprint(m["template"])
			if op.tmpl == "" || op.tmpl == "<nil>" {
				return fmt.Errorf("enrich op %d: template requires template", i)
			}
		default:
			return fmt.Errorf("enrich op %d: unknown op %q", i, op.kind)
		}
		e.ops = append(e.ops, op)
	}
	return nil
}

func (e *Enrich) Execute(_ context.Context, ev *event.Event) (*event.Event, error) {
	out := ev.Clone()
	for _, op := range e.ops {
		switch op.kind {
		case "set":
			setPath(out, op.to, op.value)
		case "copy":
			if v, ok := event.Lookup(out, op.from); ok {
				setPath(out, op.to, v)
			}
		case "template":
			rendered := templateRef.ReplaceAllStringFunc(op.tmpl, func(ref string) string {
				path := templateRef.FindStringSubmatch(ref)[1]
				return event.LookupString(out, path)
			})
			setPath(out, op.to, rendered)
		}
	}
	return out, nil
}

// setPath writes v at a payload.* or provenance.* dot path, creating
// intermediate maps as needed. Init guarantees the prefix.
func setPath(ev *event.Event, path string, v any) {
	head, rest, _ := strings.Cut(path, ".")
	var m map[string]any
	switch head {
	case "payload":
		if ev.Payload == nil {
			ev.Payload = map[string]any{}
		}
		m = ev.Payload
	case "provenance":
		if ev.Provenance == nil {
			ev.Provenance = map[string]any{}
		}
		m = ev.Provenance
	default:
		return
	}
	for {
		key, deeper, more := strings.Cut(rest, ".")
		if !more {
			m[key] = v
			return
		}
		next, ok := m[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[key] = next
		}
		m = next
		rest = deeper
	}
}

func (e *Enrich) Shutdown(context.Context) error { return nil }
