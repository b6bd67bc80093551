// Package event defines the immutable event record that flows from sources
// through the bus, routes, and transforms to actors.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type classifies an event. The set is closed; connectors map their native
// notions onto one of these.
type Type string

const (
	ResourceChanged Type = "resource.changed"
	ActorStopped    Type = "actor.stopped"
	MessageReceived Type = "message.received"
)

// ParseType returns the canonical Type for s, or an error for unknown values.
func ParseType(s string) (Type, error) {
	switch Type(strings.TrimSpace(s)) {
	case ResourceChanged:
		return ResourceChanged, nil
	case ActorStopped:
		return ActorStopped, nil
	case MessageReceived:
		return MessageReceived, nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}

// Event is a single signal accepted into the engine. Immutable once appended
// to the bus; transforms operate on per-route clones.
type Event struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Type        Type           `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	Provenance  map[string]any `json:"provenance,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
}

// NewID returns a globally unique, time-ordered event id.
func NewID() string {
	return ulid.Make().String()
}

// Clone returns a deep copy. Each matched route receives its own clone so
// transforms on one route cannot leak into another.
func (e *Event) Clone() *Event {
	out := *e
	out.Provenance = cloneMap(e.Provenance)
	out.Payload = cloneMap(e.Payload)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		if list, ok := v.([]any); ok {
			cp := make([]any, len(list))
			copy(cp, list)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// Marshal renders the wire JSON form (RFC3339 timestamp via time.Time).
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses wire JSON and rejects records without the required fields.
func Unmarshal(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if strings.TrimSpace(e.ID) == "" {
		return nil, fmt.Errorf("event is missing id")
	}
	if strings.TrimSpace(e.Source) == "" {
		return nil, fmt.Errorf("event %s is missing source", e.ID)
	}
	if _, err := ParseType(string(e.Type)); err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}
	return &e, nil
}

// Lookup resolves a dot-path key against the full event. Top-level keys are
// id, source, type, timestamp, fingerprint; provenance.* and payload.* descend
// into the respective maps. The second return reports whether the path exists.
func Lookup(e *Event, path string) (any, bool) {
	if e == nil {
		return nil, false
	}
	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "id":
		return e.ID, rest == ""
	case "source":
		return e.Source, rest == ""
	case "type":
		return string(e.Type), rest == ""
	case "timestamp":
		return e.Timestamp.Format(time.RFC3339), rest == ""
	case "fingerprint":
		if e.Fingerprint == "" {
			return nil, false
		}
		return e.Fingerprint, rest == ""
	case "provenance":
		return lookupMap(e.Provenance, rest)
	case "payload":
		return lookupMap(e.Payload, rest)
	default:
		return nil, false
	}
}

func lookupMap(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	head, rest, more := strings.Cut(path, ".")
	v, ok := m[head]
	if !ok {
		return nil, false
	}
	if !more {
		return v, true
	}
	nested, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupMap(nested, rest)
}

// LookupString is Lookup with fmt.Sprint coercion; missing paths yield "".
func LookupString(e *Event, path string) string {
	v, ok := Lookup(e, path)
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
