package event

import (
	"testing"
	"time"
)

func TestUnmarshal_RequiredFields(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"valid", `{"id":"e1","source":"gh","type":"resource.changed","timestamp":"2026-01-02T03:04:05Z"}`, true},
		{"missing id", `{"source":"gh","type":"resource.changed"}`, false},
		{"missing source", `{"id":"e1","type":"resource.changed"}`, false},
		{"bad type", `{"id":"e1","source":"gh","type":"pr.opened"}`, false},
		{"not json", `{`, false},
	}
	for _, tc := range cases {
		_, err := Unmarshal([]byte(tc.in))
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestNewID_TimeOrdered(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if !(a < b) {
		t.Fatalf("ids not time-ordered: %s >= %s", a, b)
	}
}

func TestClone_IsDeep(t *testing.T) {
	e := &Event{
		ID:     "e1",
		Source: "gh",
		Type:   ResourceChanged,
		Payload: map[string]any{
			"pr": map[string]any{"number": 7},
		},
	}
	c := e.Clone()
	c.Payload["pr"].(map[string]any)["number"] = 8
	if got := e.Payload["pr"].(map[string]any)["number"]; got != 7 {
		t.Fatalf("clone mutated original: got %v want 7", got)
	}
}

func TestLookup_DotPaths(t *testing.T) {
	e := &Event{
		ID:        "e1",
		Source:    "gh",
		Type:      ResourceChanged,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Provenance: map[string]any{
			"platform":       "github",
			"platform_event": "pull_request.merged",
		},
		Payload: map[string]any{
			"pr_number": 42,
			"repo":      map[string]any{"owner": "acme"},
		},
	}

	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{"id", "e1", true},
		{"source", "gh", true},
		{"type", "resource.changed", true},
		{"provenance.platform_event", "pull_request.merged", true},
		{"payload.pr_number", 42, true},
		{"payload.repo.owner", "acme", true},
		{"payload.missing", nil, false},
		{"payload.pr_number.deeper", nil, false},
		{"fingerprint", nil, false},
		{"nonsense", nil, false},
	}
	for _, tc := range cases {
		got, ok := Lookup(e, tc.path)
		if ok != tc.ok {
			t.Fatalf("%s: ok=%v want %v", tc.path, ok, tc.ok)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.path, got, tc.want)
		}
	}

	if got := LookupString(e, "payload.pr_number"); got != "42" {
		t.Fatalf("LookupString: got %q want %q", got, "42")
	}
	if got := LookupString(e, "payload.absent"); got != "" {
		t.Fatalf("LookupString absent: got %q want empty", got)
	}
}
