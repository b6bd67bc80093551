package route

import (
	"testing"

	"github.com/orgloop/orgloop/internal/event"
)

func testEvent() *event.Event {
	return &event.Event{
		ID:     "e1",
		Source: "gh",
		Type:   event.ResourceChanged,
		Provenance: map[string]any{
			"platform":       "github",
			"platform_event": "pull_request.merged",
			"author_type":    "human",
		},
		Payload: map[string]any{
			"pr_number": 42,
			"branch":    "feature/retry-backoff",
		},
	}
}

func mustParse(t *testing.T, raw map[string]any) *Predicate {
	t.Helper()
	p, err := ParsePredicate(raw)
	if err != nil {
		t.Fatalf("ParsePredicate: %v", err)
	}
	return p
}

func TestPredicate_LeafOperators(t *testing.T) {
	ev := testEvent()
	cases := []struct {
		name string
		raw  map[string]any
		want bool
	}{
		{"equals hit", map[string]any{"key": "provenance.platform_event", "equals": "pull_request.merged"}, true},
		{"equals miss", map[string]any{"key": "provenance.platform_event", "equals": "push"}, false},
		{"not_equals", map[string]any{"key": "provenance.author_type", "not_equals": "bot"}, true},
		{"in hit", map[string]any{"key": "provenance.platform", "in": []any{"github", "linear"}}, true},
		{"in miss", map[string]any{"key": "provenance.platform", "in": []any{"docker"}}, false},
		{"matches", map[string]any{"key": "provenance.platform_event", "matches": `^pull_request\.`}, true},
		{"matches miss", map[string]any{"key": "provenance.platform_event", "matches": `^issues\.`}, false},
		{"exists hit", map[string]any{"key": "payload.pr_number", "exists": true}, true},
		{"exists miss", map[string]any{"key": "payload.absent", "exists": true}, false},
		{"exists false", map[string]any{"key": "payload.absent", "exists": false}, true},
		{"glob", map[string]any{"key": "payload.branch", "glob": "feature/*"}, true},
		{"glob miss", map[string]any{"key": "payload.branch", "glob": "hotfix/*"}, false},
		{"numeric equals via string", map[string]any{"key": "payload.pr_number", "equals": "42"}, true},
		{"missing key equals empty", map[string]any{"key": "payload.absent", "equals": ""}, true},
	}
	for _, tc := range cases {
		if got := mustParse(t, tc.raw).Eval(ev); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestPredicate_Combiners(t *testing.T) {
	ev := testEvent()

	all := mustParse(t, map[string]any{
		"match": []any{
			map[string]any{"key": "provenance.platform", "equals": "github"},
			map[string]any{"key": "provenance.platform_event", "matches": `merged$`},
		},
	})
	if !all.Eval(ev) {
		t.Fatal("match combiner should hold")
	}

	excluded := mustParse(t, map[string]any{
		"match": []any{
			map[string]any{"key": "provenance.platform", "equals": "github"},
		},
		"exclude": []any{
			map[string]any{"key": "provenance.author_type", "equals": "human"},
		},
	})
	if excluded.Eval(ev) {
		t.Fatal("exclude combiner should veto")
	}

	nested := mustParse(t, map[string]any{
		"match": []any{
			map[string]any{
				"exclude": []any{
					map[string]any{"key": "provenance.author_type", "equals": "bot"},
				},
			},
		},
	})
	if !nested.Eval(ev) {
		t.Fatal("nested combiner should hold")
	}
}

func TestParsePredicate_Errors(t *testing.T) {
	bad := []map[string]any{
		{"equals": "x"},                                  // no key
		{"key": "a", "equals": "x", "matches": "y"},      // two operators
		{"key": "a"},                                     // no operator
		{"key": "a", "frobnicate": "x"},                  // unknown operator
		{"key": "a", "matches": "("},                     // bad regex
		{"key": "a", "in": "not-a-list"},                 // in expects list
		{"match": []any{map[string]any{"key": "a"}}},     // bad child
		{"match": []any{"scalar"}},                       // child not a mapping
		{"match": []any{}, "key": "a", "equals": "x"},    // combiner with stray keys
	}
	for i, raw := range bad {
		if _, err := ParsePredicate(raw); err == nil {
			t.Fatalf("case %d: expected parse error for %v", i, raw)
		}
	}

	if p, err := ParsePredicate(nil); err != nil || p != nil {
		t.Fatalf("nil filter: got %v, %v", p, err)
	}
}

func TestMatcher_IndexAndTypeFilter(t *testing.T) {
	specs := []*Spec{
		{Name: "gh-merges", When: When{Source: "gh", EventTypes: []event.Type{event.ResourceChanged}}},
		{Name: "gh-messages", When: When{Source: "gh", EventTypes: []event.Type{event.MessageReceived}}},
		{Name: "linear-any", When: When{Source: "linear", EventTypes: []event.Type{event.ResourceChanged}}},
	}
	m := NewMatcher(specs)

	hits := m.Match(testEvent())
	if len(hits) != 1 || hits[0].Name != "gh-merges" {
		t.Fatalf("Match: got %v", names(hits))
	}

	ev := testEvent()
	ev.Source = "unknown"
	if hits := m.Match(ev); hits != nil {
		t.Fatalf("Match unknown source: got %v", names(hits))
	}
}

func TestMatcher_TiesProduceAllRoutes(t *testing.T) {
	specs := []*Spec{
		{Name: "a", When: When{Source: "gh", EventTypes: []event.Type{event.ResourceChanged}}},
		{Name: "b", When: When{Source: "gh", EventTypes: []event.Type{event.ResourceChanged}}},
	}
	hits := NewMatcher(specs).Match(testEvent())
	if len(hits) != 2 {
		t.Fatalf("Match: got %v want both routes", names(hits))
	}
}

func names(specs []*Spec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}
