package route

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/orgloop/orgloop/internal/event"
)

// Predicate is one node of a filter tree. A node is either a combiner
// (match/exclude over children) or a leaf clause over a dot-path key.
//
// Leaf operators: equals, not_equals, in, matches (regex), exists,
// glob (doublestar pattern). Comparisons are exact string comparisons over
// the fmt.Sprint rendering of the resolved value; missing keys resolve to
// the empty string (except exists, which tests presence).
type Predicate struct {
	// Combiner children. Match requires every child to hold; Exclude
	// requires that no child holds.
	Match   []*Predicate
	Exclude []*Predicate

	// Leaf clause.
	Key    string
	Op     string
	Value  string
	Values []string

	re *regexp.Regexp
}

const (
	opEquals    = "equals"
	opNotEquals = "not_equals"
	opIn        = "in"
	opMatches   = "matches"
	opExists    = "exists"
	opGlob      = "glob"
)

// ParsePredicate builds a predicate tree from its decoded YAML/JSON form.
// Regex patterns compile here so invalid filters surface at load time.
func ParsePredicate(raw map[string]any) (*Predicate, error) {
	if raw == nil {
		return nil, nil
	}
	_, hasMatch := raw["match"]
	_, hasExclude := raw["exclude"]
	if hasMatch || hasExclude {
		for k := range raw {
			if k != "match" && k != "exclude" {
				return nil, fmt.Errorf("filter combiner has stray key %q", k)
			}
		}
		p := &Predicate{}
		var err error
		if p.Match, err = parseChildren(raw["match"]); err != nil {
			return nil, err
		}
		if p.Exclude, err = parseChildren(raw["exclude"]); err != nil {
			return nil, err
		}
		return p, nil
	}
	return parseLeaf(raw)
}

func parseChildren(raw any) ([]*Predicate, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("filter combiner expects a list, got %T", raw)
	}
	out := make([]*Predicate, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("filter node must be a mapping, got %T", item)
		}
		p, err := ParsePredicate(m)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func parseLeaf(raw map[string]any) (*Predicate, error) {
	key, _ := raw["key"].(string)
	if key == "" {
		return nil, fmt.Errorf("filter clause is missing key")
	}
	p := &Predicate{Key: key}
	ops := 0
	for k, v := range raw {
		switch k {
		case "key":
			continue
		case opEquals, opNotEquals, opMatches, opGlob:
			p.Op = k
			p.Value = fmt.Sprint(v)
			ops++
		case opIn:
			p.Op = opIn
			list, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("filter clause %q: in expects a list", key)
			}
			for _, item := range list {
				p.Values = append(p.Values, fmt.Sprint(item))
			}
			sort.Strings(p.Values)
			ops++
		case opExists:
			p.Op = opExists
			if b, ok := v.(bool); ok && !b {
				// exists: false inverts the test.
				p.Value = "false"
			}
			ops++
		default:
			return nil, fmt.Errorf("filter clause %q: unknown operator %q", key, k)
		}
	}
	if ops != 1 {
		return nil, fmt.Errorf("filter clause %q needs exactly one operator, has %d", key, ops)
	}
	if p.Op == opMatches {
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return nil, fmt.Errorf("filter clause %q: bad pattern: %w", key, err)
		}
		p.re = re
	}
	if p.Op == opGlob {
		if !doublestar.ValidatePattern(p.Value) {
			return nil, fmt.Errorf("filter clause %q: bad glob %q", key, p.Value)
		}
	}
	return p, nil
}

// Eval evaluates the tree against ev. A nil predicate holds trivially.
func (p *Predicate) Eval(ev *event.Event) bool {
	if p == nil {
		return true
	}
	if p.Op == "" {
		for _, child := range p.Match {
			if !child.Eval(ev) {
				return false
			}
		}
		for _, child := range p.Exclude {
			if child.Eval(ev) {
				return false
			}
		}
		return true
	}
	return p.evalLeaf(ev)
}

func (p *Predicate) evalLeaf(ev *event.Event) bool {
	val, present := event.Lookup(ev, p.Key)
	got := ""
	if present && val != nil {
		got = fmt.Sprint(val)
	}
	switch p.Op {
	case opEquals:
		return got == p.Value
	case opNotEquals:
		return got != p.Value
	case opIn:
		i := sort.SearchStrings(p.Values, got)
		return i < len(p.Values) && p.Values[i] == got
	case opMatches:
		return p.re.MatchString(got)
	case opGlob:
		ok, err := doublestar.Match(p.Value, got)
		return err == nil && ok
	case opExists:
		if p.Value == "false" {
			return !present
		}
		return present
	default:
		return false
	}
}
