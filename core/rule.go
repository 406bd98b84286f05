package core

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
)

// RuleKind identifies the evaluation semantics of a rule.
type RuleKind string

const (
	// RuleKindThreshold fires when a single pattern matches Count times
	// within Window for the same group key.
	RuleKindThreshold RuleKind = "threshold"
	// RuleKindCorrelation fires when every sub-matcher in Sequence has
	// matched within Window for the same group key, in any arrival order.
	RuleKindCorrelation RuleKind = "correlation"
)

// FirePolicy controls what happens to window state after a rule fires.
type FirePolicy string

const (
	// FireReset clears the key's window state after firing, so the rule
	// fires at most once per full window. This is the default.
	FireReset FirePolicy = "reset"
	// FireSlide keeps the window state after firing, re-firing on each
	// subsequent match while the condition stays satisfied.
	FireSlide FirePolicy = "slide"
)

// MatchTimeout bounds a single regex evaluation. Patterns are operator
// supplied, so matching must not be allowed to run unbounded.
const MatchTimeout = 100 * time.Millisecond

// Matcher is a compiled predicate over an Event: a regex applied to the
// event message (falling back to the raw line) plus optional exact field
// constraints. Compiled once at rule load.
type Matcher struct {
	Pattern string
	Fields  map[string]string

	re *regexp2.Regexp
}

// CompileMatcher compiles a pattern into a Matcher with a bounded match
// timeout. The pattern must already have passed safety validation.
func CompileMatcher(pattern string, fields map[string]string) (*Matcher, error) {
	re, err := regexp2.Compile(pattern, regexp2.RE2)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	re.MatchTimeout = MatchTimeout
	return &Matcher{Pattern: pattern, Fields: fields, re: re}, nil
}

// Match reports whether the event satisfies the matcher, along with any
// named capture groups from the regex. Captures let group_by keys be pulled
// out of patterns like `Failed login.*ip=(?P<ip>.+)` when the extractor did
// not produce the field.
func (m *Matcher) Match(e *Event) (bool, map[string]string) {
	for k, want := range m.Fields {
		if e.Field(k) != want {
			return false, nil
		}
	}

	text := e.Message
	if text == "" {
		text = e.Raw
	}
	match, err := m.re.FindStringMatch(text)
	if err != nil || match == nil {
		// Timeout counts as no match; the pattern budget is per event.
		return false, nil
	}

	var captures map[string]string
	for _, g := range match.Groups() {
		if g.Name == "" || g.Name == "0" || len(g.Captures) == 0 {
			continue
		}
		if captures == nil {
			captures = make(map[string]string)
		}
		captures[g.Name] = g.Capture.String()
	}
	return true, captures
}

// Rule is a compiled detection rule, immutable after load.
type Rule struct {
	Name        string
	Kind        RuleKind
	Description string
	Severity    string
	GroupBy     string
	FirePolicy  FirePolicy
	SuppressFor time.Duration

	// Threshold parameters.
	Matcher *Matcher
	Count   int
	// Correlation parameters.
	Sequence []*Matcher

	Window time.Duration
}

// GroupKey derives the partitioning key for an event matched by this rule.
// Resolution order: extracted event field, then a named capture group from
// the matcher, then the global key (empty string) when the rule declares no
// grouping or the value is absent.
func (r *Rule) GroupKey(e *Event, captures map[string]string) string {
	if r.GroupBy == "" {
		return ""
	}
	if v := e.Field(r.GroupBy); v != "" {
		return v
	}
	if v, ok := captures[r.GroupBy]; ok {
		return v
	}
	return ""
}
