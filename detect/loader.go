package detect

import (
	"fmt"
	"os"
	"strings"
	"time"

	"sieman/core"
	"sieman/util"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RuleCompilationError reports an invalid rule. An invalid pattern aborts
// startup rather than silently disabling the rule.
type RuleCompilationError struct {
	RuleName string
	Err      error
}

// Error implements error.
func (e *RuleCompilationError) Error() string {
	return fmt.Sprintf("rule %q failed to compile: %v", e.RuleName, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RuleCompilationError) Unwrap() error { return e.Err }

// ruleFileSchema validates the structural shape of a rule file before any
// pattern compilation happens.
const ruleFileSchema = `{
	"type": "object",
	"required": ["rules"],
	"properties": {
		"rules": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "kind", "severity", "window_seconds"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"kind": {"enum": ["threshold", "correlation"]},
					"description": {"type": "string"},
					"severity": {"type": "string", "minLength": 1},
					"pattern": {"type": "string"},
					"patterns": {"type": "array", "items": {"type": "string"}, "minItems": 2},
					"fields": {"type": "object", "additionalProperties": {"type": "string"}},
					"group_by": {"type": "string"},
					"count": {"type": "integer", "minimum": 1},
					"window_seconds": {"type": "integer", "minimum": 1},
					"fire_policy": {"enum": ["reset", "slide"]},
					"suppress_seconds": {"type": "integer", "minimum": 0}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

// ruleSpec is the YAML shape of one rule entry.
type ruleSpec struct {
	Name            string            `yaml:"name"`
	Kind            string            `yaml:"kind"`
	Description     string            `yaml:"description"`
	Severity        string            `yaml:"severity"`
	Pattern         string            `yaml:"pattern"`
	Patterns        []string          `yaml:"patterns"`
	Fields          map[string]string `yaml:"fields"`
	GroupBy         string            `yaml:"group_by"`
	Count           int               `yaml:"count"`
	WindowSeconds   int               `yaml:"window_seconds"`
	FirePolicy      string            `yaml:"fire_policy"`
	SuppressSeconds int               `yaml:"suppress_seconds"`
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// LoadRules reads, validates and compiles a YAML rule file. Any invalid
// rule is fatal: the returned error wraps a *RuleCompilationError and the
// caller must abort startup.
func LoadRules(path string, logger *zap.SugaredLogger) ([]*core.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	logger.Infow("rules loaded", "path", path, "count", len(rules))
	return rules, nil
}

// ParseRules parses and compiles a rule set from YAML bytes. The returned
// slice preserves declaration order, which fixes firing order.
func ParseRules(data []byte) ([]*core.Rule, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(ruleFileSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return nil, fmt.Errorf("validate rule file: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("rule file is invalid: %s", strings.Join(problems, "; "))
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode rule file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Rules))
	rules := make([]*core.Rule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		if _, dup := seen[spec.Name]; dup {
			return nil, &RuleCompilationError{RuleName: spec.Name, Err: fmt.Errorf("duplicate rule name")}
		}
		seen[spec.Name] = struct{}{}

		rule, err := compileRule(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileRule(spec ruleSpec) (*core.Rule, error) {
	fail := func(err error) (*core.Rule, error) {
		return nil, &RuleCompilationError{RuleName: spec.Name, Err: err}
	}

	rule := &core.Rule{
		Name:        spec.Name,
		Kind:        core.RuleKind(spec.Kind),
		Description: spec.Description,
		Severity:    spec.Severity,
		GroupBy:     spec.GroupBy,
		FirePolicy:  core.FirePolicy(spec.FirePolicy),
		SuppressFor: time.Duration(spec.SuppressSeconds) * time.Second,
		Count:       spec.Count,
		Window:      time.Duration(spec.WindowSeconds) * time.Second,
	}
	if rule.FirePolicy == "" {
		rule.FirePolicy = core.FireReset
	}

	switch rule.Kind {
	case core.RuleKindThreshold:
		if spec.Pattern == "" {
			return fail(fmt.Errorf("threshold rule requires a pattern"))
		}
		if len(spec.Patterns) > 0 {
			return fail(fmt.Errorf("threshold rule does not take patterns"))
		}
		if rule.Count < 1 {
			return fail(fmt.Errorf("threshold rule requires count >= 1"))
		}
		matcher, err := compileMatcher(spec.Pattern, spec.Fields)
		if err != nil {
			return fail(err)
		}
		rule.Matcher = matcher

	case core.RuleKindCorrelation:
		if len(spec.Patterns) < 2 {
			return fail(fmt.Errorf("correlation rule requires at least two patterns"))
		}
		if spec.Pattern != "" {
			return fail(fmt.Errorf("correlation rule does not take a single pattern"))
		}
		for _, p := range spec.Patterns {
			matcher, err := compileMatcher(p, spec.Fields)
			if err != nil {
				return fail(err)
			}
			rule.Sequence = append(rule.Sequence, matcher)
		}

	default:
		return fail(fmt.Errorf("unknown rule kind %q", spec.Kind))
	}

	return rule, nil
}

// compileMatcher runs pattern safety validation before handing off to the
// regex engine.
func compileMatcher(pattern string, fields map[string]string) (*core.Matcher, error) {
	if err := util.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	return core.CompileMatcher(pattern, fields)
}
