package detect

import (
	"sync"
	"time"

	"sieman/core"
	"sieman/metrics"

	"go.uber.org/zap"
)

// Engine matches a continuous event stream against the loaded rule set,
// maintaining sliding-window state through its WindowStateManager. Each
// Engine owns its state and has an explicit Stop lifecycle, so multiple
// engines can coexist in tests.
type Engine struct {
	rules  []*core.Rule
	state  *WindowStateManager
	logger *zap.SugaredLogger

	suppressMu sync.Mutex
	suppressed map[string]time.Time
}

// NewEngine creates an engine for an immutable rule set. Rules fire in
// declaration order for any given event; that order is a contract, not an
// accident.
func NewEngine(rules []*core.Rule, maxStateKeys int, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		rules:      rules,
		state:      NewWindowStateManager(maxStateKeys, logger),
		logger:     logger,
		suppressed: make(map[string]time.Time),
	}
}

// Rules returns the loaded rule set in declaration order.
func (e *Engine) Rules() []*core.Rule { return e.rules }

// State exposes the window state manager for observability.
func (e *Engine) State() *WindowStateManager { return e.state }

// Stop releases the engine's background resources.
func (e *Engine) Stop() { e.state.Stop() }

// Evaluate matches one event against every rule and returns the alerts
// fired, in rule-declaration order. Evaluation is purely in-memory and
// bounded by rule-set size; it never blocks on I/O.
func (e *Engine) Evaluate(event *core.Event) []*core.Alert {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	var alerts []*core.Alert
	for _, rule := range e.rules {
		var alert *core.Alert
		switch rule.Kind {
		case core.RuleKindThreshold:
			alert = e.evaluateThreshold(rule, event)
		case core.RuleKindCorrelation:
			alert = e.evaluateCorrelation(rule, event)
		}
		if alert != nil {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// evaluateThreshold records a matching event and fires once the window
// holds rule.Count matches for the group key. After firing the key's state
// resets (fire once per full window) unless the rule asks to slide.
func (e *Engine) evaluateThreshold(rule *core.Rule, event *core.Event) *core.Alert {
	matched, captures := rule.Matcher.Match(event)
	if !matched {
		return nil
	}

	groupKey := rule.GroupKey(event, captures)
	count, events := e.state.RecordThreshold(rule.Name, groupKey, event, rule.Window)
	if count < rule.Count {
		return nil
	}

	triggering := events[len(events)-rule.Count:]
	firedAt := triggering[len(triggering)-1].Timestamp

	if rule.FirePolicy != core.FireSlide {
		e.state.ResetThreshold(rule.Name, groupKey)
	}
	return e.fire(rule, groupKey, firedAt, triggering)
}

// evaluateCorrelation records which sub-matchers the event satisfies and
// fires once every sub-matcher has a match within the shared window for the
// same group key, regardless of arrival order.
func (e *Engine) evaluateCorrelation(rule *core.Rule, event *core.Event) *core.Alert {
	var alert *core.Alert
	for idx, matcher := range rule.Sequence {
		matched, captures := matcher.Match(event)
		if !matched {
			continue
		}

		groupKey := rule.GroupKey(event, captures)
		satisfied, byIndex := e.state.RecordCorrelation(rule.Name, groupKey, idx, event, rule.Window)
		if len(satisfied) < len(rule.Sequence) {
			continue
		}

		// One representative event per sub-matcher, ordered by sub-matcher
		// index; fired at the newest of them.
		triggering := make([]*core.Event, 0, len(rule.Sequence))
		var firedAt time.Time
		for i := range rule.Sequence {
			ev := byIndex[i]
			triggering = append(triggering, ev)
			if ev.Timestamp.After(firedAt) {
				firedAt = ev.Timestamp
			}
		}

		if rule.FirePolicy != core.FireSlide {
			e.state.ResetCorrelation(rule.Name, groupKey)
		}
		if a := e.fire(rule, groupKey, firedAt, triggering); a != nil && alert == nil {
			alert = a
		}
	}
	return alert
}

// fire applies the optional suppression holddown and creates the alert.
// Suppression gates emission only; window state was already reset by the
// caller, keeping alert volume policy and state policy independent.
func (e *Engine) fire(rule *core.Rule, groupKey string, firedAt time.Time, triggering []*core.Event) *core.Alert {
	if rule.SuppressFor > 0 {
		fp := core.AlertFingerprint(rule.Name, groupKey)
		e.suppressMu.Lock()
		until, held := e.suppressed[fp]
		if held && firedAt.Before(until) {
			e.suppressMu.Unlock()
			metrics.AlertsSuppressed.WithLabelValues(rule.Name).Inc()
			e.logger.Debugw("alert suppressed", "rule", rule.Name, "group_key", groupKey)
			return nil
		}
		e.suppressed[fp] = firedAt.Add(rule.SuppressFor)
		e.suppressMu.Unlock()
	}

	alert := core.NewAlert(rule, groupKey, firedAt, triggering)
	metrics.AlertsGenerated.WithLabelValues(rule.Name, rule.Severity).Inc()
	e.logger.Infow("alert fired",
		"rule", rule.Name,
		"severity", rule.Severity,
		"group_key", groupKey,
		"fired_at", firedAt,
		"events", len(triggering))
	return alert
}
