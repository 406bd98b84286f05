package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Alert is an immutable record emitted when a rule's condition is satisfied.
// Alerts are append-only facts; the engine never mutates or retracts one.
type Alert struct {
	AlertID     string    `json:"alert_id"`
	RuleName    string    `json:"rule"`
	Severity    string    `json:"severity"`
	GroupKey    string    `json:"group_key"`
	FiredAt     time.Time `json:"fired_at"`
	Events      []*Event  `json:"events"`
	Fingerprint string    `json:"fingerprint"`
}

// NewAlert creates an alert for a rule firing. FiredAt is the timestamp of
// the event that completed the condition, not the wall clock, so replayed
// streams produce identical alerts. The events slice is copied; callers may
// reuse their backing array.
func NewAlert(rule *Rule, groupKey string, firedAt time.Time, events []*Event) *Alert {
	evs := make([]*Event, len(events))
	copy(evs, events)
	return &Alert{
		AlertID:     uuid.New().String(),
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		GroupKey:    groupKey,
		FiredAt:     firedAt,
		Events:      evs,
		Fingerprint: AlertFingerprint(rule.Name, groupKey),
	}
}

// AlertFingerprint computes a stable identity for (rule, groupKey), used by
// the optional suppression policy to hold down repeated firings.
func AlertFingerprint(ruleName, groupKey string) string {
	h := sha256.New()
	h.Write([]byte(ruleName))
	h.Write([]byte{0})
	h.Write([]byte(groupKey))
	return hex.EncodeToString(h.Sum(nil))
}
