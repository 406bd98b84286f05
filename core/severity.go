package core

import "strings"

// severityOrder ranks severities for min-severity filtering. Unknown
// severities rank lowest so misconfigured rules are never silently dropped
// by a filter set to "low".
var severityOrder = map[string]int{
	"info":     1,
	"low":      1,
	"medium":   2,
	"warning":  2,
	"high":     3,
	"error":    3,
	"critical": 4,
}

// SeverityRank returns the numeric rank of a severity string,
// case-insensitive. Unknown severities rank 1.
func SeverityRank(severity string) int {
	if r, ok := severityOrder[strings.ToLower(severity)]; ok {
		return r
	}
	return 1
}

// SeverityAtLeast reports whether severity meets or exceeds min.
func SeverityAtLeast(severity, min string) bool {
	if min == "" {
		return true
	}
	return SeverityRank(severity) >= SeverityRank(min)
}
