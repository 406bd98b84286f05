// Package util provides small shared helpers with no domain knowledge.
package util

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxPatternLength is the maximum allowed regex pattern length.
	MaxPatternLength = 500
	// maxAlternations caps the number of | alternations in one pattern.
	maxAlternations = 50
	// maxRepetition caps explicit {n} repetition counts.
	maxRepetition = 999
)

var repetitionRe = regexp.MustCompile(`\{(\d+)(?:,\d*)?\}`)

// ValidatePattern checks a rule pattern for constructs that could make
// matching unreasonably expensive. Patterns come from operator-written rule
// files, so a bad pattern must be rejected at load time, not discovered when
// an attacker-controlled line hits it.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	if len(pattern) > MaxPatternLength {
		return fmt.Errorf("pattern too long: %d characters (max %d)", len(pattern), MaxPatternLength)
	}

	if err := checkNestedQuantifiers(pattern); err != nil {
		return err
	}

	if n := strings.Count(pattern, "|"); n > maxAlternations {
		return fmt.Errorf("too many alternations: %d (max %d)", n, maxAlternations)
	}

	for _, m := range repetitionRe.FindAllStringSubmatch(pattern, -1) {
		var count int
		fmt.Sscanf(m[1], "%d", &count)
		if count > maxRepetition {
			return fmt.Errorf("excessive repetition: %s (max %d)", m[0], maxRepetition)
		}
	}

	// Syntax check with the stdlib engine; the actual matcher is compiled
	// elsewhere with a match timeout.
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	return nil
}

// checkNestedQuantifiers rejects quantifier stacking that can cause
// catastrophic backtracking.
func checkNestedQuantifiers(pattern string) error {
	dangerous := []string{
		")+*", ")*+", ")+{", ")*{",
		"}+*", "}*+", "}+{", "}*{",
		"++", "**", "*+", "+*",
	}
	for _, d := range dangerous {
		if strings.Contains(pattern, d) {
			return fmt.Errorf("pattern contains nested quantifiers: found %q", d)
		}
	}
	return nil
}
