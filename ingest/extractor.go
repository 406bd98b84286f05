// Package ingest reads raw log lines from sources, normalizes them into
// core.Events through format-specific extractors, and tracks resumable
// per-source offsets.
package ingest

import (
	"fmt"
	"sync"
	"time"
)

// Extraction is the result of running an extractor over one raw line.
// Timestamp and Severity are optional; the normalizer fills in defaults.
type Extraction struct {
	Fields    map[string]string
	Timestamp time.Time
	Severity  string
	Message   string
}

// Extractor turns one raw line into field/value pairs, optionally with an
// explicit timestamp and severity. Implementations must be safe for
// concurrent use; one registry instance is shared by all sources.
type Extractor interface {
	Extract(raw string) (Extraction, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(raw string) (Extraction, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(raw string) (Extraction, error) { return f(raw) }

// Registry maps declared log format names to extractors.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry creates an empty extractor registry.
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// DefaultRegistry returns a registry with the built-in extractors
// registered: generic, syslog, json, csv and weblog.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(FormatGeneric, NewGenericExtractor())
	r.Register(FormatSyslog, NewSyslogExtractor())
	r.Register(FormatJSON, NewJSONExtractor())
	r.Register(FormatCSV, NewCSVExtractor(nil))
	r.Register(FormatWeblog, NewWeblogExtractor())
	return r
}

// Register registers an extractor for a format name, replacing any previous
// registration.
func (r *Registry) Register(format string, ex Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[format] = ex
}

// Resolve returns the extractor registered for a format.
func (r *Registry) Resolve(format string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.extractors[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return ex, nil
}

// Formats returns the registered format names.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	formats := make([]string, 0, len(r.extractors))
	for f := range r.extractors {
		formats = append(formats, f)
	}
	return formats
}
