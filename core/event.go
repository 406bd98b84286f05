// Package core defines the domain types shared across the sieman pipeline:
// normalized events, detection rules, and alerts.
package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is the normalized representation of one raw log line. It is created
// by the ingest normalizer and never mutated afterwards; the evaluator and
// emitters only read it.
type Event struct {
	EventID      string            `json:"event_id"`
	Timestamp    time.Time         `json:"timestamp"`
	SourceID     string            `json:"source_id"`
	SourceFormat string            `json:"source_format"`
	Severity     string            `json:"severity"`
	Message      string            `json:"message"`
	Fields       map[string]string `json:"fields"`
	Raw          string            `json:"raw"`
	IngestedAt   time.Time         `json:"ingested_at"`
	LineNumber   int64             `json:"line_number,omitempty"`
}

// NewEvent creates a new Event with a generated UUID and ingestion timestamp.
func NewEvent() *Event {
	return &Event{
		EventID:    uuid.New().String(),
		IngestedAt: time.Now().UTC(),
		Fields:     make(map[string]string),
	}
}

// Field returns the value of an extracted field, or "" if absent.
func (e *Event) Field(key string) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[key]
}
