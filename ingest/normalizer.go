package ingest

import (
	"errors"
	"fmt"
	"sync/atomic"

	"sieman/core"
	"sieman/metrics"

	"go.uber.org/zap"
)

// ErrUnknownFormat is returned when a source declares a format no extractor
// is registered for. This is a configuration error; the source aborts.
var ErrUnknownFormat = errors.New("unknown log format")

// ParseError reports a line the extractor could not handle. The line is
// counted and skipped; the stream continues.
type ParseError struct {
	SourceID string
	Line     string
	Reason   string
	Err      error
}

// Error implements error.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failure on source %s: %s", e.SourceID, e.Reason)
}

// Unwrap returns the underlying extractor error.
func (e *ParseError) Unwrap() error { return e.Err }

// Normalizer applies the extractor selected by format, attaches ingestion
// metadata, and guarantees the structural shape of every Event it returns:
// non-zero timestamp and a non-nil fields map. It validates no business
// rules beyond that.
type Normalizer struct {
	registry *Registry
	dlq      *DLQ
	logger   *zap.SugaredLogger
	skipped  atomic.Int64
}

// NewNormalizer creates a normalizer backed by the given registry. dlq may
// be nil to disable malformed-line capture.
func NewNormalizer(registry *Registry, dlq *DLQ, logger *zap.SugaredLogger) *Normalizer {
	return &Normalizer{registry: registry, dlq: dlq, logger: logger}
}

// SkippedCount returns the number of malformed lines dropped so far. The
// count only ever grows.
func (n *Normalizer) SkippedCount() int64 { return n.skipped.Load() }

// Normalize turns one raw line into an Event. Returns ErrUnknownFormat for
// an unregistered format, a *ParseError for a malformed line, or the Event.
// A nil Event with nil error means the line was consumed without producing
// an event (CSV header).
func (n *Normalizer) Normalize(raw, sourceID, format string) (*core.Event, error) {
	ex, err := n.registry.Resolve(format)
	if err != nil {
		return nil, err
	}

	extraction, err := ex.Extract(raw)
	if err != nil {
		var header *headerLineError
		if errors.As(err, &header) {
			return nil, nil
		}
		n.skipped.Add(1)
		metrics.LinesSkipped.WithLabelValues(sourceID, "parse_failure").Inc()
		pe := &ParseError{SourceID: sourceID, Line: raw, Reason: err.Error(), Err: err}
		if n.dlq != nil {
			if dlqErr := n.dlq.Add(sourceID, format, raw, pe.Reason); dlqErr != nil {
				n.logger.Warnw("failed to record malformed line in DLQ",
					"source", sourceID, "error", dlqErr)
			}
		}
		return nil, pe
	}

	event := core.NewEvent()
	event.SourceID = sourceID
	event.SourceFormat = format
	event.Raw = raw
	event.Message = extraction.Message
	if event.Message == "" {
		event.Message = raw
	}
	event.Severity = extraction.Severity
	if extraction.Fields != nil {
		event.Fields = extraction.Fields
	}
	event.Timestamp = extraction.Timestamp
	if event.Timestamp.IsZero() {
		event.Timestamp = event.IngestedAt
	}

	metrics.EventsIngested.WithLabelValues(sourceID).Inc()
	return event, nil
}
