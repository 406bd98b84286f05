package ingest

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNormalizeProducesEvent(t *testing.T) {
	n := NewNormalizer(DefaultRegistry(), nil, zap.NewNop().Sugar())

	event, err := n.Normalize("2026-03-01T12:00:00 Failed login for user=alice from 10.0.0.5", "auth", FormatGeneric)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, "auth", event.SourceID)
	assert.Equal(t, FormatGeneric, event.SourceFormat)
	assert.Equal(t, "ERROR", event.Severity)
	assert.Equal(t, "alice", event.Fields["user"])
	assert.Equal(t, "10.0.0.5", event.Fields["ip"])
	assert.False(t, event.Timestamp.IsZero())
	assert.False(t, event.IngestedAt.IsZero())
	assert.NotNil(t, event.Fields)
}

func TestNormalizeSubstitutesIngestionTime(t *testing.T) {
	n := NewNormalizer(DefaultRegistry(), nil, zap.NewNop().Sugar())

	event, err := n.Normalize("no timestamp in this line", "s", FormatGeneric)
	require.NoError(t, err)
	// Timestamp falls back to ingestion time, never zero.
	assert.Equal(t, event.IngestedAt, event.Timestamp)
}

func TestNormalizeUnknownFormat(t *testing.T) {
	n := NewNormalizer(DefaultRegistry(), nil, zap.NewNop().Sugar())

	_, err := n.Normalize("anything", "s", "avro")
	assert.ErrorIs(t, err, ErrUnknownFormat)
	// A config error is not a malformed line.
	assert.Equal(t, int64(0), n.SkippedCount())
}

func TestNormalizeMalformedLineCountedAndSkipped(t *testing.T) {
	n := NewNormalizer(DefaultRegistry(), nil, zap.NewNop().Sugar())

	event, err := n.Normalize(`{"truncated":`, "app", FormatJSON)
	assert.Nil(t, event)
	require.Error(t, err)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "app", pe.SourceID)
	assert.Equal(t, int64(1), n.SkippedCount())

	// The stream keeps going; a good line still normalizes.
	event, err = n.Normalize(`{"msg":"ok"}`, "app", FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "ok", event.Message)
	assert.Equal(t, int64(1), n.SkippedCount())
}

func TestNormalizeCSVHeaderConsumedSilently(t *testing.T) {
	reg := NewRegistry()
	reg.Register(FormatCSV, NewCSVExtractor(nil))
	n := NewNormalizer(reg, nil, zap.NewNop().Sugar())

	event, err := n.Normalize("timestamp,user,action", "audit", FormatCSV)
	assert.Nil(t, event)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n.SkippedCount())

	event, err = n.Normalize("2026-03-01 09:00:00,alice,login", "audit", FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "alice", event.Fields["user"])
}

func TestNormalizeMalformedLineLandsInDLQ(t *testing.T) {
	dlqPath := filepath.Join(t.TempDir(), "dlq.db")
	dlq, err := OpenDLQ(dlqPath, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer dlq.Close()

	n := NewNormalizer(DefaultRegistry(), dlq, zap.NewNop().Sugar())

	_, err = n.Normalize("not json at all", "app", FormatJSON)
	require.Error(t, err)
	_, err = n.Normalize("also bad", "app", FormatJSON)
	require.Error(t, err)
	_, err = n.Normalize("{bad", "other", FormatJSON)
	require.Error(t, err)

	total, err := dlq.Count("")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	perSource, err := dlq.Count("app")
	require.NoError(t, err)
	assert.Equal(t, int64(2), perSource)
}
