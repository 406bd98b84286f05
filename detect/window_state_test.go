package detect

import (
	"fmt"
	"testing"
	"time"

	"sieman/core"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func eventAt(id string, ts time.Time) *core.Event {
	return &core.Event{EventID: id, Timestamp: ts}
}

func TestRecordThresholdCountsWithinWindow(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(100, logger)
	defer wsm.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 60 * time.Second

	count, _ := wsm.RecordThreshold("r", "10.0.0.5", eventAt("1", base), window)
	assert.Equal(t, 1, count)
	count, _ = wsm.RecordThreshold("r", "10.0.0.5", eventAt("2", base.Add(10*time.Second)), window)
	assert.Equal(t, 2, count)

	// A different group key has its own window.
	count, _ = wsm.RecordThreshold("r", "10.0.0.9", eventAt("3", base.Add(20*time.Second)), window)
	assert.Equal(t, 1, count)
}

func TestRecordThresholdEvictsOutsideWindow(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(100, logger)
	defer wsm.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 60 * time.Second

	wsm.RecordThreshold("r", "k", eventAt("1", base), window)

	// 61s later the first event has fallen out of the window.
	count, events := wsm.RecordThreshold("r", "k", eventAt("2", base.Add(61*time.Second)), window)
	assert.Equal(t, 1, count)
	assert.Equal(t, "2", events[0].EventID)
}

func TestRecordThresholdWindowBoundaryIsInclusive(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(100, logger)
	defer wsm.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 60 * time.Second

	wsm.RecordThreshold("r", "k", eventAt("1", base), window)

	// An event exactly window apart still counts both.
	count, _ := wsm.RecordThreshold("r", "k", eventAt("2", base.Add(window)), window)
	assert.Equal(t, 2, count)
}

func TestRecordThresholdOutOfOrderArrival(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(100, logger)
	defer wsm.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	wsm.RecordThreshold("r", "k", eventAt("b", base.Add(30*time.Second)), window)
	count, events := wsm.RecordThreshold("r", "k", eventAt("a", base), window)

	// Late arrival is inserted in timestamp order, not appended.
	assert.Equal(t, 2, count)
	assert.Equal(t, "a", events[0].EventID)
	assert.Equal(t, "b", events[1].EventID)
}

func TestRecordThresholdEvictionMeasuredFromNewestEvent(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(100, logger)
	defer wsm.Stop()

	// Timestamps far in the past: eviction must use event time, not the
	// wall clock, or replayed streams would collapse to nothing.
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	window := 60 * time.Second

	wsm.RecordThreshold("r", "k", eventAt("1", base), window)
	count, _ := wsm.RecordThreshold("r", "k", eventAt("2", base.Add(30*time.Second)), window)
	assert.Equal(t, 2, count)
}

func TestResetThresholdClearsOneKeyOnly(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(100, logger)
	defer wsm.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	wsm.RecordThreshold("r", "a", eventAt("1", base), window)
	wsm.RecordThreshold("r", "b", eventAt("2", base), window)

	wsm.ResetThreshold("r", "a")

	count, _ := wsm.RecordThreshold("r", "a", eventAt("3", base.Add(time.Second)), window)
	assert.Equal(t, 1, count)
	count, _ = wsm.RecordThreshold("r", "b", eventAt("4", base.Add(time.Second)), window)
	assert.Equal(t, 2, count)
}

func TestRecordCorrelationTracksSubMatchers(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(100, logger)
	defer wsm.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Minute

	satisfied, _ := wsm.RecordCorrelation("r", "host1", 0, eventAt("1", base), window)
	assert.Equal(t, []int{0}, satisfied)

	// Arrival order does not matter; index 1 can come first for another key.
	satisfied, byIndex := wsm.RecordCorrelation("r", "host1", 1, eventAt("2", base.Add(time.Minute)), window)
	assert.Equal(t, []int{0, 1}, satisfied)
	assert.Equal(t, "1", byIndex[0].EventID)
	assert.Equal(t, "2", byIndex[1].EventID)
}

func TestRecordCorrelationEvictsStaleSatisfactions(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(100, logger)
	defer wsm.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Minute

	wsm.RecordCorrelation("r", "k", 0, eventAt("1", base), window)

	// 11 minutes later the first satisfaction has expired.
	satisfied, _ := wsm.RecordCorrelation("r", "k", 1, eventAt("2", base.Add(11*time.Minute)), window)
	assert.Equal(t, []int{1}, satisfied)
}

func TestRecordCorrelationKeepsMostRecentPerIndex(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(100, logger)
	defer wsm.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Minute

	wsm.RecordCorrelation("r", "k", 0, eventAt("old", base), window)
	_, byIndex := wsm.RecordCorrelation("r", "k", 0, eventAt("new", base.Add(time.Minute)), window)
	assert.Equal(t, "new", byIndex[0].EventID)

	// An older duplicate does not replace the newer satisfaction.
	_, byIndex = wsm.RecordCorrelation("r", "k", 0, eventAt("older", base.Add(-time.Minute)), window)
	assert.Equal(t, "new", byIndex[0].EventID)
}

func TestStateKeyCapEvictsLeastRecentlyUsed(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(2, logger)
	defer wsm.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	wsm.RecordThreshold("r", "a", eventAt("1", base), window)
	wsm.RecordThreshold("r", "b", eventAt("2", base), window)
	wsm.RecordThreshold("r", "c", eventAt("3", base), window)

	stats := wsm.Stats()
	assert.Equal(t, 2, stats.ThresholdKeys)

	// Key a was the least recently used; recording for it starts fresh.
	count, _ := wsm.RecordThreshold("r", "a", eventAt("4", base.Add(time.Second)), window)
	assert.Equal(t, 1, count)
}

func TestStatsCountsBothKinds(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(100, logger)
	defer wsm.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	wsm.RecordThreshold("t", "k", eventAt("1", base), time.Minute)
	wsm.RecordThreshold("t", "k", eventAt("2", base.Add(time.Second)), time.Minute)
	wsm.RecordCorrelation("c", "k", 0, eventAt("3", base), time.Minute)

	stats := wsm.Stats()
	assert.Equal(t, 1, stats.ThresholdKeys)
	assert.Equal(t, 1, stats.CorrelationKeys)
	assert.Equal(t, 3, stats.TotalEvents)
}

func TestResetClearsEverything(t *testing.T) {
	logger := zap.NewNop().Sugar()
	wsm := NewWindowStateManager(100, logger)
	defer wsm.Stop()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		wsm.RecordThreshold("r", fmt.Sprintf("k%d", i), eventAt(fmt.Sprintf("%d", i), base), time.Minute)
	}
	wsm.Reset()

	stats := wsm.Stats()
	assert.Equal(t, 0, stats.ThresholdKeys)
	assert.Equal(t, 0, stats.TotalEvents)
}
