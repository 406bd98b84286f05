// Package detect holds the rule loader, the sliding-window state manager,
// and the evaluation engine that turns event streams into alerts.
package detect

import (
	"context"
	"sort"
	"sync"
	"time"

	"sieman/core"
	"sieman/metrics"
	"sieman/util/goroutine"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// DefaultMaxStateKeys bounds the number of live (rule, groupKey)
	// entries across both state kinds.
	DefaultMaxStateKeys = 10000
	// minSweepInterval floors the idle-state sweep period.
	minSweepInterval = 30 * time.Second
	// keySep joins rule name and group key; NUL cannot appear in either.
	keySep = "\x00"
)

// WindowStateStats summarizes live window state.
type WindowStateStats struct {
	ThresholdKeys   int
	CorrelationKeys int
	TotalEvents     int
}

// thresholdEntry holds the timestamp-ordered match history for one
// (rule, groupKey) of a threshold rule.
type thresholdEntry struct {
	events     []*core.Event
	window     time.Duration
	lastAccess time.Time
}

// correlationEntry holds, per sub-matcher index, the most recent matching
// event for one (rule, groupKey) of a correlation rule.
type correlationEntry struct {
	matches    map[int]*core.Event
	window     time.Duration
	lastAccess time.Time
}

// WindowStateManager is the single owner of all per-rule, per-groupKey
// sliding-window state. Callers receive only counts and copies, never
// references into the state, and every operation on the same key is
// serialized. Eviction is lazy on access, measured against the newest
// recorded event time for the key, so replayed streams evaluate
// deterministically; a periodic sweep reclaims state for keys that go
// permanently idle.
type WindowStateManager struct {
	mu           sync.Mutex
	thresholds   *lru.Cache[string, *thresholdEntry]
	correlations *lru.Cache[string, *correlationEntry]

	sweepCancel context.CancelFunc
	sweepWg     sync.WaitGroup
	logger      *zap.SugaredLogger
}

// NewWindowStateManager creates a state manager capped at maxKeys entries
// per state kind; the least recently accessed key is evicted at the cap.
func NewWindowStateManager(maxKeys int, logger *zap.SugaredLogger) *WindowStateManager {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxStateKeys
	}
	onEvict := func(key string, _ any) {
		metrics.WindowStateEvictions.Inc()
		logger.Debugw("evicted window state at key cap", "key", key)
	}
	thresholds, _ := lru.NewWithEvict[string, *thresholdEntry](maxKeys, func(k string, v *thresholdEntry) { onEvict(k, v) })
	correlations, _ := lru.NewWithEvict[string, *correlationEntry](maxKeys, func(k string, v *correlationEntry) { onEvict(k, v) })

	w := &WindowStateManager{
		thresholds:   thresholds,
		correlations: correlations,
		logger:       logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.sweepCancel = cancel
	w.startSweep(ctx)
	return w
}

// RecordThreshold appends the event to the key's window, evicts everything
// older than window relative to the newest recorded timestamp, and returns
// the post-eviction count plus a copy of the surviving events in timestamp
// order.
func (w *WindowStateManager) RecordThreshold(ruleName, groupKey string, event *core.Event, window time.Duration) (int, []*core.Event) {
	key := ruleName + keySep + groupKey

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.thresholds.Get(key)
	if !ok {
		entry = &thresholdEntry{window: window}
		w.thresholds.Add(key, entry)
	}
	entry.lastAccess = time.Now()

	entry.events = insertSorted(entry.events, event)
	entry.events = evictBefore(entry.events, window)

	out := make([]*core.Event, len(entry.events))
	copy(out, entry.events)
	w.updateKeyGauge()
	return len(out), out
}

// ResetThreshold clears the window state for one key, the fire-once-per-
// full-window policy.
func (w *WindowStateManager) ResetThreshold(ruleName, groupKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.thresholds.Remove(ruleName + keySep + groupKey)
	w.updateKeyGauge()
}

// RecordCorrelation records that sub-matcher subIndex matched the event,
// evicts satisfactions older than window relative to the newest recorded
// time in the group, and returns the sorted set of sub-matcher indices
// currently satisfied plus a copy of their representative events.
func (w *WindowStateManager) RecordCorrelation(ruleName, groupKey string, subIndex int, event *core.Event, window time.Duration) ([]int, map[int]*core.Event) {
	key := ruleName + keySep + groupKey

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.correlations.Get(key)
	if !ok {
		entry = &correlationEntry{matches: make(map[int]*core.Event), window: window}
		w.correlations.Add(key, entry)
	}
	entry.lastAccess = time.Now()

	// Keep the most recent event per sub-matcher.
	if prev, exists := entry.matches[subIndex]; !exists || event.Timestamp.After(prev.Timestamp) {
		entry.matches[subIndex] = event
	}

	// Evict satisfactions that fell out of the window, measured from the
	// newest recorded time in this group.
	var newest time.Time
	for _, ev := range entry.matches {
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
	}
	cutoff := newest.Add(-window)
	for idx, ev := range entry.matches {
		if ev.Timestamp.Before(cutoff) {
			delete(entry.matches, idx)
		}
	}

	satisfied := make([]int, 0, len(entry.matches))
	events := make(map[int]*core.Event, len(entry.matches))
	for idx, ev := range entry.matches {
		satisfied = append(satisfied, idx)
		events[idx] = ev
	}
	sort.Ints(satisfied)
	w.updateKeyGauge()
	return satisfied, events
}

// ResetCorrelation clears the correlation state for one key.
func (w *WindowStateManager) ResetCorrelation(ruleName, groupKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.correlations.Remove(ruleName + keySep + groupKey)
	w.updateKeyGauge()
}

// Reset clears all window state.
func (w *WindowStateManager) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.thresholds.Purge()
	w.correlations.Purge()
	w.updateKeyGauge()
}

// Stats returns a snapshot of live state.
func (w *WindowStateManager) Stats() WindowStateStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := WindowStateStats{
		ThresholdKeys:   w.thresholds.Len(),
		CorrelationKeys: w.correlations.Len(),
	}
	for _, key := range w.thresholds.Keys() {
		if entry, ok := w.thresholds.Peek(key); ok {
			stats.TotalEvents += len(entry.events)
		}
	}
	for _, key := range w.correlations.Keys() {
		if entry, ok := w.correlations.Peek(key); ok {
			stats.TotalEvents += len(entry.matches)
		}
	}
	return stats
}

// Stop stops the sweep goroutine and waits for it to finish.
func (w *WindowStateManager) Stop() {
	if w.sweepCancel != nil {
		w.sweepCancel()
	}

	done := make(chan struct{})
	go func() {
		w.sweepWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		w.logger.Warn("window-state-sweep goroutine did not stop within 5s")
	}
}

// startSweep reclaims state for keys unseen within 2x their window. The
// sweep is memory hygiene only; lazy eviction on access already guarantees
// correctness.
func (w *WindowStateManager) startSweep(ctx context.Context) {
	w.sweepWg.Add(1)
	go func() {
		defer w.sweepWg.Done()
		defer goroutine.Recover("window-state-sweep", w.logger)

		ticker := time.NewTicker(minSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweepIdle()
			}
		}
	}()
}

func (w *WindowStateManager) sweepIdle() {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for _, key := range w.thresholds.Keys() {
		entry, ok := w.thresholds.Peek(key)
		if !ok {
			continue
		}
		if len(entry.events) == 0 || now.Sub(entry.lastAccess) > 2*entry.window {
			w.thresholds.Remove(key)
			removed++
		}
	}
	for _, key := range w.correlations.Keys() {
		entry, ok := w.correlations.Peek(key)
		if !ok {
			continue
		}
		if len(entry.matches) == 0 || now.Sub(entry.lastAccess) > 2*entry.window {
			w.correlations.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		w.logger.Debugw("swept idle window state", "removed", removed)
	}
	w.updateKeyGauge()
}

// updateKeyGauge must be called with w.mu held.
func (w *WindowStateManager) updateKeyGauge() {
	metrics.WindowStateKeys.Set(float64(w.thresholds.Len() + w.correlations.Len()))
}

// insertSorted inserts an event preserving timestamp order, breaking ties
// by event ID so out-of-order and simultaneous arrivals stay deterministic.
func insertSorted(events []*core.Event, event *core.Event) []*core.Event {
	i := sort.Search(len(events), func(i int) bool {
		if events[i].Timestamp.Equal(event.Timestamp) {
			return events[i].EventID >= event.EventID
		}
		return events[i].Timestamp.After(event.Timestamp)
	})
	events = append(events, nil)
	copy(events[i+1:], events[i:])
	events[i] = event
	return events
}

// evictBefore drops events older than window relative to the newest event
// in the (sorted) slice. The window boundary is inclusive.
func evictBefore(events []*core.Event, window time.Duration) []*core.Event {
	if len(events) == 0 {
		return events
	}
	cutoff := events[len(events)-1].Timestamp.Add(-window)
	i := sort.Search(len(events), func(i int) bool {
		return !events[i].Timestamp.Before(cutoff)
	})
	return events[i:]
}
