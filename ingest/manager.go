package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"sieman/core"
	"sieman/metrics"
	"sieman/util/goroutine"

	"go.uber.org/zap"
)

const (
	// DefaultQueueSize bounds the event channel between ingestion and
	// evaluation. A full queue pauses reads (backpressure), never drops.
	DefaultQueueSize = 1024
	// defaultMaxRetries is how many times a source read error is retried
	// before the source is marked failed.
	defaultMaxRetries = 5
	baseBackoff       = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
	// offsetSaveInterval is how often in-memory offsets are flushed to the
	// offset store.
	offsetSaveInterval = 5 * time.Second
)

// ManagerStats summarizes ingestion progress; the counts the pipeline must
// never swallow.
type ManagerStats struct {
	EventsIngested int64
	LinesSkipped   int64
	SourcesFailed  int
}

// Manager runs one producer goroutine per source, normalizes lines, and
// feeds the shared event channel. Failures local to one line or one source
// never abort the whole pipeline.
type Manager struct {
	sources    []Source
	normalizer *Normalizer
	store      OffsetStore
	eventCh    chan *core.Event
	logger     *zap.SugaredLogger
	maxRetries int

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu       sync.Mutex
	offsets  map[string]int64
	failed   map[string]error
	ingested int64

	stopOnce sync.Once
}

// NewManager creates a source manager. store may be nil to disable offset
// checkpointing. queueSize <= 0 uses DefaultQueueSize.
func NewManager(sources []Source, normalizer *Normalizer, store OffsetStore, queueSize int, logger *zap.SugaredLogger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		sources:    sources,
		normalizer: normalizer,
		store:      store,
		eventCh:    make(chan *core.Event, queueSize),
		logger:     logger,
		maxRetries: defaultMaxRetries,
		offsets:    make(map[string]int64),
		failed:     make(map[string]error),
	}
}

// Events returns the channel of normalized events. It is closed once every
// source has finished and all produced events are queued, so consumers can
// range over it for a graceful drain.
func (m *Manager) Events() <-chan *core.Event { return m.eventCh }

// Start loads offsets, seeds resumable sources, and launches one reader
// goroutine per source.
func (m *Manager) Start(ctx context.Context) error {
	if m.store != nil {
		saved, err := m.store.Load(ctx)
		if err != nil {
			return err
		}
		m.mu.Lock()
		for id, off := range saved {
			m.offsets[id] = off
		}
		m.mu.Unlock()

		for _, src := range m.sources {
			if !src.Resumable() {
				continue
			}
			if seeker, ok := src.(interface{ SetStartOffset(int64) }); ok {
				if off, exists := saved[src.ID()]; exists {
					seeker.SetStartOffset(off)
				}
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, src := range m.sources {
		m.wg.Add(1)
		go func(src Source) {
			defer m.wg.Done()
			defer goroutine.Recover("source-"+src.ID(), m.logger)
			m.runSource(runCtx, src)
		}(src)
	}

	if m.store != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer goroutine.Recover("offset-flusher", m.logger)
			m.flushOffsetsLoop(runCtx)
		}()
	}

	// Close the event channel once all sources are done so the consumer
	// drains naturally.
	go func() {
		defer goroutine.Recover("manager-closer", m.logger)
		m.wg.Wait()
		close(m.eventCh)
	}()

	return nil
}

// Stop cancels all sources, waits for them to finish, and writes a final
// offset checkpoint. Events already queued stay available until consumed.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		if m.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.saveOffsets(ctx); err != nil {
				m.logger.Warnw("final offset checkpoint failed", "error", err)
			}
		}
	})
}

// Stats returns ingestion counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		EventsIngested: m.ingested,
		LinesSkipped:   m.normalizer.SkippedCount(),
		SourcesFailed:  len(m.failed),
	}
}

// FailedSources returns the sources marked failed and their final errors.
func (m *Manager) FailedSources() map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]error, len(m.failed))
	for id, err := range m.failed {
		out[id] = err
	}
	return out
}

// runSource runs one source with bounded retry on I/O errors. An unknown
// format aborts immediately; transient errors back off exponentially and
// resume from the last checkpointed offset.
func (m *Manager) runSource(ctx context.Context, src Source) {
	backoff := baseBackoff
	for attempt := 0; ; attempt++ {
		err := src.Run(ctx, m.emitFunc(src))
		if err == nil || ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrUnknownFormat) || errors.Is(err, context.Canceled) {
			m.markFailed(src.ID(), err)
			return
		}
		if attempt >= m.maxRetries {
			m.logger.Errorw("source failed after exhausting retries",
				"source", src.ID(), "attempts", attempt+1, "error", err)
			m.markFailed(src.ID(), err)
			return
		}

		m.logger.Warnw("source read error, retrying",
			"source", src.ID(), "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		// Resume from the last acknowledged offset rather than the start.
		if seeker, ok := src.(interface{ SetStartOffset(int64) }); ok && src.Resumable() {
			m.mu.Lock()
			off := m.offsets[src.ID()]
			m.mu.Unlock()
			seeker.SetStartOffset(off)
		}
	}
}

// emitFunc builds the per-source emit callback: normalize, forward, and
// only then acknowledge the offset, so a crash between read and forward
// re-reads the line instead of losing it.
func (m *Manager) emitFunc(src Source) func(Line) error {
	return func(line Line) error {
		event, err := m.normalizer.Normalize(line.Text, line.SourceID, line.Format)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				// Counted and skipped; the stream continues.
				return nil
			}
			return err
		}
		if event == nil {
			m.ack(line)
			return nil
		}
		event.LineNumber = line.Number

		// Deliberately blocking: a full queue pauses this source's reads.
		// Cancellation stops the read loop before the next emit, so this
		// cannot deadlock on shutdown.
		m.eventCh <- event

		m.mu.Lock()
		m.ingested++
		m.mu.Unlock()
		m.ack(line)
		return nil
	}
}

// ack records the post-line offset for resumable sources.
func (m *Manager) ack(line Line) {
	if line.Offset <= 0 {
		return
	}
	m.mu.Lock()
	m.offsets[line.SourceID] = line.Offset
	m.mu.Unlock()
}

func (m *Manager) markFailed(id string, err error) {
	metrics.SourceFailures.WithLabelValues(id).Inc()
	m.mu.Lock()
	m.failed[id] = err
	m.mu.Unlock()
}

func (m *Manager) flushOffsetsLoop(ctx context.Context) {
	ticker := time.NewTicker(offsetSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.saveOffsets(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warnw("offset checkpoint failed", "error", err)
			}
		}
	}
}

func (m *Manager) saveOffsets(ctx context.Context) error {
	m.mu.Lock()
	snapshot := make(map[string]int64, len(m.offsets))
	for id, off := range m.offsets {
		snapshot[id] = off
	}
	m.mu.Unlock()
	if len(snapshot) == 0 {
		return nil
	}
	return m.store.Save(ctx, snapshot)
}
