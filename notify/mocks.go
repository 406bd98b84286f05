package notify

import (
	"context"
	"sync"

	"sieman/core"
)

// MockEmitter records emitted alerts for tests.
type MockEmitter struct {
	mu     sync.Mutex
	alerts []*core.Alert
	err    error
}

// NewMockEmitter creates a mock emitter.
func NewMockEmitter() *MockEmitter { return &MockEmitter{} }

// FailWith makes subsequent Emit calls return err.
func (m *MockEmitter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Emit implements Emitter.
func (m *MockEmitter) Emit(ctx context.Context, alert *core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts = append(m.alerts, alert)
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (m *MockEmitter) Alerts() []*core.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}
