package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"sieman/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testAlert(severity string) *core.Alert {
	rule := &core.Rule{Name: "brute_force", Severity: severity}
	events := []*core.Event{
		{EventID: "1", Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Raw: "Failed login"},
	}
	return core.NewAlert(rule, "10.0.0.5", events[0].Timestamp, events)
}

func TestFileEmitterWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	fe, err := NewFileEmitter(path)
	require.NoError(t, err)

	require.NoError(t, fe.Emit(context.Background(), testAlert("high")))
	require.NoError(t, fe.Emit(context.Background(), testAlert("critical")))
	require.NoError(t, fe.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var count int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &payload))
		assert.Equal(t, "brute_force", payload["rule"])
		assert.Equal(t, "10.0.0.5", payload["group_key"])
		count++
	}
	assert.Equal(t, 2, count)
}

func TestNotifierWebhookDelivery(t *testing.T) {
	var received atomic.Int64
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		gotAuth.Store(r.Header.Get("X-Auth-Token"))

		var payload alertPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "brute_force", payload.Rule)
		assert.Len(t, payload.Events, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier([]ChannelConfig{{
		Name:           "ops",
		Type:           ChannelWebhook,
		Enabled:        true,
		WebhookURL:     server.URL,
		WebhookHeaders: map[string]string{"X-Auth-Token": "secret"},
	}}, zap.NewNop().Sugar())

	require.NoError(t, n.Emit(context.Background(), testAlert("high")))
	assert.Equal(t, int64(1), received.Load())
	assert.Equal(t, "secret", gotAuth.Load())
}

func TestNotifierMinSeverityFilter(t *testing.T) {
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier([]ChannelConfig{{
		Name:        "critical-only",
		Type:        ChannelWebhook,
		Enabled:     true,
		MinSeverity: "critical",
		WebhookURL:  server.URL,
	}}, zap.NewNop().Sugar())

	require.NoError(t, n.Emit(context.Background(), testAlert("medium")))
	assert.Equal(t, int64(0), received.Load())

	require.NoError(t, n.Emit(context.Background(), testAlert("critical")))
	assert.Equal(t, int64(1), received.Load())
}

func TestNotifierDisabledChannelSkipped(t *testing.T) {
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	n := NewNotifier([]ChannelConfig{{
		Name:       "off",
		Type:       ChannelWebhook,
		WebhookURL: server.URL,
	}}, zap.NewNop().Sugar())

	require.NoError(t, n.Emit(context.Background(), testAlert("critical")))
	assert.Equal(t, int64(0), received.Load())
}

func TestNotifierReportsDeliveryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewNotifier([]ChannelConfig{{
		Name:       "flaky",
		Type:       ChannelWebhook,
		Enabled:    true,
		WebhookURL: server.URL,
	}}, zap.NewNop().Sugar())

	err := n.Emit(context.Background(), testAlert("high"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNotifierCircuitBreakerOpensOnRepeatedFailure(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := NewNotifier([]ChannelConfig{{
		Name:       "dead",
		Type:       ChannelWebhook,
		Enabled:    true,
		WebhookURL: server.URL,
	}}, zap.NewNop().Sugar())

	// Default breaker opens after 3 failures; further emits never reach
	// the endpoint.
	for i := 0; i < 6; i++ {
		n.Emit(context.Background(), testAlert("high"))
	}
	assert.Equal(t, int64(3), attempts.Load())
}

func TestNotifierContinuesPastFailingChannel(t *testing.T) {
	var healthyHits atomic.Int64
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthyHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	n := NewNotifier([]ChannelConfig{
		{Name: "broken", Type: ChannelWebhook, Enabled: true, WebhookURL: broken.URL},
		{Name: "healthy", Type: ChannelWebhook, Enabled: true, WebhookURL: healthy.URL},
	}, zap.NewNop().Sugar())

	err := n.Emit(context.Background(), testAlert("high"))
	// The failure is surfaced, but the healthy channel was still served.
	assert.Error(t, err)
	assert.Equal(t, int64(1), healthyHits.Load())
}

func TestMultiEmitterFansOut(t *testing.T) {
	a := NewMockEmitter()
	b := NewMockEmitter()
	multi := NewMultiEmitter(zap.NewNop().Sugar(), a, b)

	require.NoError(t, multi.Emit(context.Background(), testAlert("high")))
	assert.Len(t, a.Alerts(), 1)
	assert.Len(t, b.Alerts(), 1)
}

func TestMultiEmitterContinuesAfterError(t *testing.T) {
	failing := NewMockEmitter()
	failing.FailWith(errors.New("sink unavailable"))
	healthy := NewMockEmitter()
	multi := NewMultiEmitter(zap.NewNop().Sugar(), failing, healthy)

	err := multi.Emit(context.Background(), testAlert("high"))
	assert.Error(t, err)
	assert.Len(t, healthy.Alerts(), 1)
}

func TestSanitizeHeaderStripsCRLF(t *testing.T) {
	assert.Equal(t, "Subject injected", sanitizeHeader("Subject\r\n injected"))
	assert.Equal(t, "plain", sanitizeHeader("plain"))
}
