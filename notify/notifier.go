// Package notify delivers fired alerts to external collaborators: report
// files, webhooks and email. Delivery failures are counted and logged but
// never block or abort evaluation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"sync"
	"time"

	"sieman/core"
	"sieman/metrics"

	"go.uber.org/zap"
)

// Emitter receives fired alerts. Implementations must be safe for
// concurrent use.
type Emitter interface {
	Emit(ctx context.Context, alert *core.Alert) error
}

// ChannelType identifies a notification channel kind.
type ChannelType string

const (
	// ChannelWebhook posts the alert as JSON to an HTTP endpoint.
	ChannelWebhook ChannelType = "webhook"
	// ChannelEmail sends the alert over SMTP.
	ChannelEmail ChannelType = "email"
)

// ChannelConfig configures one notification channel.
type ChannelConfig struct {
	Name        string            `mapstructure:"name"`
	Type        ChannelType       `mapstructure:"type"`
	Enabled     bool              `mapstructure:"enabled"`
	MinSeverity string            `mapstructure:"min_severity"`

	// Webhook settings.
	WebhookURL     string            `mapstructure:"webhook_url"`
	WebhookHeaders map[string]string `mapstructure:"webhook_headers"`

	// Email settings.
	SMTPHost    string   `mapstructure:"smtp_host"`
	SMTPPort    int      `mapstructure:"smtp_port"`
	FromAddress string   `mapstructure:"from_address"`
	ToAddresses []string `mapstructure:"to_addresses"`
}

// alertPayload is the wire shape of an emitted alert.
type alertPayload struct {
	Rule     string        `json:"rule"`
	Severity string        `json:"severity"`
	GroupKey string        `json:"group_key"`
	FiredAt  string        `json:"fired_at"`
	Events   []*core.Event `json:"events"`
}

func payloadFor(alert *core.Alert) alertPayload {
	return alertPayload{
		Rule:     alert.RuleName,
		Severity: alert.Severity,
		GroupKey: alert.GroupKey,
		FiredAt:  alert.FiredAt.UTC().Format(time.RFC3339),
		Events:   alert.Events,
	}
}

// LogEmitter writes alerts to the structured log, the default sink.
type LogEmitter struct {
	logger *zap.SugaredLogger
}

// NewLogEmitter creates a log-backed emitter.
func NewLogEmitter(logger *zap.SugaredLogger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(ctx context.Context, alert *core.Alert) error {
	l.logger.Infow("ALERT",
		"rule", alert.RuleName,
		"severity", alert.Severity,
		"group_key", alert.GroupKey,
		"fired_at", alert.FiredAt.UTC().Format(time.RFC3339),
		"events", len(alert.Events))
	return nil
}

// FileEmitter appends alerts as JSON lines to a report file.
type FileEmitter struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileEmitter opens (appending) the report file at path.
func NewFileEmitter(path string) (*FileEmitter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open report file: %w", err)
	}
	return &FileEmitter{file: f}, nil
}

// Emit implements Emitter.
func (f *FileEmitter) Emit(ctx context.Context, alert *core.Alert) error {
	data, err := json.Marshal(payloadFor(alert))
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write alert report: %w", err)
	}
	return nil
}

// Close flushes and closes the report file.
func (f *FileEmitter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

// Notifier fans alerts out to configured webhook and email channels, each
// guarded by its own circuit breaker so one dead endpoint cannot stall the
// rest.
type Notifier struct {
	channels []ChannelConfig
	client   *http.Client
	logger   *zap.SugaredLogger

	cbMu     sync.Mutex
	breakers map[string]*core.CircuitBreaker
}

// NewNotifier creates a notifier for the given channels.
func NewNotifier(channels []ChannelConfig, logger *zap.SugaredLogger) *Notifier {
	return &Notifier{
		channels: channels,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		breakers: make(map[string]*core.CircuitBreaker),
	}
}

// Emit implements Emitter. Channel failures are logged and counted; the
// first error is returned for observability but emission continues to the
// remaining channels.
func (n *Notifier) Emit(ctx context.Context, alert *core.Alert) error {
	var firstErr error
	for _, ch := range n.channels {
		if !ch.Enabled {
			continue
		}
		if !core.SeverityAtLeast(alert.Severity, ch.MinSeverity) {
			continue
		}

		cb := n.breakerFor(ch.Name)
		if err := cb.Allow(); err != nil {
			n.logger.Warnw("notification channel circuit open, skipping",
				"channel", ch.Name)
			metrics.EmitFailures.WithLabelValues(ch.Name).Inc()
			continue
		}

		var err error
		switch ch.Type {
		case ChannelWebhook:
			err = n.sendWebhook(ctx, ch, alert)
		case ChannelEmail:
			err = n.sendEmail(ch, alert)
		default:
			err = fmt.Errorf("unknown channel type %q", ch.Type)
		}

		if err != nil {
			cb.RecordFailure()
			metrics.EmitFailures.WithLabelValues(ch.Name).Inc()
			n.logger.Errorw("notification failed",
				"channel", ch.Name, "rule", alert.RuleName, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		cb.RecordSuccess()
	}
	return firstErr
}

func (n *Notifier) breakerFor(name string) *core.CircuitBreaker {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	cb, ok := n.breakers[name]
	if !ok {
		cb = core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig())
		n.breakers[name] = cb
	}
	return cb
}

func (n *Notifier) sendWebhook(ctx context.Context, ch ChannelConfig, alert *core.Alert) error {
	body, err := json.Marshal(payloadFor(alert))
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.WebhookHeaders {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) sendEmail(ch ChannelConfig, alert *core.Alert) error {
	// Header values from config and alert data must not inject extra
	// headers.
	subject := sanitizeHeader(fmt.Sprintf("[sieman] %s alert: %s", alert.Severity, alert.RuleName))

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", sanitizeHeader(ch.FromAddress))
	fmt.Fprintf(&msg, "To: %s\r\n", sanitizeHeader(strings.Join(ch.ToAddresses, ", ")))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&msg, "Rule: %s\nSeverity: %s\nGroup key: %s\nFired at: %s\nTriggering events: %d\n",
		alert.RuleName, alert.Severity, alert.GroupKey,
		alert.FiredAt.UTC().Format(time.RFC3339), len(alert.Events))
	for _, ev := range alert.Events {
		fmt.Fprintf(&msg, "  %s %s\n", ev.Timestamp.UTC().Format(time.RFC3339), ev.Raw)
	}

	addr := fmt.Sprintf("%s:%d", ch.SMTPHost, ch.SMTPPort)
	if err := smtp.SendMail(addr, nil, ch.FromAddress, ch.ToAddresses, []byte(msg.String())); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	return strings.ReplaceAll(v, "\n", "")
}

// MultiEmitter fans out to several emitters; used by the pipeline to feed
// the report writer and the notifier from one alert stream.
type MultiEmitter struct {
	emitters []Emitter
	logger   *zap.SugaredLogger
}

// NewMultiEmitter creates a fan-out emitter.
func NewMultiEmitter(logger *zap.SugaredLogger, emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters, logger: logger}
}

// Emit implements Emitter.
func (m *MultiEmitter) Emit(ctx context.Context, alert *core.Alert) error {
	var firstErr error
	for _, e := range m.emitters {
		if err := e.Emit(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
