package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfigYAML = `
sources:
  - id: auth
    type: file
    format: syslog
    path: /var/log/auth.log
    follow: true
  - id: web
    type: directory
    format: weblog
    path: /var/log/nginx
  - id: stream
    type: tcp
    format: json
    addr: 127.0.0.1:5514
    rate_limit: 500
  - id: audit
    type: file
    format: csv
    path: /var/log/audit.csv
    csv_columns: [timestamp, user, action]

engine:
  rules_path: rules.yaml
  queue_size: 2048

offsets:
  backend: sqlite
  path: data/offsets.db

server:
  metrics_addr: 127.0.0.1:9090

report:
  path: alerts.jsonl

dlq:
  enabled: true
  path: data/dlq.db

logging:
  level: debug
  development: true

notifications:
  - name: ops-webhook
    type: webhook
    enabled: true
    min_severity: high
    webhook_url: https://hooks.example.com/siem
    webhook_headers:
      X-Auth-Token: secret
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfigYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Sources, 4)
	assert.Equal(t, "auth", cfg.Sources[0].ID)
	assert.True(t, cfg.Sources[0].Follow)
	assert.Equal(t, "127.0.0.1:5514", cfg.Sources[2].Addr)
	assert.Equal(t, 500, cfg.Sources[2].RateLimit)
	assert.Equal(t, []string{"timestamp", "user", "action"}, cfg.Sources[3].CSVColumns)

	assert.Equal(t, "rules.yaml", cfg.Engine.RulesPath)
	assert.Equal(t, 2048, cfg.Engine.QueueSize)
	// Unset values keep their defaults.
	assert.Equal(t, 10000, cfg.Engine.MaxStateKeys)

	assert.Equal(t, "sqlite", cfg.Offsets.Backend)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.MetricsAddr)
	assert.True(t, cfg.DLQ.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.Len(t, cfg.Notifications, 1)
	assert.Equal(t, "ops-webhook", cfg.Notifications[0].Name)
	assert.Equal(t, "high", cfg.Notifications[0].MinSeverity)
}

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
sources:
  - id: app
    type: file
    format: generic
    path: app.log
engine:
  rules_path: rules.yaml
`))
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Engine.QueueSize)
	assert.Equal(t, "file", cfg.Offsets.Backend)
	assert.Equal(t, "data/offsets.json", cfg.Offsets.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.DLQ.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]string{
		"no sources": `
sources: []
engine:
  rules_path: rules.yaml
`,
		"missing rules path": `
sources:
  - id: app
    type: file
    format: generic
    path: app.log
engine:
  rules_path: ""
`,
		"unknown source type": `
sources:
  - id: app
    type: kafka
    format: generic
    path: app.log
engine:
  rules_path: rules.yaml
`,
		"file source without path": `
sources:
  - id: app
    type: file
    format: generic
engine:
  rules_path: rules.yaml
`,
		"tcp source without addr": `
sources:
  - id: stream
    type: tcp
    format: json
engine:
  rules_path: rules.yaml
`,
		"duplicate source ids": `
sources:
  - id: app
    type: file
    format: generic
    path: a.log
  - id: app
    type: file
    format: generic
    path: b.log
engine:
  rules_path: rules.yaml
`,
		"unknown offsets backend": `
sources:
  - id: app
    type: file
    format: generic
    path: app.log
engine:
  rules_path: rules.yaml
offsets:
  backend: etcd
`,
		"redis backend without addr": `
sources:
  - id: app
    type: file
    format: generic
    path: app.log
engine:
  rules_path: rules.yaml
offsets:
  backend: redis
`,
		"bad log level": `
sources:
  - id: app
    type: file
    format: generic
    path: app.log
engine:
  rules_path: rules.yaml
logging:
  level: loud
`,
	}

	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, yaml))
			assert.Error(t, err)
		})
	}
}

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	logger, err = NewLogger(LoggingConfig{Level: "info"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(LoggingConfig{Level: "shout"})
	assert.Error(t, err)
}
