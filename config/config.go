// Package config loads and validates the sieman configuration file.
package config

import (
	"fmt"
	"strings"

	"sieman/notify"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// SourceConfig declares one log source.
type SourceConfig struct {
	ID     string `mapstructure:"id" validate:"required"`
	Type   string `mapstructure:"type" validate:"required,oneof=file directory tcp"`
	Format string `mapstructure:"format" validate:"required"`
	// Path is the file or directory to read (file and directory types).
	Path string `mapstructure:"path" validate:"required_unless=Type tcp"`
	// Addr is the host:port to listen on (tcp type).
	Addr string `mapstructure:"addr" validate:"required_if=Type tcp"`
	// Follow keeps reading appended data like tail -f.
	Follow bool `mapstructure:"follow"`
	// RateLimit caps accepted lines per second for tcp sources.
	RateLimit int `mapstructure:"rate_limit"`
	// CSVColumns declares the column names for headerless CSV sources.
	CSVColumns []string `mapstructure:"csv_columns"`
}

// OffsetsConfig selects the resume-state backend.
type OffsetsConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=file sqlite redis none"`
	Path      string `mapstructure:"path"`
	RedisAddr string `mapstructure:"redis_addr"`
}

// EngineConfig tunes the evaluation pipeline.
type EngineConfig struct {
	RulesPath    string `mapstructure:"rules_path" validate:"required"`
	QueueSize    int    `mapstructure:"queue_size" validate:"gte=0"`
	MaxStateKeys int    `mapstructure:"max_state_keys" validate:"gte=0"`
}

// ServerConfig configures the observability HTTP server.
type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// ReportConfig configures the JSON-line alert report.
type ReportConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// DLQConfig configures the malformed-line store.
type DLQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Config is the full service configuration.
type Config struct {
	Sources       []SourceConfig         `mapstructure:"sources" validate:"min=1,dive"`
	Engine        EngineConfig           `mapstructure:"engine"`
	Offsets       OffsetsConfig          `mapstructure:"offsets"`
	Server        ServerConfig           `mapstructure:"server"`
	Report        ReportConfig           `mapstructure:"report"`
	DLQ           DLQConfig              `mapstructure:"dlq"`
	Logging       LoggingConfig          `mapstructure:"logging"`
	Notifications []notify.ChannelConfig `mapstructure:"notifications"`
}

// setDefaults registers defaults on a viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.queue_size", 1024)
	v.SetDefault("engine.max_state_keys", 10000)
	v.SetDefault("offsets.backend", "file")
	v.SetDefault("offsets.path", "data/offsets.json")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("report.path", "")
	v.SetDefault("dlq.enabled", false)
	v.SetDefault("dlq.path", "data/dlq.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Load reads the configuration file at path, applies SIEMAN_* environment
// overrides, and validates the result. Validation failures are fatal;
// running with a half-understood config produces wrong alerts.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("SIEMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints plus the cross-field rules the
// struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("invalid config: duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}
	}

	switch c.Offsets.Backend {
	case "file", "sqlite":
		if c.Offsets.Path == "" {
			return fmt.Errorf("invalid config: offsets backend %q requires a path", c.Offsets.Backend)
		}
	case "redis":
		if c.Offsets.RedisAddr == "" {
			return fmt.Errorf("invalid config: redis offsets backend requires redis_addr")
		}
	}
	return nil
}
