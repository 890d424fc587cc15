// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/JakeFAU/meerkat/internal/alert"
	"github.com/JakeFAU/meerkat/internal/analyst"
	"github.com/JakeFAU/meerkat/internal/fingerprint"
	"github.com/JakeFAU/meerkat/internal/inference"
	"github.com/JakeFAU/meerkat/internal/notify"
	"github.com/JakeFAU/meerkat/internal/pipeline"
	"github.com/JakeFAU/meerkat/internal/snapshot"
)

// DefaultPath is the config file read when no path is given and it exists.
const DefaultPath = "~/.meerkat.yaml"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Store       StoreConfig       `mapstructure:"store"`
	Blob        BlobConfig        `mapstructure:"blob"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Inference   inference.Config  `mapstructure:"inference"`
	Analyst     analyst.Config    `mapstructure:"analyst"`
	Pipeline    pipeline.Config   `mapstructure:"pipeline"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Alert       alert.Config      `mapstructure:"alert"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	// Driver is postgres, sqlite or memory.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// BlobConfig selects where screenshots are written.
type BlobConfig struct {
	// Driver is local, gcs or memory.
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// FingerprintConfig tunes the static scout.
type FingerprintConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
}

// SnapshotConfig tunes the browser capture.
type SnapshotConfig struct {
	RemoteURL      string                 `mapstructure:"remote_url"`
	UserAgent      string                 `mapstructure:"user_agent"`
	Locale         string                 `mapstructure:"locale"`
	Timezone       string                 `mapstructure:"timezone"`
	ViewportWidth  int64                  `mapstructure:"viewport_width"`
	ViewportHeight int64                  `mapstructure:"viewport_height"`
	MaxParallel    int                    `mapstructure:"max_parallel"`
	HostQPS        float64                `mapstructure:"host_qps"`
	Timings        snapshot.Timings       `mapstructure:"timings"`
	ConsentRules   []snapshot.ConsentRule `mapstructure:"consent_rules"`
}

// ProgressConfig selects the progress store.
type ProgressConfig struct {
	// Backend is memory or postgres.
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// ScheduleConfig controls the periodic driver.
type ScheduleConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Tick    time.Duration `mapstructure:"tick"`
}

// WorkerConfig governs the queue and the worker pool.
type WorkerConfig struct {
	Count       int           `mapstructure:"count"`
	Queue       string        `mapstructure:"queue"`
	QueueDepth  int           `mapstructure:"queue_depth"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// NotifyConfig selects the alert transport.
type NotifyConfig struct {
	// Driver is log, smtp, webhook or pubsub.
	Driver  string               `mapstructure:"driver"`
	SMTP    notify.SMTPConfig    `mapstructure:"smtp"`
	Webhook notify.WebhookConfig `mapstructure:"webhook"`
}

// PubSubConfig names the Pub/Sub resources used by the pubsub queue and notifier.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	ScanTopic        string `mapstructure:"scan_topic"`
	ScanSubscription string `mapstructure:"scan_subscription"`
	AlertTopic       string `mapstructure:"alert_topic"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. An empty path falls back to
// DefaultPath when that file exists.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEERKAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}
	if resolved != "" {
		v.SetConfigFile(resolved)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func resolvePath(path string) (string, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand config path: %w", err)
	}
	if explicit {
		return expanded, nil
	}
	if _, err := os.Stat(expanded); err != nil {
		return "", nil
	}
	return expanded, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "meerkat.db")
	v.SetDefault("store.ensure_schema", true)
	v.SetDefault("blob.driver", "local")
	v.SetDefault("blob.base_dir", "data")
	v.SetDefault("fingerprint.user_agent", snapshot.DefaultUserAgent)
	v.SetDefault("fingerprint.timeout", "15s")
	v.SetDefault("fingerprint.respect_robots", false)
	v.SetDefault("fingerprint.max_body_bytes", 10<<20)
	v.SetDefault("snapshot.locale", "nl-NL")
	v.SetDefault("snapshot.timezone", "Europe/Amsterdam")
	v.SetDefault("snapshot.viewport_width", 1920)
	v.SetDefault("snapshot.viewport_height", 1080)
	v.SetDefault("snapshot.max_parallel", 2)
	v.SetDefault("snapshot.host_qps", 0.2)
	v.SetDefault("inference.provider", inference.ProviderGemini)
	v.SetDefault("inference.model", inference.DefaultGeminiModel)
	v.SetDefault("inference.timeout", "90s")
	v.SetDefault("inference.temperature", 0.2)
	v.SetDefault("analyst.language", "Dutch")
	v.SetDefault("analyst.market", "Dutch telecom")
	v.SetDefault("pipeline.force_scout", true)
	v.SetDefault("pipeline.thorough_scroll", false)
	v.SetDefault("progress.backend", "memory")
	v.SetDefault("progress.ttl", "300s")
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.tick", "1m")
	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.queue", "memory")
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff", "60s")
	v.SetDefault("alert.max_attempts", 3)
	v.SetDefault("alert.backoff", "60s")
	v.SetDefault("notify.driver", "log")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("telemetry.service_name", "meerkat")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q not supported", c.Store.Driver))
	}
	switch c.Blob.Driver {
	case "local", "memory":
	case "gcs":
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("blob.bucket is required for gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver %q not supported", c.Blob.Driver))
	}
	if c.Progress.Backend != "memory" && c.Progress.Backend != "postgres" {
		errs = append(errs, fmt.Errorf("progress.backend %q not supported", c.Progress.Backend))
	}
	if c.Progress.Backend == "postgres" && c.Store.Driver != "postgres" {
		errs = append(errs, errors.New("progress.backend postgres requires store.driver postgres"))
	}
	if c.Worker.Count <= 0 {
		errs = append(errs, errors.New("worker.count must be > 0"))
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, errors.New("worker.max_attempts must be > 0"))
	}
	if c.Worker.Queue != "memory" && c.Worker.Queue != "pubsub" {
		errs = append(errs, fmt.Errorf("worker.queue %q not supported", c.Worker.Queue))
	}
	if c.Worker.Queue == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.ScanTopic == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.scan_topic are required for the pubsub queue"))
	}
	switch c.Notify.Driver {
	case "log":
	case "smtp":
		if c.Notify.SMTP.Host == "" || c.Notify.SMTP.From == "" || c.Alert.Recipient == "" {
			errs = append(errs, errors.New("notify.smtp.host, notify.smtp.from and alert.recipient are required for smtp"))
		}
	case "webhook":
		if c.Notify.Webhook.URL == "" {
			errs = append(errs, errors.New("notify.webhook.url is required for webhook"))
		}
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.AlertTopic == "" {
			errs = append(errs, errors.New("pubsub.project_id and pubsub.alert_topic are required for pubsub alerts"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.driver %q not supported", c.Notify.Driver))
	}
	for i, rule := range c.Snapshot.ConsentRules {
		if err := rule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("snapshot.consent_rules[%d]: %w", i, err))
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within 0..1"))
	}
	return errors.Join(errs...)
}

// SnapshotSettings converts the section into snapshot.Config.
func (c Config) SnapshotSettings() snapshot.Config {
	s := c.Snapshot
	return snapshot.Config{
		RemoteURL:      s.RemoteURL,
		UserAgent:      s.UserAgent,
		Locale:         s.Locale,
		Timezone:       s.Timezone,
		ViewportWidth:  s.ViewportWidth,
		ViewportHeight: s.ViewportHeight,
		MaxParallel:    s.MaxParallel,
		HostQPS:        s.HostQPS,
		Timings:        s.Timings,
		ConsentRules:   s.ConsentRules,
	}
}

// FingerprintSettings converts the section into fingerprint.Config.
func (c Config) FingerprintSettings() fingerprint.Config {
	f := c.Fingerprint
	return fingerprint.Config{
		UserAgent:     f.UserAgent,
		Timeout:       f.Timeout,
		RespectRobots: f.RespectRobots,
		MaxBodyBytes:  f.MaxBodyBytes,
	}
}
