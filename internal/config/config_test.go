package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"

	"github.com/JakeFAU/meerkat/internal/snapshot"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
store:
  driver: postgres
  dsn: postgres://meerkat@localhost/meerkat
  max_conns: 8
blob:
  driver: gcs
  bucket: screenshots
  prefix: meerkat
snapshot:
  max_parallel: 4
  host_qps: 0.5
  timings:
    dom_ready: 20s
    fast_steps: 3
  consent_rules:
    - name: accept
      selector: "#accept"
      by: css
inference:
  provider: static
  static_responses: ["{}"]
progress:
  backend: postgres
  ttl: 10m
worker:
  count: 5
  max_attempts: 2
notify:
  driver: webhook
  webhook:
    url: https://hooks.example.com/meerkat
    headers:
      X-Token: abc
alert:
  recipient: ops@example.com
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.MaxConns != 8 {
		t.Fatalf("expected store overrides to apply: %+v", cfg.Store)
	}
	if cfg.Blob.Bucket != "screenshots" || cfg.Blob.Prefix != "meerkat" {
		t.Fatalf("expected blob overrides to apply: %+v", cfg.Blob)
	}
	snap := cfg.SnapshotSettings()
	if snap.MaxParallel != 4 || snap.Timings.DOMReady != 20*time.Second || snap.Timings.FastSteps != 3 {
		t.Fatalf("expected snapshot overrides to apply: %+v", snap)
	}
	if len(snap.ConsentRules) != 1 || snap.ConsentRules[0].By != snapshot.ByCSS {
		t.Fatalf("expected consent rule to be loaded: %+v", snap.ConsentRules)
	}
	if snap.Locale != "nl-NL" {
		t.Fatalf("expected default locale, got %q", snap.Locale)
	}
	if cfg.Progress.TTL != 10*time.Minute {
		t.Fatalf("expected progress ttl 10m, got %v", cfg.Progress.TTL)
	}
	if cfg.Worker.Count != 5 || cfg.Worker.MaxAttempts != 2 || cfg.Worker.Backoff != time.Minute {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Notify.Webhook.URL == "" || len(cfg.Notify.Webhook.Headers) != 1 {
		t.Fatalf("expected webhook config to be loaded: %+v", cfg.Notify.Webhook)
	}
	if !cfg.Pipeline.ForceScout {
		t.Fatalf("expected force_scout to default to true")
	}
	if cfg.Logging.Development {
		t.Fatalf("expected development logging disabled")
	}
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Blob.Driver != "local" || cfg.Notify.Driver != "log" {
		t.Fatalf("unexpected default drivers: %+v %+v %+v", cfg.Store, cfg.Blob, cfg.Notify)
	}
	if cfg.Progress.TTL != 300*time.Second {
		t.Fatalf("expected 300s progress ttl, got %v", cfg.Progress.TTL)
	}
	if cfg.Schedule.Tick != time.Minute || !cfg.Schedule.Enabled {
		t.Fatalf("unexpected schedule defaults: %+v", cfg.Schedule)
	}
	fp := cfg.FingerprintSettings()
	if fp.UserAgent != snapshot.DefaultUserAgent || fp.Timeout != 15*time.Second {
		t.Fatalf("unexpected fingerprint defaults: %+v", fp)
	}
}

func TestLoadReadsHomeConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	if err := os.WriteFile(filepath.Join(home, ".meerkat.yaml"), []byte("server:\n  port: 7070\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected port from home config, got %d", cfg.Server.Port)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MEERKAT_SERVER_PORT", "6060")
	t.Setenv("MEERKAT_WORKER_COUNT", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for explicit missing file")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  development: true\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 6060 || cfg.Worker.Count != 7 {
		t.Fatalf("expected env overrides, got port=%d workers=%d", cfg.Server.Port, cfg.Worker.Count)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Store:    StoreConfig{Driver: "memory"},
		Blob:     BlobConfig{Driver: "memory"},
		Progress: ProgressConfig{Backend: "memory"},
		Worker:   WorkerConfig{Count: 1, MaxAttempts: 1, Queue: "memory"},
		Notify:   NotifyConfig{Driver: "log"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "postgres without dsn",
			cfg: func() Config {
				c := base
				c.Store.Driver = "postgres"
				return c
			}(),
			want: "store.dsn",
		},
		{
			name: "unknown store driver",
			cfg: func() Config {
				c := base
				c.Store.Driver = "mongo"
				return c
			}(),
			want: "store.driver",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Blob.Driver = "gcs"
				return c
			}(),
			want: "blob.bucket",
		},
		{
			name: "postgres progress on sqlite",
			cfg: func() Config {
				c := base
				c.Progress.Backend = "postgres"
				return c
			}(),
			want: "progress.backend",
		},
		{
			name: "no workers",
			cfg: func() Config {
				c := base
				c.Worker.Count = 0
				return c
			}(),
			want: "worker.count",
		},
		{
			name: "pubsub queue without topic",
			cfg: func() Config {
				c := base
				c.Worker.Queue = "pubsub"
				return c
			}(),
			want: "pubsub.scan_topic",
		},
		{
			name: "smtp without host",
			cfg: func() Config {
				c := base
				c.Notify.Driver = "smtp"
				return c
			}(),
			want: "notify.smtp.host",
		},
		{
			name: "bad consent rule",
			cfg: func() Config {
				c := base
				c.Snapshot.ConsentRules = []snapshot.ConsentRule{{Name: "x", By: snapshot.ByCSS}}
				return c
			}(),
			want: "snapshot.consent_rules[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
