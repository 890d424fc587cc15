// Package snapshot captures full-page screenshots of monitored pages with
// headless Chrome and persists them to blob storage.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/metrics"
	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/policy/ratelimit"
)

// ErrEmptyImage is returned when the browser produced no image bytes.
var ErrEmptyImage = errors.New("empty screenshot")

// Options tunes a single capture.
type Options struct {
	// Fast shortens the scroll pass.
	Fast bool
}

// Result is the outcome of a capture. Err is set on failure.
type Result struct {
	Path  string
	Image []byte
	Err   error
}

// OK reports whether the capture produced a stored screenshot.
func (r Result) OK() bool { return r.Err == nil && r.Path != "" }

// Config controls browser emulation and capture concurrency.
type Config struct {
	// RemoteURL points at an already-running Chrome DevTools endpoint. Empty
	// means a local headless Chrome is launched.
	RemoteURL      string
	UserAgent      string
	Locale         string
	Timezone       string
	ViewportWidth  int64
	ViewportHeight int64
	MaxParallel    int
	HostQPS        float64
	Timings        Timings
	ConsentRules   []ConsentRule
}

// DefaultUserAgent is a desktop Chrome 120 user agent.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultConfig returns the Dutch desktop profile used for competitor pages.
func DefaultConfig() Config {
	return Config{
		UserAgent:      DefaultUserAgent,
		Locale:         "nl-NL",
		Timezone:       "Europe/Amsterdam",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		MaxParallel:    2,
		Timings:        DefaultTimings(),
		ConsentRules:   DefaultConsentRules(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.Locale == "" {
		c.Locale = d.Locale
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		c.ViewportWidth, c.ViewportHeight = d.ViewportWidth, d.ViewportHeight
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = d.MaxParallel
	}
	if c.Timings == (Timings{}) {
		c.Timings = d.Timings
	}
	if len(c.ConsentRules) == 0 {
		c.ConsentRules = d.ConsentRules
	}
	return c
}

// browser renders a page and returns PNG bytes.
type browser interface {
	capture(ctx context.Context, rawURL string, opts Options) ([]byte, error)
	close()
}

// Snapshotter captures pages and writes them through a BlobStore.
type Snapshotter struct {
	browser browser
	blobs   monitor.BlobStore
	logger  *zap.Logger
	sem     chan struct{}
	limiter *ratelimit.Limiter
}

// New starts (or connects to) Chrome and returns a Snapshotter.
func New(cfg Config, blobs monitor.BlobStore, logger *zap.Logger) (*Snapshotter, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b, err := newChromeBrowser(cfg, logger.Named("chrome"))
	if err != nil {
		return nil, err
	}
	return newSnapshotter(cfg, b, blobs, logger)
}

func newSnapshotter(cfg Config, b browser, blobs monitor.BlobStore, logger *zap.Logger) (*Snapshotter, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Snapshotter{
		browser: b,
		blobs:   blobs,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxParallel),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:     cfg.HostQPS,
			Burst:   1,
			Observe: metrics.ObserveCaptureWait,
		}),
	}, nil
}

// Close shuts the browser down.
func (s *Snapshotter) Close() error {
	if s == nil || s.browser == nil {
		return nil
	}
	s.browser.close()
	return nil
}

// Capture renders rawURL and stores the PNG at dest. Failures are reported
// through Result.Err; Capture never panics.
func (s *Snapshotter) Capture(ctx context.Context, rawURL, dest string, opts Options) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("capture %s: panic: %v", rawURL, r)}
		}
	}()

	release, err := s.acquireSlot(ctx)
	if err != nil {
		return Result{Err: err}
	}
	defer release()

	if err := s.limiter.Wait(ctx, rawURL); err != nil {
		return Result{Err: fmt.Errorf("capture rate limit: %w", err)}
	}

	start := time.Now()
	img, err := s.browser.capture(ctx, rawURL, opts)
	if err != nil {
		return Result{Err: fmt.Errorf("capture %s: %w", rawURL, err)}
	}
	if len(img) == 0 {
		return Result{Err: fmt.Errorf("capture %s: %w", rawURL, ErrEmptyImage)}
	}

	path, err := s.blobs.PutObject(ctx, dest, "image/png", bytes.NewReader(img))
	if err != nil {
		return Result{Err: fmt.Errorf("store screenshot: %w", err)}
	}
	s.logger.Debug("screenshot stored",
		zap.String("url", rawURL),
		zap.String("path", path),
		zap.Int("bytes", len(img)),
		zap.Bool("fast", opts.Fast),
		zap.Duration("elapsed", time.Since(start)),
	)
	return Result{Path: path, Image: img}
}

func (s *Snapshotter) acquireSlot(ctx context.Context) (func(), error) {
	if s.sem == nil {
		return func() {}, nil
	}
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire capture slot: %w", ctx.Err())
	}
}

// ObjectPath is the storage path for a target's screenshot taken at t. The
// suffix keeps runs that start in the same second from overwriting each
// other; an empty suffix gives the bare timestamp name.
func ObjectPath(targetID int64, t time.Time, suffix string) string {
	stamp := t.UTC().Format("20060102_150405")
	if suffix == "" {
		return fmt.Sprintf("screenshots/%d_%s.png", targetID, stamp)
	}
	return fmt.Sprintf("screenshots/%d_%s_%s.png", targetID, stamp, suffix)
}
