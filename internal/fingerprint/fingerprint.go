// Package fingerprint implements the scout stage: a single static fetch of a
// page reduced to a digest of its visible text and image references. It is
// the cheap gate in front of the browser capture.
package fingerprint

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/monitor"
)

// PreviewLimit caps Result.TextPreview in characters.
const PreviewLimit = 200

// Config controls the scout collector.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
	MaxBodyBytes  int
}

// Result is the outcome of one scout. Err is set instead of returning an
// error so that callers always get a value back.
type Result struct {
	Fingerprint string
	ImageCount  int
	TextPreview string
	Err         error
}

// OK reports whether the scout succeeded.
func (r Result) OK() bool {
	return r.Err == nil && r.Fingerprint != ""
}

// Fingerprinter fetches pages with Colly and digests their visible content.
type Fingerprinter struct {
	cfg    Config
	hasher monitor.Hasher
	base   *colly.Collector
	logger *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fingerprinter.
func New(cfg Config, hasher monitor.Hasher, logger *zap.Logger) *Fingerprinter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.MaxDepth(1))
	c.WithTransport(newHTTPTransport())
	return &Fingerprinter{
		cfg:    cfg,
		hasher: hasher,
		base:   c,
		logger: logger,
	}
}

// Fingerprint fetches rawURL and digests it. It never panics or returns
// an error past this call; failures are reported in Result.Err.
func (f *Fingerprinter) Fingerprint(ctx context.Context, rawURL string) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Result{Err: fmt.Errorf("scout %s: panic: %v", rawURL, rec)}
		}
	}()

	start := time.Now()
	body, err := f.fetch(ctx, rawURL)
	if err != nil {
		return Result{Err: fmt.Errorf("scout %s: %w", rawURL, err)}
	}
	content, err := Extract(body)
	if err != nil {
		return Result{Err: fmt.Errorf("scout %s: %w", rawURL, err)}
	}
	sum, err := f.hasher.Hash([]byte(content.Canonical()))
	if err != nil {
		return Result{Err: fmt.Errorf("scout %s: hash content: %w", rawURL, err)}
	}
	f.logger.Debug("scout complete",
		zap.String("url", rawURL),
		zap.Int("images", len(content.Images)),
		zap.Int("text_len", len(content.Text)),
		zap.Duration("dur", time.Since(start)),
	)
	return Result{
		Fingerprint: sum,
		ImageCount:  len(content.Images),
		TextPreview: Preview(content.Text, PreviewLimit),
	}
}

func (f *Fingerprinter) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var (
		body     []byte
		fetchErr error
	)
	collector := f.base.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	if f.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = f.cfg.MaxBodyBytes
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	configureHooks(collector, &body, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("scout canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return nil, fmt.Errorf("colly visit failed: %w", err)
		}
		if body == nil {
			return nil, fmt.Errorf("no content received")
		}
		return body, nil
	}
}

func configureHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte{}, r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
	}
}
