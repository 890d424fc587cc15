package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Timings groups every wait used while capturing a page.
type Timings struct {
	DOMReady      time.Duration `mapstructure:"dom_ready"`
	Load          time.Duration `mapstructure:"load"`
	AfterLoad     time.Duration `mapstructure:"after_load"`
	ConsentProbe  time.Duration `mapstructure:"consent_probe"`
	ConsentSettle time.Duration `mapstructure:"consent_settle"`
	ConsentReady  time.Duration `mapstructure:"consent_ready"`
	FastScroll    time.Duration `mapstructure:"fast_scroll"`
	SlowScroll    time.Duration `mapstructure:"slow_scroll"`
	FastSteps     int           `mapstructure:"fast_steps"`
	SlowSteps     int           `mapstructure:"slow_steps"`
	ScrollTop     time.Duration `mapstructure:"scroll_top"`
	BeforeShot    time.Duration `mapstructure:"before_shot"`
	FullShot      time.Duration `mapstructure:"full_shot"`
	ViewportShot  time.Duration `mapstructure:"viewport_shot"`
}

// DefaultTimings returns the waits tuned for heavy marketing pages.
func DefaultTimings() Timings {
	return Timings{
		DOMReady:      30 * time.Second,
		Load:          45 * time.Second,
		AfterLoad:     time.Second,
		ConsentProbe:  1500 * time.Millisecond,
		ConsentSettle: 2 * time.Second,
		ConsentReady:  5 * time.Second,
		FastScroll:    150 * time.Millisecond,
		SlowScroll:    500 * time.Millisecond,
		FastSteps:     20,
		SlowSteps:     60,
		ScrollTop:     200 * time.Millisecond,
		BeforeShot:    1500 * time.Millisecond,
		FullShot:      30 * time.Second,
		ViewportShot:  15 * time.Second,
	}
}

// scrollPlan returns the per-step delay and the step cap for a capture.
func (t Timings) scrollPlan(opts Options) (time.Duration, int) {
	if opts.Fast {
		return t.FastScroll, t.FastSteps
	}
	return t.SlowScroll, t.SlowSteps
}

// driver is the set of page primitives a capture session needs. The chromedp
// implementation lives in chrome.go.
type driver interface {
	// navigate loads rawURL. With domReady it returns at DOMContentLoaded,
	// otherwise at the load event.
	navigate(ctx context.Context, rawURL string, domReady bool) error
	click(ctx context.Context, rule ConsentRule) error
	waitReady(ctx context.Context) error
	viewportHeight(ctx context.Context) (int64, error)
	pageHeight(ctx context.Context) (int64, error)
	scrollTo(ctx context.Context, y int64) error
	screenshot(ctx context.Context, fullPage bool) ([]byte, error)
}

// session runs the capture sequence for one page on one driver.
type session struct {
	drv            driver
	timings        Timings
	rules          []ConsentRule
	viewportHeight int64
	log            *zap.Logger
}

func (s session) run(ctx context.Context, rawURL string, opts Options) ([]byte, error) {
	if err := s.navigate(ctx, rawURL); err != nil {
		return nil, err
	}
	if err := pause(ctx, s.timings.AfterLoad); err != nil {
		return nil, err
	}
	s.acceptConsent(ctx)
	s.scroll(ctx, opts)
	if err := pause(ctx, s.timings.BeforeShot); err != nil {
		return nil, err
	}
	return s.screenshot(ctx)
}

// navigate waits for DOMContentLoaded and falls back to a full load wait when
// that times out.
func (s session) navigate(ctx context.Context, rawURL string) error {
	err := withTimeout(ctx, s.timings.DOMReady, func(ctx context.Context) error {
		return s.drv.navigate(ctx, rawURL, true)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("navigate: %w", ctx.Err())
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("navigate: %w", err)
	}
	s.log.Warn("dom ready wait timed out, waiting for full load", zap.Duration("waited", s.timings.DOMReady))
	err = withTimeout(ctx, s.timings.Load, func(ctx context.Context) error {
		return s.drv.navigate(ctx, rawURL, false)
	})
	if err != nil {
		return fmt.Errorf("navigate (load): %w", err)
	}
	return nil
}

// acceptConsent tries each rule until one clicks. Every probe failure is
// contained; a page without a banner simply falls through.
func (s session) acceptConsent(ctx context.Context) {
	for _, rule := range s.rules {
		if ctx.Err() != nil {
			return
		}
		err := withTimeout(ctx, s.timings.ConsentProbe, func(ctx context.Context) error {
			return s.drv.click(ctx, rule)
		})
		if err != nil {
			continue
		}
		s.log.Debug("cookie banner accepted", zap.String("rule", rule.Name))
		if err := pause(ctx, s.timings.ConsentSettle); err != nil {
			return
		}
		if err := withTimeout(ctx, s.timings.ConsentReady, s.drv.waitReady); err != nil {
			s.log.Debug("page not ready after consent", zap.Error(err))
		}
		return
	}
}

// scroll walks the page one viewport at a time so lazy content loads, then
// returns to the top. A navigation mid-scroll ends the walk early.
func (s session) scroll(ctx context.Context, opts Options) {
	delay, maxSteps := s.timings.scrollPlan(opts)

	viewport, err := s.drv.viewportHeight(ctx)
	if err != nil || viewport <= 0 {
		viewport = s.viewportHeight
	}

	var pos int64
	for step := 0; step < maxSteps; step++ {
		height, err := s.drv.pageHeight(ctx)
		if err != nil {
			s.log.Debug("scroll aborted", zap.Int("step", step), zap.Error(err))
			break
		}
		if pos+viewport >= height {
			break
		}
		pos += viewport
		if err := s.drv.scrollTo(ctx, pos); err != nil {
			s.log.Debug("scroll aborted", zap.Int("step", step), zap.Error(err))
			break
		}
		if err := pause(ctx, delay); err != nil {
			return
		}
	}

	if err := s.drv.scrollTo(ctx, 0); err != nil {
		s.log.Debug("scroll to top failed", zap.Error(err))
	}
	_ = pause(ctx, s.timings.ScrollTop)
}

// screenshot captures the full page and degrades to the viewport.
func (s session) screenshot(ctx context.Context) ([]byte, error) {
	var full []byte
	fullErr := withTimeout(ctx, s.timings.FullShot, func(ctx context.Context) error {
		var err error
		full, err = s.drv.screenshot(ctx, true)
		return err
	})
	if fullErr == nil && len(full) > 0 {
		return full, nil
	}
	if fullErr == nil {
		fullErr = ErrEmptyImage
	}
	s.log.Warn("full page screenshot failed, using viewport", zap.Error(fullErr))

	var viewport []byte
	err := withTimeout(ctx, s.timings.ViewportShot, func(ctx context.Context) error {
		var err error
		viewport, err = s.drv.screenshot(ctx, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", errors.Join(fullErr, err))
	}
	return viewport, nil
}

func withTimeout(parent context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	return fn(ctx)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
