package snapshot

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// chromeBrowser hands every capture its own browser session. With a local
// Chrome each capture launches a fresh process with a throwaway profile;
// with a remote endpoint each capture gets a new browser context on the
// shared connection. Either way nothing (cookies, consent state, storage,
// cache) carries from one capture to the next.
type chromeBrowser struct {
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	remote          bool
	cfg             Config
	logger          *zap.Logger

	mu           sync.Mutex
	remoteCtx    context.Context
	remoteCancel context.CancelFunc
}

func newChromeBrowser(cfg Config, logger *zap.Logger) (*chromeBrowser, error) {
	b := &chromeBrowser{cfg: cfg, logger: logger, remote: cfg.RemoteURL != ""}
	if b.remote {
		b.allocatorCtx, b.allocatorCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := chromedp.DefaultExecAllocatorOptions[:]
		opts = append(opts,
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("lang", cfg.Locale),
			chromedp.WindowSize(int(cfg.ViewportWidth), int(cfg.ViewportHeight)),
			chromedp.UserAgent(cfg.UserAgent),
		)
		b.allocatorCtx, b.allocatorCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	// Fail at startup rather than on the first scan when Chrome is missing.
	sessionCtx, release, err := b.open(context.Background())
	if err != nil {
		b.close()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	err = chromedp.Run(sessionCtx)
	release()
	if err != nil {
		b.close()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return b, nil
}

func (b *chromeBrowser) close() {
	b.mu.Lock()
	if b.remoteCancel != nil {
		b.remoteCancel()
		b.remoteCtx, b.remoteCancel = nil, nil
	}
	b.mu.Unlock()
	b.allocatorCancel()
}

// open returns a context bound to a new, isolated browser session and the
// func that tears it down. The teardown may be called more than once.
func (b *chromeBrowser) open(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if !b.remote {
		sessionCtx, cancel := chromedp.NewContext(b.allocatorCtx)
		return sessionCtx, sync.OnceFunc(cancel), nil
	}
	root, err := b.remoteRoot(ctx)
	if err != nil {
		return nil, nil, err
	}
	sessionCtx, cancel := chromedp.NewContext(root, chromedp.WithNewBrowserContext())
	return sessionCtx, sync.OnceFunc(cancel), nil
}

// remoteRoot keeps one connection to the remote browser and redials it when
// the previous one died.
func (b *chromeBrowser) remoteRoot(ctx context.Context) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remoteCtx != nil && b.remoteCtx.Err() == nil {
		return b.remoteCtx, nil
	}
	if b.remoteCancel != nil {
		b.remoteCancel()
	}
	rootCtx, cancel := chromedp.NewContext(b.allocatorCtx)
	if err := chromedp.Run(rootCtx); err != nil {
		cancel()
		b.remoteCtx, b.remoteCancel = nil, nil
		return nil, fmt.Errorf("connect remote chrome: %w", err)
	}
	if ctx.Err() != nil {
		cancel()
		return nil, ctx.Err()
	}
	b.remoteCtx, b.remoteCancel = rootCtx, cancel
	return rootCtx, nil
}

func (b *chromeBrowser) capture(ctx context.Context, rawURL string, opts Options) ([]byte, error) {
	sessionCtx, release, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	stopForward := forwardCancel(ctx, release)
	defer stopForward()

	// The first Run on a session must use the session context itself; running
	// it on a derived timeout context would close the session when that
	// context ends.
	if err := chromedp.Run(sessionCtx, b.emulation()...); err != nil {
		return nil, fmt.Errorf("emulate: %w", err)
	}

	s := session{
		drv:            chromeDriver{},
		timings:        b.cfg.Timings,
		rules:          b.cfg.ConsentRules,
		viewportHeight: b.cfg.ViewportHeight,
		log:            b.logger.With(zap.String("url", rawURL)),
	}
	return s.run(sessionCtx, rawURL, opts)
}

func (b *chromeBrowser) emulation() []chromedp.Action {
	return []chromedp.Action{
		chromedp.EmulateViewport(b.cfg.ViewportWidth, b.cfg.ViewportHeight),
		emulation.SetUserAgentOverride(b.cfg.UserAgent).WithAcceptLanguage(acceptLanguage(b.cfg.Locale)),
		emulation.SetLocaleOverride().WithLocale(strings.ReplaceAll(b.cfg.Locale, "-", "_")),
		emulation.SetTimezoneOverride(b.cfg.Timezone),
	}
}

// chromeDriver runs the session primitives as chromedp actions on the
// session held by ctx.
type chromeDriver struct{}

func (chromeDriver) navigate(ctx context.Context, rawURL string, domReady bool) error {
	if !domReady {
		return chromedp.Run(ctx, chromedp.Navigate(rawURL))
	}
	return chromedp.Run(ctx, navigateDOMReady(rawURL))
}

func navigateDOMReady(rawURL string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		listenCtx, stop := context.WithCancel(ctx)
		defer stop()

		ready := make(chan struct{})
		var once sync.Once
		chromedp.ListenTarget(listenCtx, func(ev any) {
			if _, ok := ev.(*page.EventDomContentEventFired); ok {
				once.Do(func() { close(ready) })
			}
		})

		_, _, errText, _, err := page.Navigate(rawURL).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("page load error %s", errText)
		}
		select {
		case <-ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (chromeDriver) click(ctx context.Context, rule ConsentRule) error {
	by := chromedp.ByQuery
	if rule.By == ByXPath {
		by = chromedp.BySearch
	}
	return chromedp.Run(ctx, chromedp.Click(rule.Selector, by))
}

func (chromeDriver) waitReady(ctx context.Context) error {
	return chromedp.Run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

func (chromeDriver) viewportHeight(ctx context.Context) (int64, error) {
	var h int64
	err := chromedp.Run(ctx, chromedp.Evaluate(`window.innerHeight`, &h))
	return h, err
}

const pageHeightJS = `Math.max(document.body ? document.body.scrollHeight : 0, document.documentElement.scrollHeight)`

func (chromeDriver) pageHeight(ctx context.Context) (int64, error) {
	var h int64
	err := chromedp.Run(ctx, chromedp.Evaluate(pageHeightJS, &h))
	return h, err
}

func (chromeDriver) scrollTo(ctx context.Context, y int64) error {
	var ok bool
	return chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollTo(0, %d); true", y), &ok))
}

func (chromeDriver) screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if fullPage {
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := chromedp.Run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

// acceptLanguage builds an Accept-Language header preferring locale.
func acceptLanguage(locale string) string {
	base, _, _ := strings.Cut(locale, "-")
	parts := []string{locale}
	if base != "" && base != locale {
		parts = append(parts, base+";q=0.9")
	}
	if base != "en" {
		parts = append(parts, "en;q=0.8")
	}
	return strings.Join(parts, ",")
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
