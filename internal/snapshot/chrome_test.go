package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/storage/memory"
)

func requireChrome(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("chrome not installed")
}

// bannerPage shows a cookie banner unless the consent cookie is set. Clicking
// accept sets the cookie and reports back to the server.
const bannerPage = `<!doctype html>
<html><body style="margin:0">
<div id="banner" style="position:fixed;top:0;width:100%%;background:#fff">
  <button id="accept" onclick="document.cookie='consent=1; path=/'; fetch('/accepted'); this.parentNode.remove()">Alle cookies accepteren</button>
</div>
<script>if (document.cookie.indexOf('consent=1') >= 0) { document.getElementById('banner').remove(); }</script>
<div style="height:%dpx">Summer deal 25 euro</div>
%s
</body></html>`

func browserTimings() Timings {
	return Timings{
		DOMReady:      10 * time.Second,
		Load:          10 * time.Second,
		AfterLoad:     100 * time.Millisecond,
		ConsentProbe:  time.Second,
		ConsentSettle: 300 * time.Millisecond,
		ConsentReady:  2 * time.Second,
		FastScroll:    50 * time.Millisecond,
		SlowScroll:    50 * time.Millisecond,
		FastSteps:     5,
		SlowSteps:     5,
		ScrollTop:     50 * time.Millisecond,
		BeforeShot:    100 * time.Millisecond,
		FullShot:      10 * time.Second,
		ViewportShot:  10 * time.Second,
	}
}

func TestChromeCapturesInIsolatedSessions(t *testing.T) {
	requireChrome(t)

	var accepted atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/accepted", func(w http.ResponseWriter, _ *http.Request) {
		accepted.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, bannerPage, 3000, "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := Config{
		Timings:      browserTimings(),
		ConsentRules: []ConsentRule{css("missing", "#nope"), buttonText("Alle cookies accepteren")},
	}
	blobs := memory.NewBlobStore()
	s, err := New(cfg, blobs, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for i := range 2 {
		res := s.Capture(ctx, srv.URL+"/", fmt.Sprintf("screenshots/iso_%d.png", i), Options{Fast: true})
		require.True(t, res.OK(), "capture %d: %v", i, res.Err)
		require.True(t, bytes.HasPrefix(res.Image, []byte("\x89PNG")))
	}
	// A shared cookie jar would hide the banner from the second capture.
	require.Eventually(t, func() bool { return accepted.Load() == 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestChromeSurvivesRedirectWhileScrolling(t *testing.T) {
	requireChrome(t)

	redirect := `<script>window.addEventListener('scroll', function () { location.href = '/landed'; }, {once: true});</script>`
	mux := http.NewServeMux()
	mux.HandleFunc("/landed", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!doctype html><html><body><p>Landed</p></body></html>`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, bannerPage, 6000, redirect)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s, err := New(Config{Timings: browserTimings(), ConsentRules: []ConsentRule{css("accept", "#accept")}}, memory.NewBlobStore(), zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res := s.Capture(ctx, srv.URL+"/", "screenshots/redirect.png", Options{})
	require.True(t, res.OK(), "capture: %v", res.Err)
	require.True(t, bytes.HasPrefix(res.Image, []byte("\x89PNG")))
}
