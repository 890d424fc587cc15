package fingerprint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/hash/sha256"
)

const pageHTML = `<!doctype html>
<html><head><title>Acme</title><meta name="x" content="y"><style>.a{}</style></head>
<body>
  <script>var tracking = "ignored";</script>
  <h1>Summer   sale</h1><p>Bundle from <b>25</b> EUR</p>
  <noscript>enable js</noscript>
  <img src="/hero.png"><img alt="no source"><img src="https://cdn.test/logo.svg">
</body></html>`

func TestExtractStripsHiddenNodesAndKeepsImageOrder(t *testing.T) {
	t.Parallel()

	content, err := Extract([]byte(pageHTML))
	require.NoError(t, err)
	require.Equal(t, "Summer sale Bundle from 25 EUR", content.Text)
	require.Equal(t, []string{"/hero.png", "https://cdn.test/logo.svg"}, content.Images)
	require.Equal(t, "30:Summer sale Bundle from 25 EUR,9:/hero.png,25:https://cdn.test/logo.svg,", content.Canonical())
}

func TestExtractSeparatesAdjacentBlocks(t *testing.T) {
	t.Parallel()

	content, err := Extract([]byte(`<div>Hello</div><div>World</div>`))
	require.NoError(t, err)
	require.Equal(t, "Hello World", content.Text)
	require.Equal(t, "11:Hello World,", content.Canonical())
}

func TestExtractDropsHiddenAttributeSubtrees(t *testing.T) {
	t.Parallel()

	content, err := Extract([]byte(`<p>Hi</p><div hidden>secret <img src="/promo.png"></div><img src="/shown.png">`))
	require.NoError(t, err)
	require.Equal(t, "Hi", content.Text)
	require.Equal(t, []string{"/shown.png"}, content.Images)
}

func TestCanonicalSeparatesTextFromImages(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b Content
	}{
		{
			name: "separator in text",
			a:    Content{Text: "deal|b.png", Images: []string{"c.png"}},
			b:    Content{Text: "deal", Images: []string{"b.png", "c.png"}},
		},
		{
			name: "separator in image",
			a:    Content{Text: "deal", Images: []string{"a.png|b.png"}},
			b:    Content{Text: "deal", Images: []string{"a.png", "b.png"}},
		},
		{
			name: "empty image",
			a:    Content{Text: "deal", Images: []string{""}},
			b:    Content{Text: "deal"},
		},
		{
			name: "length-like text",
			a:    Content{Text: "4:deal,", Images: nil},
			b:    Content{Text: "", Images: []string{"deal"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.NotEqual(t, tc.a.Canonical(), tc.b.Canonical())
		})
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", Preview("short", PreviewLimit))
	long := strings.Repeat("é", 250)
	got := Preview(long, PreviewLimit)
	require.Len(t, []rune(got), PreviewLimit)
	require.True(t, strings.HasSuffix(got, "..."))
}

func TestFingerprintDeterministicAndSensitive(t *testing.T) {
	t.Parallel()

	var page atomic.Value
	page.Store(pageHTML)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page.Load().(string)))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "meerkat-test", Timeout: 5 * time.Second}, sha256.New(), zap.NewNop())
	ctx := context.Background()

	first := f.Fingerprint(ctx, srv.URL)
	require.NoError(t, first.Err)
	require.True(t, first.OK())
	require.Len(t, first.Fingerprint, 64)
	require.Equal(t, 2, first.ImageCount)
	require.Equal(t, "Summer sale Bundle from 25 EUR", first.TextPreview)

	second := f.Fingerprint(ctx, srv.URL)
	require.NoError(t, second.Err)
	require.Equal(t, first.Fingerprint, second.Fingerprint)

	page.Store(strings.Replace(pageHTML, "25", "30", 1))
	priceChange := f.Fingerprint(ctx, srv.URL)
	require.NoError(t, priceChange.Err)
	require.NotEqual(t, first.Fingerprint, priceChange.Fingerprint)

	page.Store(strings.Replace(pageHTML, "/hero.png", "/hero-v2.png", 1))
	imageChange := f.Fingerprint(ctx, srv.URL)
	require.NoError(t, imageChange.Err)
	require.NotEqual(t, first.Fingerprint, imageChange.Fingerprint)

	page.Store(strings.Replace(pageHTML, "ignored", "changed script", 1))
	scriptChange := f.Fingerprint(ctx, srv.URL)
	require.NoError(t, scriptChange.Err)
	require.Equal(t, first.Fingerprint, scriptChange.Fingerprint)
}

func TestFingerprintReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second}, sha256.New(), nil)
	res := f.Fingerprint(context.Background(), srv.URL)
	require.False(t, res.OK())
	require.ErrorContains(t, res.Err, "status 503")
	require.Empty(t, res.Fingerprint)
}

func TestFingerprintReportsNetworkErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, sha256.New(), nil)
	res := f.Fingerprint(context.Background(), url)
	require.False(t, res.OK())
	require.Error(t, res.Err)
}
