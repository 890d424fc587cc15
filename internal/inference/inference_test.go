package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNewSelectsProvider(t *testing.T) {
	t.Parallel()

	c, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	require.IsType(t, &Gemini{}, c)

	c, err = New(Config{Provider: "OpenAI", APIKey: "k"})
	require.NoError(t, err)
	require.IsType(t, &OpenAI{}, c)

	c, err = New(Config{Provider: "static", StaticResponses: []string{"{}"}})
	require.NoError(t, err)
	require.IsType(t, &Static{}, c)

	_, err = New(Config{Provider: "claude"})
	require.ErrorContains(t, err, "unsupported inference provider")

	_, err = New(Config{Provider: "gemini"})
	require.ErrorContains(t, err, "API key")
}

func TestGeminiAnalyzeSendsImageAndReadsText(t *testing.T) {
	t.Parallel()
	img := []byte("png-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("x-goog-api-key"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, "describe", gjson.GetBytes(body, "contents.0.parts.0.text").Str)
		require.Equal(t, "image/png", gjson.GetBytes(body, "contents.0.parts.1.inline_data.mime_type").Str)
		require.Equal(t, base64.StdEncoding.EncodeToString(img), gjson.GetBytes(body, "contents.0.parts.1.inline_data.data").Str)
		require.Equal(t, "application/json", gjson.GetBytes(body, "generationConfig.response_mime_type").Str)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"type\":\"baseline\"}"}]}}]}`))
	}))
	defer srv.Close()

	g, err := NewGemini(Config{APIKey: "secret", Endpoint: srv.URL})
	require.NoError(t, err)
	require.Equal(t, DefaultGeminiModel, g.model)

	out, err := g.Analyze(context.Background(), img, "image/png", "describe")
	require.NoError(t, err)
	require.Equal(t, `{"type":"baseline"}`, out)
}

func TestGeminiDefaultEndpointUsesModel(t *testing.T) {
	t.Parallel()
	g, err := NewGemini(Config{APIKey: "k", Model: "gemini-2.0-pro"})
	require.NoError(t, err)
	require.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-pro:generateContent", g.endpoint)
}

func TestGeminiSurfacesAPIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota exhausted"}}`))
	}))
	defer srv.Close()

	g, err := NewGemini(Config{APIKey: "k", Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = g.Analyze(context.Background(), []byte("x"), "image/png", "p")
	require.ErrorContains(t, err, "quota exhausted")
}

func TestGeminiBlockedResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer srv.Close()

	g, err := NewGemini(Config{APIKey: "k", Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = g.Analyze(context.Background(), []byte("x"), "image/png", "p")
	require.ErrorIs(t, err, ErrEmptyResponse)
	require.ErrorContains(t, err, "SAFETY")
}

func TestOpenAIAnalyze(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, "gpt-4.1-mini", gjson.GetBytes(body, "model").Str)
		require.Equal(t, "json_object", gjson.GetBytes(body, "response_format.type").Str)
		require.Equal(t, "compare", gjson.GetBytes(body, "messages.0.content.0.text").Str)
		require.Contains(t, gjson.GetBytes(body, "messages.0.content.1.image_url.url").Str, "data:image/png;base64,")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"type\":\"stable\"}"}}]}`))
	}))
	defer srv.Close()

	o, err := NewOpenAI(Config{APIKey: "secret", Endpoint: srv.URL})
	require.NoError(t, err)
	out, err := o.Analyze(context.Background(), []byte("img"), "image/png", "compare")
	require.NoError(t, err)
	require.Equal(t, `{"type":"stable"}`, out)
}

func TestOpenAIEmptyChoices(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	o, err := NewOpenAI(Config{APIKey: "k", Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = o.Analyze(context.Background(), []byte("img"), "image/png", "p")
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestStaticReplaysAndRecords(t *testing.T) {
	t.Parallel()
	s := NewStatic("one", "two")
	ctx := context.Background()

	for _, want := range []string{"one", "two", "two"} {
		got, err := s.Analyze(ctx, []byte("i"), "image/png", "p")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.Len(t, s.Calls(), 3)

	s.Err = errors.New("down")
	_, err := s.Analyze(ctx, nil, "image/png", "p")
	require.EqualError(t, err, "down")

	_, err = NewStatic().Analyze(ctx, nil, "image/png", "p")
	require.ErrorIs(t, err, ErrEmptyResponse)
}
