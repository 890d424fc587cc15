// Package inference talks to multimodal language models. Each client sends a
// single image with instructions and returns the model's raw text reply.
package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is a vision-capable model endpoint.
type Client interface {
	Analyze(ctx context.Context, image []byte, mime, instructions string) (string, error)
}

// ErrEmptyResponse is returned when the model replied without any text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Provider names accepted by New.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderStatic = "static"
)

// Config selects and configures a provider.
type Config struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Endpoint    string        `mapstructure:"endpoint"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
	// StaticResponses are replayed by the static provider.
	StaticResponses []string     `mapstructure:"static_responses"`
	HTTPClient      *http.Client `mapstructure:"-"`
}

const defaultTimeout = 90 * time.Second

type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// New builds the client named by cfg.Provider (gemini by default).
func New(cfg Config) (Client, error) {
	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider == "" {
		provider = ProviderGemini
	}
	switch provider {
	case ProviderGemini:
		return NewGemini(cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case ProviderStatic:
		return NewStatic(cfg.StaticResponses...), nil
	default:
		return nil, fmt.Errorf("unsupported inference provider: %s", cfg.Provider)
	}
}

func (c Config) httpClient() httpClient {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
