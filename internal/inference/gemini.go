package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// DefaultGeminiModel is used when no model is configured.
	DefaultGeminiModel = "gemini-2.5-flash"
	geminiBaseURL      = "https://generativelanguage.googleapis.com/v1beta/models/"
)

// Gemini calls the Generative Language generateContent endpoint.
type Gemini struct {
	apiKey      string
	model       string
	endpoint    string
	temperature float64
	client      httpClient
}

var _ Client = (*Gemini)(nil)

// NewGemini builds a Gemini client. Endpoint, when set, replaces the full
// generateContent URL.
func NewGemini(cfg Config) (*Gemini, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini requires an API key (set inference.api_key or MEERKAT_INFERENCE_API_KEY)")
	}
	model := orDefault(cfg.Model, DefaultGeminiModel)
	return &Gemini{
		apiKey:      apiKey,
		model:       model,
		endpoint:    orDefault(cfg.Endpoint, geminiBaseURL+model+":generateContent"),
		temperature: cfg.Temperature,
		client:      cfg.httpClient(),
	}, nil
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string  `json:"response_mime_type"`
	Temperature      float64 `json:"temperature"`
}

// Analyze sends instructions and the image, asking for a JSON reply.
func (g *Gemini) Analyze(ctx context.Context, image []byte, mime, instructions string) (string, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: instructions},
				{InlineData: &geminiInlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(image)}},
			},
		}},
		GenerationConfig: geminiGenerationConfig{
			ResponseMimeType: "application/json",
			Temperature:      g.temperature,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal gemini payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		if msg := gjson.GetBytes(payload, "error.message").Str; msg != "" {
			return "", fmt.Errorf("gemini error %s: %s", resp.Status, msg)
		}
		return "", fmt.Errorf("gemini error %s: %s", resp.Status, truncate(payload, 1024))
	}

	text := gjson.GetBytes(payload, "candidates.0.content.parts.0.text").Str
	if strings.TrimSpace(text) == "" {
		if reason := gjson.GetBytes(payload, "promptFeedback.blockReason").Str; reason != "" {
			return "", fmt.Errorf("%w: blocked (%s)", ErrEmptyResponse, reason)
		}
		return "", ErrEmptyResponse
	}
	return text, nil
}

func truncate(b []byte, limit int) string {
	if len(b) > limit {
		b = b[:limit]
	}
	return strings.TrimSpace(string(b))
}
