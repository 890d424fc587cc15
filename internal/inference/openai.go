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
	defaultOpenAIModel    = "gpt-4.1-mini"
	defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
)

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	apiKey      string
	model       string
	endpoint    string
	temperature float64
	client      httpClient
}

var _ Client = (*OpenAI)(nil)

// NewOpenAI builds a chat completions client.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai requires an API key (set inference.api_key or MEERKAT_INFERENCE_API_KEY)")
	}
	return &OpenAI{
		apiKey:      apiKey,
		model:       orDefault(cfg.Model, defaultOpenAIModel),
		endpoint:    orDefault(cfg.Endpoint, defaultOpenAIEndpoint),
		temperature: cfg.Temperature,
		client:      cfg.httpClient(),
	}, nil
}

type openAIRequest struct {
	Model          string               `json:"model"`
	Messages       []openAIMessage      `json:"messages"`
	Temperature    float64              `json:"temperature"`
	ResponseFormat openAIResponseFormat `json:"response_format"`
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content []openAIContent `json:"content"`
}

type openAIContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

// Analyze posts the instructions and the image as a data URI.
func (o *OpenAI) Analyze(ctx context.Context, image []byte, mime, instructions string) (string, error) {
	dataURI := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
	body, err := json.Marshal(openAIRequest{
		Model: o.model,
		Messages: []openAIMessage{{
			Role: "user",
			Content: []openAIContent{
				{Type: "text", Text: instructions},
				{Type: "image_url", ImageURL: &openAIImageURL{URL: dataURI}},
			},
		}},
		Temperature:    o.temperature,
		ResponseFormat: openAIResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal openai payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read openai response: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		if msg := gjson.GetBytes(payload, "error.message").Str; msg != "" {
			return "", fmt.Errorf("openai error %s: %s", resp.Status, msg)
		}
		return "", fmt.Errorf("openai error %s: %s", resp.Status, truncate(payload, 1024))
	}

	text := gjson.GetBytes(payload, "choices.0.message.content").Str
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
