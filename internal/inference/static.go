package inference

import (
	"context"
	"sync"
)

// Static replays canned responses in order, repeating the last one. It is
// used for local runs without model credentials and in tests.
type Static struct {
	mu        sync.Mutex
	responses []string
	calls     []StaticCall
	// Err, when set, is returned instead of a response.
	Err error
}

// StaticCall records one Analyze invocation.
type StaticCall struct {
	Image        []byte
	Mime         string
	Instructions string
}

var _ Client = (*Static)(nil)

// NewStatic returns a client that replays responses.
func NewStatic(responses ...string) *Static {
	return &Static{responses: append([]string(nil), responses...)}
}

// Analyze returns the next canned response.
func (s *Static) Analyze(ctx context.Context, image []byte, mime, instructions string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.calls)
	s.calls = append(s.calls, StaticCall{Image: image, Mime: mime, Instructions: instructions})
	if s.Err != nil {
		return "", s.Err
	}
	if len(s.responses) == 0 {
		return "", ErrEmptyResponse
	}
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

// Calls returns a copy of the recorded invocations.
func (s *Static) Calls() []StaticCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StaticCall(nil), s.calls...)
}
