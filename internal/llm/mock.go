package llm

import (
	"context"
	"strings"
)

// MockAdapter provides deterministic local replies when no completion backend
// is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamCompletion(
	ctx context.Context,
	req CompletionRequest,
	onDelta DeltaHandler,
) (CompletionResponse, error) {
	select {
	case <-ctx.Done():
		return CompletionResponse{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return CompletionResponse{}, err
		}
	}
	return CompletionResponse{Text: text}, nil
}

func buildMockReply(req CompletionRequest) string {
	// The last non-empty prompt line is the user's message in every
	// instruction template.
	lines := strings.Split(strings.TrimSpace(req.Prompt), "\n")
	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			last = s
			break
		}
	}
	if last == "" {
		return "I am listening."
	}
	return "I heard you: " + last
}
