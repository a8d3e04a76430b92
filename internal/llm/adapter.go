package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CompletionRequest is the normalized request sent to the completion backend.
type CompletionRequest struct {
	Prompt        string   `json:"prompt"`
	Stop          []string `json:"stop,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
}

// CompletionResponse is the final response after streaming deltas.
type CompletionResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter bridges the chat engine with the completion model backend.
type Adapter interface {
	StreamCompletion(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error)
}

// Config controls adapter construction.
type Config struct {
	Mode    string
	URL     string
	Timeout time.Duration
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPAdapter(cfg.URL, cfg.Timeout), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("completion URL is required for http mode")
		}
		return NewHTTPAdapter(cfg.URL, cfg.Timeout), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported completion adapter mode %q", cfg.Mode)
	}
}
