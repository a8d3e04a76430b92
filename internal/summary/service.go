package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend digests one already-budgeted chunk of text.
type Backend interface {
	SummarizeChunk(ctx context.Context, text string, maxLength int) (string, error)
}

// Service splits oversized input into chunks the backend model can digest and
// joins the per-chunk summaries into one combined digest.
type Service struct {
	backend     Backend
	tokenBudget int
}

func NewService(backend Backend, tokenBudget int) *Service {
	if tokenBudget <= 0 {
		tokenBudget = 512
	}
	return &Service{backend: backend, tokenBudget: tokenBudget}
}

// Summarize digests text into at most maxLength tokens of summary. Input over
// the model's token budget is chunked at sentence boundaries and each chunk is
// summarized independently.
func (s *Service) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	chunks := chunkText(text, s.tokenBudget)
	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		part, err := s.backend.SummarizeChunk(ctx, chunk, maxLength)
		if err != nil {
			return "", fmt.Errorf("summarize chunk: %w", err)
		}
		parts = append(parts, part)
	}
	return strings.TrimSpace(strings.Join(parts, ". ")), nil
}

// Config controls backend construction.
type Config struct {
	Mode    string
	URL     string
	Timeout time.Duration
}

// NewBackend builds a summarization backend: http when a URL is configured,
// mock otherwise (or when forced).
func NewBackend(cfg Config) (Backend, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPBackend(cfg.URL, cfg.Timeout), nil
		}
		return NewMockBackend(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("summarizer URL is required for http mode")
		}
		return NewHTTPBackend(cfg.URL, cfg.Timeout), nil
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported summarizer mode %q", cfg.Mode)
	}
}
