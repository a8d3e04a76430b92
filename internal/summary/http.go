package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPBackend forwards chunks to a summarization model endpoint.
type HTTPBackend struct {
	url    string
	client *http.Client
}

func NewHTTPBackend(url string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPBackend{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type summarizeRequest struct {
	Text      string `json:"text"`
	MaxLength int    `json:"max_length"`
}

func (b *HTTPBackend) SummarizeChunk(ctx context.Context, text string, maxLength int) (string, error) {
	payload, err := json.Marshal(summarizeRequest{Text: text, MaxLength: maxLength})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("summarizer http status %d: %s", res.StatusCode, string(body))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		// Plain text body.
		return strings.TrimSpace(string(body)), nil
	}
	for _, k := range []string{"summary", "summary_text", "text"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s), nil
			}
		}
	}
	return "", fmt.Errorf("summarizer response missing summary field")
}
