package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmarchetti/parley/internal/chat"
	"github.com/lmarchetti/parley/internal/config"
	"github.com/lmarchetti/parley/internal/engine"
	"github.com/lmarchetti/parley/internal/llm"
	"github.com/lmarchetti/parley/internal/persist"
	"github.com/lmarchetti/parley/internal/prompt"
)

type stubAdapter struct {
	reply string
	err   error
}

func (a *stubAdapter) StreamCompletion(_ context.Context, _ llm.CompletionRequest, onDelta llm.DeltaHandler) (llm.CompletionResponse, error) {
	if a.err != nil {
		return llm.CompletionResponse{}, a.err
	}
	if onDelta != nil {
		for _, piece := range []string{a.reply[:len(a.reply)/2], a.reply[len(a.reply)/2:]} {
			if piece == "" {
				continue
			}
			if err := onDelta(piece); err != nil {
				return llm.CompletionResponse{}, err
			}
		}
	}
	return llm.CompletionResponse{Text: a.reply}, nil
}

type stubSummarizer struct {
	digest string
	err    error
}

func (s *stubSummarizer) Summarize(_ context.Context, _ string, _ int) (string, error) {
	return s.digest, s.err
}

func newTestServer(t *testing.T, cfg config.Config, adapter llm.Adapter, summ *stubSummarizer) (*Server, *chat.Manager) {
	t.Helper()
	store := chat.NewManager(persist.NewMemoryRecorder())
	sched := chat.NewScheduler(store, summ, chat.SchedulerConfig{RetainCount: cfg.HistoryRetain}, nil)
	reg := prompt.NewRegistry("[end of text]")
	eng := engine.New(store, sched, adapter, reg, nil, engine.Config{
		StopMarker:        "[end of text]",
		CompletionTimeout: 10 * time.Second,
		HistoryMaxEntries: cfg.HistoryMaxEntries,
	})
	eng.Bootstrap(context.Background())
	return New(cfg, eng, summ, nil), store
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{AuthTokens: []string{"secret"}}, &stubAdapter{reply: "hi"}, &stubSummarizer{digest: "d"})
	router := srv.Router()

	rec := postJSON(t, router, "/v1/chat", chatRequest{Text: "hi"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Code != "invalid_auth_token" {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestAuthAcceptsHeaderAndQueryToken(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{AuthTokens: []string{"secret", "other"}}, &stubAdapter{reply: "hi"}, &stubSummarizer{digest: "d"})
	router := srv.Router()

	rec := postJSON(t, router, "/v1/chat", chatRequest{Text: "hi"}, map[string]string{"X-Auth-Token": "other"})
	if rec.Code != http.StatusOK {
		t.Fatalf("header token status = %d, want 200", rec.Code)
	}

	rec = postJSON(t, router, "/v1/chat?auth_token=secret", chatRequest{Text: "hi"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", rec.Code)
	}
}

func TestAuthOpenWithoutTokens(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{}, &stubAdapter{reply: "hi"}, &stubSummarizer{digest: "d"})
	rec := postJSON(t, srv.Router(), "/v1/chat", chatRequest{Text: "hi"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with no tokens configured", rec.Code)
	}
}

func TestHealthListsInstructions(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{}, &stubAdapter{reply: "hi"}, &stubSummarizer{digest: "d"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status       string   `json:"status"`
		Instructions []string `json:"instructions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status field = %q", body.Status)
	}
	found := false
	for _, name := range body.Instructions {
		if name == prompt.DefaultName {
			found = true
		}
	}
	if !found {
		t.Fatalf("instructions = %v, missing default", body.Instructions)
	}
}

func TestChatReturnsPlainTextReply(t *testing.T) {
	srv, store := newTestServer(t, config.Config{HistoryMaxEntries: 7}, &stubAdapter{reply: "Assistant: hello Alice [end of text]"}, &stubSummarizer{digest: "d"})

	rec := postJSON(t, srv.Router(), "/v1/chat", chatRequest{Text: "hi", Name: "Alice"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	if got := rec.Body.String(); got != "hello Alice" {
		t.Fatalf("body = %q", got)
	}
	if got := store.Size(prompt.DefaultName); got != 2 {
		t.Fatalf("history turns = %d, want 2", got)
	}
}

func TestChatDefaultsSpeakerName(t *testing.T) {
	srv, store := newTestServer(t, config.Config{HistoryMaxEntries: 7}, &stubAdapter{reply: "ok"}, &stubSummarizer{digest: "d"})

	rec := postJSON(t, srv.Router(), "/v1/chat", chatRequest{Text: "hi"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	msgs := store.Messages(prompt.DefaultName)
	if len(msgs) == 0 || msgs[0].Name != "User" {
		t.Fatalf("first turn = %+v, want User speaker", msgs)
	}
}

func TestChatRejectsUnknownInstruction(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{}, &stubAdapter{reply: "hi"}, &stubSummarizer{digest: "d"})

	rec := postJSON(t, srv.Router(), "/v1/chat", chatRequest{Text: "hi", Instruction: "nope"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "invalid_instruction" {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestChatRejectsMalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{}, &stubAdapter{reply: "hi"}, &stubSummarizer{digest: "d"})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSummaryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{SummaryMaxLength: 142}, &stubAdapter{reply: "hi"}, &stubSummarizer{digest: "a fine digest"})

	rec := postJSON(t, srv.Router(), "/v1/summary", map[string]any{"text": "long text"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "a fine digest" {
		t.Fatalf("body = %q", got)
	}
}

func TestSummaryEndpointBackendFailure(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{}, &stubAdapter{reply: "hi"}, &stubSummarizer{err: errors.New("model offline")})

	rec := postJSON(t, srv.Router(), "/v1/summary", map[string]any{"text": "long text"}, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "summarizer_failed" {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestInjectMemoryEndpoint(t *testing.T) {
	srv, store := newTestServer(t, config.Config{HistoryMaxEntries: 7}, &stubAdapter{reply: "hi"}, &stubSummarizer{digest: "d"})
	router := srv.Router()

	rec := postJSON(t, router, "/v1/memory", map[string]any{"text": "a fact worth keeping"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "SUCCESS" {
		t.Fatalf("body = %q", got)
	}
	msgs := store.Messages(prompt.DefaultName)
	if len(msgs) != 1 || msgs[0].Name != "Assistant" {
		t.Fatalf("injected turn = %+v", msgs)
	}

	rec = postJSON(t, router, "/v1/memory", map[string]any{"text": "note", "instruction": "coding"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("history-disabled status = %d, want 400", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "history_disabled" {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestChatStreamEmitsDeltasThenDone(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{HistoryMaxEntries: 7}, &stubAdapter{reply: "streamed"}, &stubSummarizer{digest: "d"})

	rec := postJSON(t, srv.Router(), "/v1/chat/stream", chatRequest{Text: "hi", Name: "Alice"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) < 2 {
		t.Fatalf("events = %+v, want deltas plus done", events)
	}
	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		if ev.Error != "" {
			t.Fatalf("unexpected error event: %+v", ev)
		}
		text.WriteString(ev.Delta)
	}
	if text.String() != "streamed" {
		t.Fatalf("concatenated deltas = %q", text.String())
	}
	last := events[len(events)-1]
	if !last.Done {
		t.Fatalf("last event = %+v, want done", last)
	}
}

func TestChatStreamBackendFailure(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{}, &stubAdapter{err: errors.New("backend down")}, &stubSummarizer{digest: "d"})

	rec := postJSON(t, srv.Router(), "/v1/chat/stream", chatRequest{Text: "hi"}, nil)
	events := parseSSE(t, rec.Body.String())
	if len(events) == 0 {
		t.Fatalf("no events in stream")
	}
	last := events[len(events)-1]
	if last.Error != "completion_failed" {
		t.Fatalf("last event = %+v, want completion_failed", last)
	}
}

func parseSSE(t *testing.T, body string) []streamEvent {
	t.Helper()
	var events []streamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestChatWSExchange(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{HistoryMaxEntries: 7, AllowedOrigins: []string{"*"}}, &stubAdapter{reply: "ws reply"}, &stubSummarizer{digest: "d"})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v (res=%v)", err, res)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsClientMessage{Type: "chat", Text: "hi", Name: "Alice"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var gotDeltas strings.Builder
	for {
		var msg wsServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch msg.Type {
		case "delta":
			gotDeltas.WriteString(msg.Text)
		case "done":
			if msg.Text != "ws reply" {
				t.Fatalf("done text = %q", msg.Text)
			}
			if gotDeltas.String() != "ws reply" {
				t.Fatalf("deltas = %q", gotDeltas.String())
			}
			return
		case "error":
			t.Fatalf("error message: %+v", msg)
		}
	}
}

func TestChatWSRejectsUnknownMessageType(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{}, &stubAdapter{reply: "hi"}, &stubSummarizer{digest: "d"})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg wsServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "error" || msg.Code != "invalid_client_message" {
		t.Fatalf("reply = %+v", msg)
	}
}
