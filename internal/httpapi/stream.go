package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lmarchetti/parley/internal/engine"
)

type streamEvent struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleChatStream serves one chat exchange as a server-sent event stream of
// completion fragments. A backend failure mid-stream ends the stream with an
// error event; fragments already written have left the system and stay.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.normalize()

	if _, ok := s.engine.Instructions().Get(req.Instruction); !ok {
		s.countRequest("chat_stream", "bad_instruction")
		respondError(w, http.StatusBadRequest, "invalid_instruction", "instruction config not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "unsupported", "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeEvent := func(ev streamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.engine.MessageStream(r.Context(), engine.MessageRequest{
		Text:           req.Text,
		Speaker:        req.Name,
		Instruction:    req.Instruction,
		DisableHistory: req.DisableHistory,
	}, func(delta string) error {
		return writeEvent(streamEvent{Delta: delta})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.countRequest("chat_stream", "error")
		_ = writeEvent(streamEvent{Error: "completion_failed"})
		return
	}

	s.countRequest("chat_stream", "ok")
	_ = writeEvent(streamEvent{Done: true})
}
