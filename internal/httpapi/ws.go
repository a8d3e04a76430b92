package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lmarchetti/parley/internal/engine"
)

type wsClientMessage struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	Name           string `json:"name"`
	Instruction    string `json:"instruction"`
	DisableHistory bool   `json:"disable_history"`
}

type wsServerMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// handleChatWS serves chat exchanges over a websocket. The client sends
// {"type":"chat", ...} messages; each reply streams back as delta messages
// followed by one done message carrying the full answer. Writes stay on this
// goroutine, so deltas for one exchange are never interleaved with another.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := uuid.NewString()[:8]
	s.countRequest("chat_ws", "connected")

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		return nil
	})

	writeMsg := func(msg wsServerMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg)
	}

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws %s: read error: %v", connID, err)
			}
			s.countRequest("chat_ws", "disconnected")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))

		if msg.Type != "chat" {
			if err := writeMsg(wsServerMessage{Type: "error", Code: "invalid_client_message", Detail: "unknown message type"}); err != nil {
				return
			}
			continue
		}
		if msg.Name == "" {
			msg.Name = "User"
		}

		s.runWSExchange(r.Context(), connID, msg, writeMsg)
	}
}

func (s *Server) runWSExchange(ctx context.Context, connID string, msg wsClientMessage, writeMsg func(wsServerMessage) error) {
	var full []byte
	err := s.engine.MessageStream(ctx, engine.MessageRequest{
		Text:           msg.Text,
		Speaker:        msg.Name,
		Instruction:    msg.Instruction,
		DisableHistory: msg.DisableHistory,
	}, func(delta string) error {
		full = append(full, delta...)
		return writeMsg(wsServerMessage{Type: "delta", Text: delta})
	})
	switch {
	case errors.Is(err, engine.ErrUnknownInstruction):
		s.countRequest("chat_ws", "bad_instruction")
		_ = writeMsg(wsServerMessage{Type: "error", Code: "invalid_instruction", Detail: "instruction config not found"})
	case err != nil:
		log.Printf("ws %s: exchange failed: %v", connID, err)
		s.countRequest("chat_ws", "error")
		_ = writeMsg(wsServerMessage{Type: "error", Code: "completion_failed", Detail: err.Error()})
	default:
		s.countRequest("chat_ws", "ok")
		_ = writeMsg(wsServerMessage{Type: "done", Text: string(full)})
	}
}
