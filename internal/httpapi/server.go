package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/lmarchetti/parley/internal/config"
	"github.com/lmarchetti/parley/internal/engine"
	"github.com/lmarchetti/parley/internal/observability"
)

// Summarizer handles the direct summarization endpoint, bypassing
// conversation state.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxLength int) (string, error)
}

type Server struct {
	cfg        config.Config
	engine     *engine.Engine
	summarizer Summarizer
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, eng *engine.Engine, summarizer Summarizer, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		engine:     eng,
		summarizer: summarizer,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them;
					// they still have to pass token auth.
					return true
				}
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" {
						return true
					}
					if strings.EqualFold(allowed, origin) {
						return true
					}
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Auth-Token"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
		r.Get("/chat/ws", s.handleChatWS)
		r.Post("/summary", s.handleSummary)
		r.Post("/memory", s.handleInjectMemory)
	})

	return r
}

// requireAuth checks X-Auth-Token against the configured token list. With no
// tokens configured the service runs open, which is the expected setup for a
// localhost-only deployment.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.AuthTokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(r.Header.Get("X-Auth-Token"))
		if token == "" {
			// Websocket browser clients cannot set headers.
			token = strings.TrimSpace(r.URL.Query().Get("auth_token"))
		}
		for _, valid := range s.cfg.AuthTokens {
			if token == valid {
				next.ServeHTTP(w, r)
				return
			}
		}
		respondError(w, http.StatusUnauthorized, "invalid_auth_token", "invalid X-Auth-Token")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"instructions": s.engine.Instructions().Names(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

type chatRequest struct {
	Text           string `json:"text"`
	Name           string `json:"name"`
	Instruction    string `json:"instruction"`
	DisableHistory bool   `json:"disable_history"`
}

func (req *chatRequest) normalize() {
	if strings.TrimSpace(req.Name) == "" {
		req.Name = "User"
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.normalize()

	answer, err := s.engine.Message(r.Context(), engine.MessageRequest{
		Text:           req.Text,
		Speaker:        req.Name,
		Instruction:    req.Instruction,
		DisableHistory: req.DisableHistory,
	})
	if err != nil {
		if errors.Is(err, engine.ErrUnknownInstruction) {
			s.countRequest("chat", "bad_instruction")
			respondError(w, http.StatusBadRequest, "invalid_instruction", "instruction config not found")
			return
		}
		s.countRequest("chat", "error")
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	// A failed completion surfaces as an empty reply, not an error status.
	s.countRequest("chat", "ok")
	respondText(w, http.StatusOK, answer)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text      string `json:"text"`
		MaxLength int    `json:"max_length"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.MaxLength <= 0 {
		req.MaxLength = s.cfg.SummaryMaxLength
	}

	digest, err := s.summarizer.Summarize(r.Context(), req.Text, req.MaxLength)
	if err != nil {
		s.countRequest("summary", "error")
		respondError(w, http.StatusBadGateway, "summarizer_failed", err.Error())
		return
	}
	s.countRequest("summary", "ok")
	respondText(w, http.StatusOK, digest)
}

func (s *Server) handleInjectMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text        string `json:"text"`
		User        string `json:"user"`
		Instruction string `json:"instruction"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.User) == "" {
		req.User = "AI"
	}

	err := s.engine.InjectMemory(r.Context(), engine.InjectRequest{
		Text:        req.Text,
		Speaker:     req.User,
		Instruction: req.Instruction,
	})
	switch {
	case errors.Is(err, engine.ErrUnknownInstruction):
		s.countRequest("memory", "bad_instruction")
		respondError(w, http.StatusBadRequest, "invalid_instruction", "instruction config not found")
	case errors.Is(err, engine.ErrHistoryDisabled):
		// The caller needs to know the write did not happen.
		s.countRequest("memory", "history_disabled")
		respondError(w, http.StatusBadRequest, "history_disabled", "instruction set has history disabled")
	case err != nil:
		s.countRequest("memory", "error")
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	default:
		s.countRequest("memory", "ok")
		respondText(w, http.StatusOK, "SUCCESS")
	}
}

func (s *Server) countRequest(endpoint, status string) {
	if s.metrics != nil {
		s.metrics.ChatRequests.WithLabelValues(endpoint, status).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
