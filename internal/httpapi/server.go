package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mferrante/greenroom/internal/config"
	"github.com/mferrante/greenroom/internal/conversation"
	"github.com/mferrante/greenroom/internal/memory"
	"github.com/mferrante/greenroom/internal/observability"
	"github.com/mferrante/greenroom/internal/prompt"
)

type Server struct {
	cfg      config.Config
	service  *conversation.Service
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, service *conversation.Service, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		service: service,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other websites cannot tap an episode's sync
				// feed if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/projects/{projectID}/episodes/{episodeID}/turns", s.handleSubmitTurn)
	r.Get("/v1/projects/{projectID}/episodes/{episodeID}/memory", s.handleGetMemory)
	r.Post("/v1/projects/{projectID}/episodes/{episodeID}/compress/preview", s.handlePreviewCompression)
	r.Post("/v1/projects/{projectID}/episodes/{episodeID}/prompt", s.handleBuildPrompt)
	r.Get("/v1/projects/{projectID}/episodes/{episodeID}/alerts", s.handleAlerts)
	r.Get("/v1/memory/health", s.handleMemoryHealth)
	r.Get("/v1/sync/ws", s.handleSyncWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req conversation.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ProjectID = chi.URLParam(r, "projectID")
	req.EpisodeID = chi.URLParam(r, "episodeID")
	if req.Source == "" {
		req.Source = memory.SourceAPI
	}
	if !validSource(req.Source) {
		respondError(w, http.StatusBadRequest, "invalid_source", "source must be one of ui, api, sse")
		return
	}

	res, err := s.service.SubmitTurn(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "submit_failed", err.Error())
		return
	}
	switch {
	case res.MemoryUnavailable:
		respondJSON(w, http.StatusServiceUnavailable, res)
	case res.Throttled:
		w.Header().Set("Retry-After", res.RetryAfter.String())
		respondJSON(w, http.StatusAccepted, res)
	default:
		respondJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.GetState(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "episodeID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "memory_load_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handlePreviewCompression(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.PreviewCompression(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "episodeID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "preview_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleBuildPrompt(w http.ResponseWriter, r *http.Request) {
	var req conversation.PromptRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ProjectID = chi.URLParam(r, "projectID")
	req.EpisodeID = chi.URLParam(r, "episodeID")
	if strings.TrimSpace(req.UserPrompt) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_prompt", "user_prompt is required")
		return
	}

	built, usage, err := s.service.BuildPrompt(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "prompt_build_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"prompt":      built,
		"usage":       usage,
		"suggestions": prompt.SuggestAdjustments(usage),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.service.Alerts(chi.URLParam(r, "projectID"), chi.URLParam(r, "episodeID"))
	respondJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleMemoryHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.service.MetricsSnapshot())
}

func (s *Server) handleSyncWS(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.URL.Query().Get("project_id"))
	episodeID := strings.TrimSpace(r.URL.Query().Get("episode_id"))
	if projectID == "" || episodeID == "" {
		respondError(w, http.StatusBadRequest, "missing_scope", "query parameters project_id and episode_id are required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.service.Subscribe(projectID, episodeID)
	defer cancel()

	done := make(chan struct{})

	// Reader goroutine drains control frames and detects disconnects.
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 16)
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func validSource(src memory.Source) bool {
	switch src {
	case memory.SourceUI, memory.SourceAPI, memory.SourceSSE:
		return true
	}
	return false
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
