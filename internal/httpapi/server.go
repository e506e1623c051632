// Package httpapi implements the HTTP/SSE surface (spec.md §4.17, C17):
// the minimum set of inbound endpoints external callers and channel
// adapters use, built on net/http.ServeMux rather than a framework,
// grounded on the teacher's deps-struct-plus-mux wiring convention
// (internal/web/web.go) and its HMAC request signing (internal/canvas/
// token.go).
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensourceagent/osa/internal/apperrors"
	"github.com/opensourceagent/osa/internal/cron"
	"github.com/opensourceagent/osa/internal/eventbus"
	"github.com/opensourceagent/osa/internal/memory"
	"github.com/opensourceagent/osa/internal/noise"
	"github.com/opensourceagent/osa/internal/providers"
	"github.com/opensourceagent/osa/internal/sessionregistry"
	"github.com/opensourceagent/osa/internal/signal"
	"github.com/opensourceagent/osa/internal/swarm"
	"github.com/opensourceagent/osa/pkg/models"
)

// Deps bundles the components the HTTP surface fronts. Sessions, Bus and
// Swarm are required. The rest may be nil: Auth (disables request
// signing), Triggers (disables the trigger-fire endpoint), SessionLog
// (session messages come back empty), Providers (/health reports no
// provider or model), NoiseFilter (/classify uses weight 1.0) and Logger
// (slog.Default is used).
type Deps struct {
	Sessions    *sessionregistry.Registry
	SessionLog  *memory.SessionLog
	Bus         *eventbus.Bus
	Providers   *providers.Registry
	Swarm       *swarm.Orchestrator
	NoiseFilter *noise.Filter
	Triggers    *cron.TriggerRegistry
	Auth        *Authenticator
	Logger      *slog.Logger
	Version     string
}

// Server is the C17 HTTP/SSE surface.
type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

// New builds a Server with all routes registered.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP lets Server be used directly as an http.Handler (e.g. wrapped
// in http.Server.Handler), applying the top-level recovery and, when
// configured, HMAC authentication.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.recoverMiddleware(s.authMiddleware(s.mux)).ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /orchestrate", s.handleOrchestrate)
	s.mux.HandleFunc("POST /classify", s.handleClassify)
	s.mux.HandleFunc("GET /stream/{session_id}", s.handleStream)
	s.mux.HandleFunc("GET /ws/{session_id}", s.handleWSControlPlane)
	s.mux.HandleFunc("POST /swarm/launch", s.handleSwarmLaunch)
	s.mux.HandleFunc("GET /swarm/status/{id}", s.handleSwarmStatus)
	s.mux.HandleFunc("POST /triggers/{id}/fire", s.handleTriggerFire)
	s.mux.HandleFunc("POST /sessions", s.handleSessionCreate)
	s.mux.HandleFunc("GET /sessions", s.handleSessionList)
	s.mux.HandleFunc("GET /sessions/{session_id}", s.handleSessionGet)
	s.mux.HandleFunc("GET /sessions/{session_id}/messages", s.handleSessionMessages)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// recoverMiddleware is the "top-level error handler" spec.md §4.17
// requires: a panicking handler becomes a 500 JSON envelope, never an
// empty body with an abrupt connection close.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("httpapi: handler panicked", "path", r.URL.Path, "panic", fmt.Sprintf("%v", p))
				writeError(w, apperrors.New(apperrors.KindInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := apperrors.As(err)
	writeJSON(w, apiErr.HTTPStatus(), apiErr.ToEnvelope())
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// --- /orchestrate ---

type orchestrateRequest struct {
	Input     string `json:"input"`
	SessionID string `json:"session_id,omitempty"`
}

type orchestrateResponse struct {
	Output         string        `json:"output"`
	Signal         models.Signal `json:"signal"`
	ToolsUsed      []string      `json:"tools_used"`
	IterationCount int           `json:"iteration_count"`
	ExecutionMs    int64         `json:"execution_ms"`
	SessionID      string        `json:"session_id"`
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperrors.New(apperrors.KindInvalidRequest, "malformed JSON body"))
		return
	}
	if req.Input == "" {
		writeError(w, apperrors.New(apperrors.KindInvalidRequest, "input is required").WithDetails(map[string]any{"missing": []string{"input"}}))
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = newSessionID()
	}

	handle, err := s.deps.Sessions.EnsureLoop(sessionID, "", models.ChannelHTTP)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindInternal, "create session loop", err))
		return
	}

	result, err := handle.Process(r.Context(), s.deps.Sessions, req.Input)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindInternal, "process message", err))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// --- /classify ---

type classifyRequest struct {
	Message string           `json:"message"`
	Channel models.ChannelID `json:"channel,omitempty"`
}

type classifyResponse struct {
	Signal models.Signal `json:"signal"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperrors.New(apperrors.KindInvalidRequest, "malformed JSON body"))
		return
	}
	if req.Message == "" {
		writeError(w, apperrors.New(apperrors.KindInvalidRequest, "message is required").WithDetails(map[string]any{"missing": []string{"message"}}))
		return
	}
	channel := req.Channel
	if channel == "" {
		channel = models.ChannelHTTP
	}

	weight := 1.0
	if s.deps.NoiseFilter != nil {
		verdict := s.deps.NoiseFilter.Check(r.Context(), "classify:"+req.Message, req.Message)
		weight = verdict.Weight
	}
	sig := signal.Classify(req.Message, channel, weight)
	writeJSON(w, http.StatusOK, classifyResponse{Signal: sig})
}

// --- /stream/:session_id (SSE) ---

const sseKeepalive = 30 * time.Second

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeError(w, apperrors.New(apperrors.KindInvalidRequest, "session_id is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.New(apperrors.KindInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	handle, ch := s.deps.Bus.Subscribe(sessionID)
	defer s.deps.Bus.Unsubscribe(handle)

	writeSSEEvent(w, "connected", map[string]any{"session_id": sessionID, "time": time.Now()})
	flusher.Flush()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, string(evt.Tag), evt)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, tag string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", tag, data)
}

// --- swarm ---

type swarmLaunchRequest struct {
	Task    string `json:"task"`
	Pattern string `json:"pattern"`
}

func (s *Server) handleSwarmLaunch(w http.ResponseWriter, r *http.Request) {
	var req swarmLaunchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperrors.New(apperrors.KindInvalidRequest, "malformed JSON body"))
		return
	}
	if req.Task == "" {
		writeError(w, apperrors.New(apperrors.KindInvalidRequest, "task is required").WithDetails(map[string]any{"missing": []string{"task"}}))
		return
	}

	status, err := s.deps.Swarm.Launch(r.Context(), req.Task, models.Pattern(req.Pattern))
	if err != nil {
		if err == swarm.ErrInvalidPattern {
			writeError(w, apperrors.New(apperrors.KindValidation, "invalid swarm pattern").
				WithDetails(map[string]any{"valid_patterns": swarm.ValidPatternNames}))
			return
		}
		if err == swarm.ErrTooManySwarms {
			writeError(w, apperrors.New(apperrors.KindBudgetExceeded, "too many concurrent swarms"))
			return
		}
		writeError(w, apperrors.Wrap(apperrors.KindInternal, "launch swarm", err))
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSwarmStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, ok := s.deps.Swarm.Status(id)
	if !ok {
		writeError(w, apperrors.New(apperrors.KindInvalidRequest, "swarm not found"))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- triggers ---

func (s *Server) handleTriggerFire(w http.ResponseWriter, r *http.Request) {
	if s.deps.Triggers == nil {
		writeError(w, apperrors.New(apperrors.KindInvalidRequest, "triggers are not configured"))
		return
	}
	id := r.PathValue("id")

	var payload map[string]any
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &payload); err != nil {
			writeError(w, apperrors.New(apperrors.KindInvalidRequest, "malformed JSON body"))
			return
		}
	}

	if err := s.deps.Triggers.Fire(r.Context(), id, payload); err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindInvalidRequest, "fire trigger", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- sessions CRUD ---

type sessionCreateRequest struct {
	UserID  string           `json:"user_id,omitempty"`
	Channel models.ChannelID `json:"channel,omitempty"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, apperrors.New(apperrors.KindInvalidRequest, "malformed JSON body"))
			return
		}
	}
	channel := req.Channel
	if channel == "" {
		channel = models.ChannelHTTP
	}

	sessionID := newSessionID()
	handle, err := s.deps.Sessions.EnsureLoop(sessionID, req.UserID, channel)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindInternal, "create session", err))
		return
	}
	writeJSON(w, http.StatusOK, models.Session{
		ID:         handle.SessionID,
		UserID:     handle.UserID,
		Channel:    handle.Channel,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.deps.Sessions.List()})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	handle, ok := s.deps.Sessions.Whereis(sessionID)
	if !ok {
		writeError(w, apperrors.New(apperrors.KindInvalidRequest, "session not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": handle.SessionID,
		"user_id":    handle.UserID,
		"channel":    handle.Channel,
	})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if s.deps.SessionLog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []models.Message{}})
		return
	}
	messages, err := s.deps.SessionLog.LoadSession(sessionID)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindInternal, "load session history", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// --- health ---

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	provider, model := "", ""
	if s.deps.Providers != nil {
		provider, model = s.deps.Providers.Active()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  s.deps.Version,
		Provider: provider,
		Model:    model,
	})
}

func newSessionID() string {
	return "sess_" + uuid.New().String()
}
