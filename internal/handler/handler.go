package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/young1lin/searchmux/internal/agent"
	"github.com/young1lin/searchmux/internal/history"
	"github.com/young1lin/searchmux/internal/models"
	"github.com/young1lin/searchmux/internal/orchestrator"
	"github.com/young1lin/searchmux/internal/registry"
	"github.com/young1lin/searchmux/internal/token"
	"github.com/young1lin/searchmux/pkg/logger"
)

// HistoryReader is the read side of the dispatch audit log
type HistoryReader interface {
	Recent(limit int) ([]history.DispatchRecord, error)
}

// Handler is the thin HTTP surface over the orchestrator. Routing,
// trace IDs, and status rendering live here; every policy decision
// lives below.
type Handler struct {
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	tokens   token.Store
	pool     *agent.Pool
	history  HistoryReader // nil when history is disabled
	metrics  http.Handler
}

// New creates the handler. history may be nil.
func New(orch *orchestrator.Orchestrator, reg *registry.Registry, tokens token.Store, pool *agent.Pool, hist HistoryReader) *Handler {
	return &Handler{
		orch:     orch,
		registry: reg,
		tokens:   tokens,
		pool:     pool,
		history:  hist,
		metrics:  promhttp.Handler(),
	}
}

// ServeHTTP handles all HTTP requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Extract or generate trace ID
	traceID := extractTraceID(r)
	if traceID == "" {
		traceID = generateTraceID()
	}

	ctx := logger.ContextWithTraceID(r.Context(), traceID)
	r = r.WithContext(ctx)

	log := logger.WithTraceID(traceID)
	log.Info("request received",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	)

	w.Header().Set("X-Trace-ID", traceID)

	// Route request
	switch {
	case r.URL.Path == "/health":
		h.handleHealth(w, r, log)
	case r.URL.Path == "/metrics":
		h.metrics.ServeHTTP(w, r)
	case r.URL.Path == "/v1/dispatch":
		h.handleDispatch(w, r, log)
	case r.URL.Path == "/v1/control":
		h.handleControl(w, r, log)
	case r.URL.Path == "/v1/discover":
		h.handleDiscover(w, r, log)
	case r.URL.Path == "/v1/tasks":
		h.handleTasks(w, r, log)
	case r.URL.Path == "/v1/agents":
		h.handleAgents(w, r, log)
	case r.URL.Path == "/v1/targets":
		h.handleTargets(w, r, log)
	case r.URL.Path == "/v1/usage":
		h.handleUsage(w, r, log)
	case r.URL.Path == "/v1/history":
		h.handleHistory(w, r, log)
	case r.URL.Path == "/v1/providers":
		h.handleProviders(w, r, log)
	case strings.HasPrefix(r.URL.Path, "/v1/providers/"):
		h.handleProviderAction(w, r, log)
	case strings.HasPrefix(r.URL.Path, "/v1/auth/"):
		h.handleAuth(w, r, log)
	default:
		h.handleError(w, http.StatusNotFound, "not_found", "Endpoint not found", log)
	}

	// Log request completion
	duration := time.Since(start).Milliseconds()
	log.Info("request completed",
		zap.Int64("duration_ms", duration),
	)
}

// handleDispatch handles POST /v1/dispatch, the fan-out search entry
// point. Partial (even full) provider failure is still a 200 carrying
// per-provider outcomes; only request-level errors get error statuses.
func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	if r.Method != http.MethodPost {
		h.handleError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed", log)
		return
	}

	var req models.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, http.StatusBadRequest, "parse_error", "Failed to parse request: "+err.Error(), log)
		return
	}
	defer r.Body.Close()

	result, err := h.orch.Dispatch(r.Context(), req)
	if err != nil {
		h.dispatchError(w, err, log)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleControl handles POST /v1/control
func (h *Handler) handleControl(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	if r.Method != http.MethodPost {
		h.handleError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed", log)
		return
	}

	var req models.ControlDispatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, http.StatusBadRequest, "parse_error", "Failed to parse request: "+err.Error(), log)
		return
	}
	defer r.Body.Close()

	outcome, err := h.orch.Control(r.Context(), req)
	if err != nil {
		h.dispatchError(w, err, log)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// handleDiscover handles POST /v1/discover
func (h *Handler) handleDiscover(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	if r.Method != http.MethodPost {
		h.handleError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed", log)
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, http.StatusBadRequest, "parse_error", "Failed to parse request: "+err.Error(), log)
		return
	}
	defer r.Body.Close()

	result, err := h.orch.Discover(r.Context(), req.UserID)
	if err != nil {
		h.dispatchError(w, err, log)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleTasks handles POST /v1/tasks, queuing work on the agent pool
func (h *Handler) handleTasks(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	if r.Method != http.MethodPost {
		h.handleError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed", log)
		return
	}

	var task agent.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		h.handleError(w, http.StatusBadRequest, "parse_error", "Failed to parse request: "+err.Error(), log)
		return
	}
	defer r.Body.Close()

	taskID, err := h.pool.Submit(task)
	switch {
	case errors.Is(err, agent.ErrQueueFull):
		h.handleError(w, http.StatusTooManyRequests, "queue_full", err.Error(), log)
		return
	case errors.Is(err, agent.ErrNoExecutor):
		h.handleError(w, http.StatusBadRequest, "unknown_task_type", err.Error(), log)
		return
	case err != nil:
		h.handleError(w, http.StatusServiceUnavailable, "submit_failed", err.Error(), log)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": taskID,
		"status":  "queued",
	})
}

// handleAgents handles GET /v1/agents
func (h *Handler) handleAgents(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	if r.Method != http.MethodGet {
		h.handleError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed", log)
		return
	}
	writeJSON(w, http.StatusOK, h.pool.Snapshot())
}

// handleTargets handles GET /v1/targets
func (h *Handler) handleTargets(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	if r.Method != http.MethodGet {
		h.handleError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed", log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"targets": h.orch.Targets(),
	})
}

// handleHealth handles health check requests
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	providerHealth := h.orch.HealthSnapshot()

	overall := "healthy"
	for _, state := range providerHealth {
		if state == models.HealthUnhealthy {
			overall = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    overall,
		"providers": providerHealth,
		"timestamp": time.Now().Unix(),
	})
}

// handleUsage handles GET /v1/usage
func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	if r.Method != http.MethodGet {
		h.handleError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed", log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.orch.UsageSnapshot(),
	})
}

// handleHistory handles GET /v1/history. History can be disabled; that
// renders as an empty list, not an error.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	if r.Method != http.MethodGet {
		h.handleError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed", log)
		return
	}
	if h.history == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dispatches": []history.DispatchRecord{},
		})
		return
	}

	records, err := h.history.Recent(20)
	if err != nil {
		h.handleError(w, http.StatusInternalServerError, "history_error", err.Error(), log)
		return
	}
	if records == nil {
		records = []history.DispatchRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dispatches": records,
	})
}

// handleProviders handles GET /v1/providers
func (h *Handler) handleProviders(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	if r.Method != http.MethodGet {
		h.handleError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed", log)
		return
	}
	descriptors := h.registry.Descriptors()
	health := h.orch.HealthSnapshot()

	type providerView struct {
		models.Descriptor
		Health models.HealthState    `json:"health"`
		Status models.ProviderStatus `json:"status"`
	}

	views := make([]providerView, 0, len(descriptors))
	for _, d := range descriptors {
		view := providerView{Descriptor: d, Health: health[d.Name]}
		if entry, ok := h.registry.Lookup(d.Name); ok {
			view.Status = entry.Provider.Status(r.Context())
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": views,
	})
}

// handleProviderAction handles POST /v1/providers/{name}/{action}
// where action is enable, disable, or reset.
func (h *Handler) handleProviderAction(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	if r.Method != http.MethodPost {
		h.handleError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed", log)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/providers/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		h.handleError(w, http.StatusNotFound, "not_found", "Endpoint not found", log)
		return
	}
	name, action := parts[0], parts[1]

	var err error
	switch action {
	case "enable":
		err = h.registry.Enable(name)
	case "disable":
		err = h.registry.Disable(name)
	case "reset":
		if _, ok := h.registry.Lookup(name); !ok {
			err = registry.ErrUnknownProvider
		} else {
			h.orch.ResetUsage(name)
		}
	default:
		h.handleError(w, http.StatusNotFound, "not_found", "Unknown provider action", log)
		return
	}

	if errors.Is(err, registry.ErrUnknownProvider) {
		h.handleError(w, http.StatusNotFound, "unknown_provider", "Provider not registered: "+name, log)
		return
	}
	if err != nil {
		h.handleError(w, http.StatusInternalServerError, "provider_action_failed", err.Error(), log)
		return
	}

	log.Info("provider action applied",
		zap.String("provider", name),
		zap.String("action", action))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": name,
		"action":   action,
		"status":   "ok",
	})
}

// handleAuth handles the auth surface:
//
//	GET  /v1/auth/{provider}        -> provider Authenticate (auth URL)
//	POST /v1/auth/{provider}/token  -> token callback landing
func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request, log *zap.Logger) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/auth/")
	parts := strings.Split(rest, "/")
	providerName := parts[0]
	if providerName == "" {
		h.handleError(w, http.StatusNotFound, "not_found", "Endpoint not found", log)
		return
	}

	entry, ok := h.registry.Lookup(providerName)
	if !ok {
		h.handleError(w, http.StatusNotFound, "unknown_provider", "Provider not registered: "+providerName, log)
		return
	}

	if len(parts) == 2 && parts[1] == "token" && r.Method == http.MethodPost {
		var req struct {
			UserID    string `json:"user_id"`
			Token     string `json:"token"`
			ExpiresIn int    `json:"expires_in,omitempty"` // seconds
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.handleError(w, http.StatusBadRequest, "parse_error", "Failed to parse request: "+err.Error(), log)
			return
		}
		defer r.Body.Close()

		if req.UserID == "" || req.Token == "" {
			h.handleError(w, http.StatusBadRequest, "invalid_request", "user_id and token are required", log)
			return
		}

		now := time.Now()
		cached := models.CachedToken{
			UserID:     req.UserID,
			Provider:   providerName,
			Value:      req.Token,
			ObtainedAt: now,
		}
		if req.ExpiresIn > 0 {
			cached.ExpiresAt = now.Add(time.Duration(req.ExpiresIn) * time.Second)
		}
		if err := h.tokens.Put(cached); err != nil {
			h.handleError(w, http.StatusInternalServerError, "token_store_error", err.Error(), log)
			return
		}

		log.Info("token stored",
			zap.String("provider", providerName),
			zap.String("user_id", req.UserID))
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet {
		userID := r.URL.Query().Get("user_id")
		auth, err := entry.Provider.Authenticate(r.Context(), userID)
		if err != nil {
			h.handleError(w, http.StatusBadGateway, "auth_error", err.Error(), log)
			return
		}
		writeJSON(w, http.StatusOK, auth)
		return
	}

	h.handleError(w, http.StatusNotFound, "not_found", "Endpoint not found", log)
}

// dispatchError maps orchestrator request-level errors to statuses
func (h *Handler) dispatchError(w http.ResponseWriter, err error, log *zap.Logger) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		h.handleError(w, http.StatusBadRequest, "invalid_request", err.Error(), log)
	case errors.Is(err, orchestrator.ErrNoProviders):
		h.handleError(w, http.StatusServiceUnavailable, "no_providers", err.Error(), log)
	default:
		h.handleError(w, http.StatusInternalServerError, "internal_error", err.Error(), log)
	}
}

// handleError handles errors
func (h *Handler) handleError(w http.ResponseWriter, status int, errType, message string, log *zap.Logger) {
	log.Error("request error",
		zap.String("error_type", errType),
		zap.String("message", message),
		zap.Int("status", status),
	)

	writeJSON(w, status, models.ErrorResponse{
		Error: models.ErrorDetail{
			Type:    errType,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// extractTraceID extracts trace ID from various possible headers
func extractTraceID(r *http.Request) string {
	headers := []string{
		"X-Trace-ID",
		"X-Request-ID",
		"X-Correlation-ID",
		"Trace-ID",
		"Request-ID",
	}

	for _, header := range headers {
		if id := r.Header.Get(header); id != "" {
			return id
		}
	}

	return ""
}

// generateTraceID generates a new trace ID
func generateTraceID() string {
	id := uuid.New()
	return id.String()[:16]
}
