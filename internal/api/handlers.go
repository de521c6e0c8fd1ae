package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"code-executor/internal/runtime"
	"code-executor/internal/sandbox"
	"code-executor/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ExecutionReader is the read side of the audit store.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	Healthy(ctx context.Context) bool
}

// EngineInfo is what the HTTP surface needs to know about the engine.
type EngineInfo interface {
	Registry() *runtime.Registry
	Backend() sandbox.Backend
	ActiveCount() int64
}

type Handlers struct {
	engine    EngineInfo
	store     ExecutionReader
	startTime time.Time
}

// NewHandlers builds the REST handlers. store may be nil when no database is
// configured.
func NewHandlers(engine EngineInfo, store ExecutionReader) *Handlers {
	return &Handlers{
		engine:    engine,
		store:     store,
		startTime: time.Now(),
	}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := h.store == nil || h.store.Healthy(r.Context())

	resp := HealthResponse{
		Status:           "ok",
		Backend:          h.engine.Backend().Name(),
		Database:         dbOK,
		ActiveExecutions: h.engine.ActiveCount(),
		Uptime:           time.Since(h.startTime).Round(time.Second).String(),
	}

	status := http.StatusOK
	if !dbOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, _ *http.Request) {
	reg := h.engine.Registry()
	writeJSON(w, http.StatusOK, LanguagesResponse{
		Languages: reg.Languages(),
		Images:    reg.Images(),
	})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.store.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("loading execution failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultListLimit)
	if err != nil || limit < 1 {
		writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	limit = min(limit, maxListLimit)

	filter := storage.ExecutionFilter{
		Tool:     q.Get("tool"),
		Language: q.Get("language"),
		Outcome:  q.Get("outcome"),
		Limit:    limit,
		Offset:   offset,
	}

	execs, err := h.store.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing executions failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}

	writeJSON(w, http.StatusOK, ExecutionListResponse{
		Executions: execs,
		Count:      len(execs),
		Limit:      limit,
		Offset:     offset,
	})
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
