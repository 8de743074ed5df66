package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/kiseki-io/kiseki/internal/model"
	"github.com/kiseki-io/kiseki/internal/storage"
	"github.com/kiseki-io/kiseki/internal/tracer"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store               tracer.Store
	engine              *tracer.Tracer
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds dependencies for creating Handlers.
type HandlersDeps struct {
	Store               tracer.Store
	Engine              *tracer.Tracer
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		store:               deps.Store,
		engine:              deps.Engine,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
	}
}

// HandleHealth responds to GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// HandleGetTrace responds to GET /v1/traces/{trace_id} with the trace and
// its spans assembled into parent/child order, logs attached.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	tree, err := h.store.GetTrace(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
			return
		}
		h.logger.Error("get trace failed", "trace_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load trace")
		return
	}
	writeJSON(w, r, http.StatusOK, tree)
}

// HandleListTraces responds to GET /v1/traces with recent traces,
// filterable by status and user.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	var f model.TraceFilter
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status := model.TraceStatus(s)
		if err := model.ValidateTraceStatus(status); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		f.Status = &status
	}
	if u := q.Get("user_id"); u != "" {
		f.UserID = &u
	}
	f.Limit = parseLimit(q.Get("limit"))

	traces, err := h.store.ListTraces(r.Context(), f)
	if err != nil {
		h.logger.Error("list traces failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list traces")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"traces": traces})
}

// HandleSearchTraces responds to GET /v1/traces/search with traces whose
// spans match the function name query.
func (h *Handlers) HandleSearchTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("function_name")
	if name == "" {
		name = q.Get("q")
	}
	if name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "function_name query parameter is required")
		return
	}

	f := model.SearchFilter{FunctionName: name, Limit: parseLimit(q.Get("limit"))}
	if s := q.Get("status"); s != "" {
		status := model.TraceStatus(s)
		if err := model.ValidateTraceStatus(status); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		f.Status = &status
	}
	if u := q.Get("user_id"); u != "" {
		f.UserID = &u
	}

	traces, err := h.store.SearchTraces(r.Context(), f)
	if err != nil {
		h.logger.Error("search traces failed", "query", name, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to search traces")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"traces": traces})
}

// HandlePreserveTrace responds to POST /v1/traces/{trace_id}/preserve,
// pinning the trace so cleanup never deletes it.
func (h *Handlers) HandlePreserveTrace(w http.ResponseWriter, r *http.Request) {
	h.setPreserve(w, r, model.PreserveKeep, nil)
}

// HandleDiscardTrace responds to POST /v1/traces/{trace_id}/discard,
// marking the trace for deletion at cleanup time.
func (h *Handlers) HandleDiscardTrace(w http.ResponseWriter, r *http.Request) {
	h.setPreserve(w, r, model.PreserveDelete, nil)
}

// HandleSampleTrace responds to POST /v1/traces/{trace_id}/sample,
// reverting the trace to the probabilistic cleanup decision. An optional
// sample_rate in the body replaces the trace's rate.
func (h *Handlers) HandleSampleTrace(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.SampleRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
			return
		}
	}
	if req.SampleRate != nil {
		if err := model.ValidateSampleRate(*req.SampleRate); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	h.setPreserve(w, r, model.PreserveUndecided, req.SampleRate)
}

// HandleCleanupTrace responds to POST /v1/traces/{trace_id}/cleanup,
// running the retention decision immediately instead of waiting for the
// scheduled job.
func (h *Handlers) HandleCleanupTrace(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.engine.CleanupTrace(r.Context(), id); err != nil {
		h.logger.Error("cleanup trace failed", "trace_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "cleanup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"trace_id": id.String(), "status": "evaluated"})
}

func (h *Handlers) setPreserve(w http.ResponseWriter, r *http.Request, mode model.PreserveMode, rate *float64) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.UpdateTracePreserve(r.Context(), id, mode, rate); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
			return
		}
		h.logger.Error("update preserve failed", "trace_id", id, "mode", mode, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to update trace")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"trace_id": id.String(), "preserve": string(mode)})
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("trace_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid trace id")
		return uuid.Nil, false
	}
	return id, true
}

func parseLimit(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
