// Package api provides the HTTP status and command surface for docflow.
package api

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"docflow/internal/apperrors"
	"docflow/internal/cache"
	"docflow/internal/dispatcher"
	"docflow/internal/governor"
	"docflow/internal/health"
	"docflow/internal/job"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Jobs is the part of the orchestrator the API exposes.
type Jobs interface {
	Submit(req job.Request) (string, error)
	SubmitBatch(reqs []job.Request) ([]string, error)
	Status(id string) (job.View, bool)
	StatusAll() map[string]job.View
	Counts() map[job.Status]int
	Cancel(id string) bool
	CancelAll() int
	Reap(keepRecent int) int
}

// Cache is the part of the cache store the API exposes.
type Cache interface {
	Stats() cache.Stats
	Clear(tier cache.Tier) int
}

// Memory is the part of the memory governor the API exposes.
type Memory interface {
	Snapshot() governor.Snapshot
	Threshold() float64
	UnderPressure() bool
	Cleanup() governor.CleanupResult
}

// Handler contains HTTP handlers for the docflow API
type Handler struct {
	jobs       Jobs
	cache      Cache
	memory     Memory
	health     *health.Checker
	dispatcher dispatcher.Dispatcher
	validator  *requestValidator
	inputRoot  string // local references must resolve under it; empty refuses them
}

// NewHandler creates a new API handler. cache, memory and d may be nil;
// their endpoints then answer 503.
func NewHandler(jobs Jobs, c Cache, memory Memory, healthChecker *health.Checker, d dispatcher.Dispatcher) *Handler {
	return &Handler{
		jobs:       jobs,
		cache:      c,
		memory:     memory,
		health:     healthChecker,
		dispatcher: d,
		validator:  newRequestValidator(),
	}
}

type submitResponse struct {
	ID string `json:"id"`
}

type batchResponse struct {
	IDs []string `json:"ids"`
}

type listResponse struct {
	Jobs   []job.View         `json:"jobs"`
	Counts map[job.Status]int `json:"counts"`
}

type countResponse struct {
	Count int `json:"count"`
}

type memoryResponse struct {
	governor.Snapshot
	Threshold     float64 `json:"threshold"`
	UnderPressure bool    `json:"underPressure"`
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	jobReq := req.toJob()
	ref, err := confineReference(h.inputRoot, jobReq.Reference, "reference")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	jobReq.Reference = ref

	id, err := h.jobs.Submit(jobReq)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

// CreateBatch handles POST /v1/jobs/batch. The batch is admitted whole or
// rejected whole.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Jobs) > maxBatchSize {
		h.handleError(w, r, apperrors.Validation("jobs", "batch exceeds maximum of "+strconv.Itoa(maxBatchSize)))
		return
	}

	reqs := make([]job.Request, len(req.Jobs))
	for i, j := range req.Jobs {
		reqs[i] = j.toJob()
		ref, err := confineReference(h.inputRoot, reqs[i].Reference, fmt.Sprintf("jobs[%d].reference", i))
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		reqs[i].Reference = ref
	}
	ids, err := h.jobs.SubmitBatch(reqs)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, batchResponse{IDs: ids})
}

// ListJobs handles GET /v1/jobs. An optional status query parameter
// filters the list. Jobs are ordered by submission time.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := job.Status(r.URL.Query().Get("status"))

	all := h.jobs.StatusAll()
	views := make([]job.View, 0, len(all))
	for _, v := range all {
		if filter == "" || v.Status == filter {
			views = append(views, v)
		}
	}
	slices.SortFunc(views, func(a, b job.View) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	h.writeJSON(w, http.StatusOK, listResponse{Jobs: views, Counts: h.jobs.Counts()})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	view, ok := h.jobs.Status(jobID)
	if !ok {
		h.handleError(w, r, apperrors.NotFound("job", jobID))
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if !h.jobs.Cancel(jobID) {
		view, ok := h.jobs.Status(jobID)
		if !ok {
			h.handleError(w, r, apperrors.NotFound("job", jobID))
			return
		}
		h.handleError(w, r, apperrors.Conflict("job", jobID, "job already "+string(view.Status)))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CancelAll handles DELETE /v1/jobs
func (h *Handler) CancelAll(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, countResponse{Count: h.jobs.CancelAll()})
}

// ReapJobs handles POST /v1/jobs/reap. An empty body keeps no finished
// jobs.
func (h *Handler) ReapJobs(w http.ResponseWriter, r *http.Request) {
	var req reapRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	h.writeJSON(w, http.StatusOK, countResponse{Count: h.jobs.Reap(req.KeepRecent)})
}

// CacheStats handles GET /v1/cache/stats
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.handleError(w, r, apperrors.Unavailable("cache", "cache is disabled"))
		return
	}
	h.writeJSON(w, http.StatusOK, h.cache.Stats())
}

// ClearCache handles DELETE /v1/cache?tier=memory|disk|all
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.handleError(w, r, apperrors.Unavailable("cache", "cache is disabled"))
		return
	}
	tier, err := cache.ParseTier(r.URL.Query().Get("tier"))
	if err != nil {
		h.handleError(w, r, apperrors.Validation("tier", err.Error()))
		return
	}
	h.writeJSON(w, http.StatusOK, countResponse{Count: h.cache.Clear(tier)})
}

// MemoryStatus handles GET /v1/memory
func (h *Handler) MemoryStatus(w http.ResponseWriter, r *http.Request) {
	if h.memory == nil {
		h.handleError(w, r, apperrors.Unavailable("governor", "governor is disabled"))
		return
	}
	h.writeJSON(w, http.StatusOK, memoryResponse{
		Snapshot:      h.memory.Snapshot(),
		Threshold:     h.memory.Threshold(),
		UnderPressure: h.memory.UnderPressure(),
	})
}

// MemoryCleanup handles POST /v1/memory/cleanup
func (h *Handler) MemoryCleanup(w http.ResponseWriter, r *http.Request) {
	if h.memory == nil {
		h.handleError(w, r, apperrors.Unavailable("governor", "governor is disabled"))
		return
	}
	h.writeJSON(w, http.StatusOK, h.memory.Cleanup())
}

// DispatcherStats handles GET /v1/callbacks/stats
func (h *Handler) DispatcherStats(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		h.handleError(w, r, apperrors.Unavailable("dispatcher", "callbacks are disabled"))
		return
	}
	h.writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while shutting down or when the extractor is unavailable.
// Memory pressure reports degraded but still answers 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// decode reads and validates a JSON body. It writes the error response
// and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	if err := h.validator.validate(dst); err != nil {
		h.handleError(w, r, err)
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a plain message in the same shape as apperrors.Body.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, apperrors.Body{Error: message, Code: "invalid_request"})
}

// handleError maps a service-layer error to its status and body. A full
// queue or a shutting-down orchestrator asks the client to retry shortly.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	attrs := []any{"error", err, "path", r.URL.Path, "status", status, "requestId", RequestID(r.Context())}
	if status >= 500 {
		slog.Error("Request failed", attrs...)
	} else {
		slog.Warn("Client error", attrs...)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	h.writeJSON(w, status, apperrors.ToBody(err))
}
