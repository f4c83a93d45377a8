// Package handler exposes the pool core's external interfaces over HTTP:
// query execution, pool statistics, pool invalidation, and per-pool health.
// The handlers are deliberately thin — no SQL parsing, no auth; those are
// other layers' concerns.
package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dbdeck/dbdeck/internal/connection"
	"github.com/dbdeck/dbdeck/internal/executor"
	"github.com/dbdeck/dbdeck/internal/pool"
)

// QueryRequest is the body of POST /api/v1/query. Either ConnectionID
// (resolved against the configured connections file) or an inline Connection
// descriptor must be set; inline wins when both are present.
type QueryRequest struct {
	ConnectionID string                 `json:"connectionId,omitempty"`
	Connection   *connection.Descriptor `json:"connection,omitempty"`
	SQL          string                 `json:"sql"`
	Params       []any                  `json:"params,omitempty"`
	Options      executor.Options       `json:"options"`
}

// QueryHandler serves query execution against configured connections.
type QueryHandler struct {
	executor    *executor.Executor
	connections map[string]*connection.Descriptor
}

// NewQueryHandler creates a QueryHandler over the executor and the
// descriptors loaded from the connections file.
func NewQueryHandler(exec *executor.Executor, connections map[string]*connection.Descriptor) *QueryHandler {
	if connections == nil {
		connections = make(map[string]*connection.Descriptor)
	}
	return &QueryHandler{executor: exec, connections: connections}
}

// Execute runs one SQL statement. The executor never fails the call itself;
// query errors come back inside the 200 response body, so a syntax error and
// a timeout look the same to the transport.
// POST /api/v1/query
func (h *QueryHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		writeError(w, http.StatusBadRequest, "Missing sql")
		return
	}

	desc := req.Connection
	if desc == nil {
		var ok bool
		desc, ok = h.connections[req.ConnectionID]
		if !ok {
			writeError(w, http.StatusNotFound, "Connection not found: "+req.ConnectionID)
			return
		}
	}

	resp := h.executor.Execute(r.Context(), desc, req.SQL, req.Params, req.Options)
	writeJSON(w, http.StatusOK, resp)
}

// PoolHandler serves pool lifecycle and monitoring endpoints.
type PoolHandler struct {
	registry *pool.Registry
}

// NewPoolHandler creates a PoolHandler over the registry.
func NewPoolHandler(registry *pool.Registry) *PoolHandler {
	return &PoolHandler{registry: registry}
}

// Stats returns per-pool usage plus an aggregate summary.
// GET /api/v1/pools
func (h *PoolHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.GetPoolStats())
}

// Invalidate destroys the pool (and paired tunnel) for a connection id. The
// connection-management layer calls this whenever credentials or host are
// edited, or the connection is deleted, so stale pools are never served.
// Idempotent: unknown ids succeed too.
// DELETE /api/v1/pools/{connectionId}
func (h *PoolHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionId")
	h.registry.DestroyPool(id)
	w.WriteHeader(http.StatusNoContent)
}

// Health probes one pool. Untracked ids report healthy=false rather than 404
// so callers can poll without special-casing.
// GET /api/v1/pools/{connectionId}/health
func (h *PoolHandler) Health(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionId")
	healthy := h.registry.HealthCheck(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"connectionId": id, "healthy": healthy})
}
