// internal/gateway/handler.go
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	jmes "github.com/jmespath/go-jmespath"
	"go.uber.org/zap"

	"toolgate/internal/policy"
	"toolgate/internal/pool"
	"toolgate/pkg/credentials"
	"toolgate/pkg/middleware"
	"toolgate/pkg/problems"
)

// Register mounts the tenant session façade: every route runs admission
// upstream (middleware), then acquire → work → release, with the release
// guaranteed on all exit paths.
func Register(r chi.Router, p *pool.Pool, eng *policy.Engine, log *zap.SugaredLogger) {
	h := &handler{pool: p, policy: eng, log: log}
	r.Get("/v1/tools", h.listTools)
	r.Post("/v1/tools/{name}", h.invokeTool)
	r.Get("/v1/pool", h.poolStats)
}

type handler struct {
	pool   *pool.Pool
	policy *policy.Engine
	log    *zap.SugaredLogger
}

func (h *handler) listTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.TenantFrom(ctx)
	hd, err := h.pool.Acquire(ctx, tenantID)
	if err != nil {
		h.writeErr(w, tenantID, err)
		return
	}
	defer h.pool.Release(tenantID)

	writeJSON(w, http.StatusOK, map[string]any{"tools": hd.Tools()})
}

func (h *handler) invokeTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.TenantFrom(ctx)
	tool := chi.URLParam(r, "name")

	raw, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid-arguments", "Invalid arguments", "Request body must be a JSON object.")
		return
	}

	if !h.policy.Allow(ctx, tenantID, tool, args) {
		writeProblem(w, http.StatusForbidden, "tool-not-allowed", "Tool not allowed", "Policy denies this tool for the tenant.")
		return
	}

	hd, err := h.pool.Acquire(ctx, tenantID)
	if err != nil {
		h.writeErr(w, tenantID, err)
		return
	}
	defer h.pool.Release(tenantID)

	result, err := hd.Call(ctx, tool, raw)
	if err != nil {
		h.log.Warnw("tool call failed", "tenant", tenantID, "tool", tool, "err", err)
		writeProblem(w, http.StatusBadGateway, "tool-call-failed", "Tool call failed", err.Error())
		return
	}

	var decoded any
	if err := json.Unmarshal(result, &decoded); err != nil {
		decoded = string(result)
	}
	if expr := r.URL.Query().Get("select"); expr != "" {
		projected, jerr := jmes.Search(expr, decoded)
		if jerr != nil {
			writeProblem(w, http.StatusBadRequest, "invalid-select", "Invalid select expression", jerr.Error())
			return
		}
		decoded = projected
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": decoded})
}

func (h *handler) poolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": h.pool.Stats()})
}

// writeErr translates lifecycle errors into the caller-visible responses:
// not-onboarded 404, refresh failure 401 (re-auth prompt), startup 503
// (retryable), anything else 500.
func (h *handler) writeErr(w http.ResponseWriter, tenantID string, err error) {
	switch {
	case errors.Is(err, credentials.ErrNotOnboarded):
		writeProblem(w, http.StatusNotFound, "tenant-not-onboarded", "Tenant not onboarded", "No credentials or linkable account exist for this tenant.")
	case errors.Is(err, credentials.ErrRefreshFailed):
		writeProblem(w, http.StatusUnauthorized, "reauthorization-required", "Reauthorization required", "The stored credential could not be refreshed; reconnect the account.")
	case errors.Is(err, pool.ErrStartup):
		h.log.Errorw("worker startup failed", "tenant", tenantID, "err", err)
		writeProblem(w, http.StatusServiceUnavailable, "worker-unavailable", "Worker unavailable", "The tenant worker failed to start; retry shortly.")
	default:
		h.log.Errorw("acquire failed", "tenant", tenantID, "err", err)
		writeProblem(w, http.StatusInternalServerError, "internal", "Internal error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, slug, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problems.Type(slug),
		"title":  title,
		"detail": detail,
		"status": status,
	})
}
