// Package server exposes the search engine over HTTP.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetdocs/searchd/internal/engine"
	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/internal/pipeline"
	"github.com/fleetdocs/searchd/internal/search"
	apperrors "github.com/fleetdocs/searchd/pkg/errors"
	"github.com/fleetdocs/searchd/pkg/logger"
	"github.com/fleetdocs/searchd/pkg/middleware"
)

// Handler serves the engine's HTTP API.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandler creates a Handler over eng.
func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{
		engine: eng,
		logger: slog.Default().With("component", "http-handler"),
	}
}

// Search handles GET /api/v1/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	req, err := h.parseSearchRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.engine.Search(ctx, req)
	if err != nil {
		log.Warn("search failed", "query", req.Query, "error", err)
		h.writeError(w, err)
		return
	}
	log.Info("search completed",
		"query", req.Query,
		"total", result.Total,
		"returned", len(result.Hits),
		"cache_status", result.CacheStatus,
		"took_ms", result.TookMillis,
	)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"query_id": req.RequestID,
		"result":   result,
	})
}

func (h *Handler) parseSearchRequest(r *http.Request) (search.Request, error) {
	q := r.URL.Query()
	req := search.Request{
		RequestID: middleware.GetRequestID(r.Context()),
		Query:     q.Get("q"),
		Tenant:    q.Get("tenant"),
		UserID:    q.Get("user"),
		Sort:      search.SortMode(q.Get("sort")),
		Highlight: q.Get("highlight") == "true",
	}
	var err error
	if req.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		return req, apperrors.MalformedQuery("offset must be a non-negative integer")
	}
	if req.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		return req, apperrors.MalformedQuery("limit must be a non-negative integer")
	}
	for _, raw := range q["filter"] {
		f, err := parseFilter(raw)
		if err != nil {
			return req, err
		}
		req.Filters = append(req.Filters, f)
	}
	return req, nil
}

// parseFilter decodes an attr:op:value triple. The value's type is
// inferred: bool, then number, then RFC 3339 date, falling back to text.
func parseFilter(raw string) (index.Filter, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return index.Filter{}, apperrors.MalformedQuery("filter %q must be attr:op:value", raw)
	}
	var op index.FilterOp
	switch parts[1] {
	case "eq":
		op = index.FilterEq
	case "lt":
		op = index.FilterLt
	case "lte":
		op = index.FilterLte
	case "gt":
		op = index.FilterGt
	case "gte":
		op = index.FilterGte
	default:
		return index.Filter{}, apperrors.MalformedQuery("unknown filter operator %q", parts[1])
	}
	return index.Filter{Attr: parts[0], Op: op, Value: parseAttrValue(parts[2])}, nil
}

func parseAttrValue(raw string) index.Attr {
	switch raw {
	case "true":
		return index.BoolAttr(true)
	case "false":
		return index.BoolAttr(false)
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return index.NumberAttr(n)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return index.DateAttr(t)
	}
	return index.TextAttr(raw)
}

// Suggest handles GET /api/v1/suggest.
func (h *Handler) Suggest(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		h.writeError(w, apperrors.MalformedQuery("query parameter 'prefix' is required"))
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.writeError(w, apperrors.MalformedQuery("limit must be a non-negative integer"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"prefix":      prefix,
		"suggestions": h.engine.Autocomplete(prefix, limit),
	})
}

type clickRequest struct {
	QueryID string `json:"query_id"`
	DocID   string `json:"doc_id"`
	UserID  string `json:"user_id"`
	Rank    int    `json:"rank"`
}

// RecordClick handles POST /api/v1/clicks.
func (h *Handler) RecordClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid click payload: %v", err))
		return
	}
	if req.DocID == "" {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "doc_id is required"))
		return
	}
	h.engine.RecordClick(req.QueryID, req.DocID, req.UserID, req.Rank)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// UpsertDocument handles PUT /api/v1/documents/{id}. With ?sync=true the
// document is indexed before the call returns; otherwise it is queued and
// 202 is returned with the job.
func (h *Handler) UpsertDocument(w http.ResponseWriter, r *http.Request) {
	var doc index.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid document payload: %v", err))
		return
	}
	doc.ID = r.PathValue("id")
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	sync := r.URL.Query().Get("sync") == "true"

	job, err := h.engine.IndexDocument(r.Context(), doc, sync)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if sync {
		status = http.StatusOK
	}
	h.writeJSON(w, status, map[string]any{"job": job})
}

// DeleteDocument handles DELETE /api/v1/documents/{id}.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	sync := r.URL.Query().Get("sync") == "true"
	job, err := h.engine.DeleteDocument(r.Context(), r.PathValue("id"), sync)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if sync {
		status = http.StatusOK
	}
	h.writeJSON(w, status, map[string]any{"job": job})
}

// GetDocument handles GET /api/v1/documents/{id}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	meta, ok := h.engine.Store.Meta(id)
	if !ok {
		h.writeError(w, apperrors.Newf(apperrors.ErrDocumentNotFound, 404, "document %s not found", id))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"id":         meta.DocID,
		"tenant":     meta.Tenant,
		"revision":   meta.Revision,
		"status":     meta.Status,
		"fields":     meta.Fields,
		"attrs":      meta.Attrs,
		"updated_at": meta.UpdatedAt,
	})
}

// Reindex handles POST /api/v1/admin/reindex.
func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.ReindexAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// Optimize handles POST /api/v1/admin/optimize.
func (h *Handler) Optimize(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.Optimize(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// Jobs handles GET /api/v1/jobs.
func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 50)
	if err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "limit must be a non-negative integer"))
		return
	}
	jobs, err := h.engine.Jobs(r.Context(), pipeline.JobState(r.URL.Query().Get("state")), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":        jobs,
		"queue_depth": h.engine.Pipeline.QueueDepth(),
	})
}

type invalidateRequest struct {
	Terms []string `json:"terms"`
}

// CacheInvalidate handles POST /api/v1/cache/invalidate.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid invalidate payload: %v", err))
		return
	}
	dropped, err := h.engine.InvalidateCache(r.Context(), req.Terms)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"dropped": dropped})
}

// CacheWarm handles POST /api/v1/cache/warm.
func (h *Handler) CacheWarm(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 10)
	if err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "limit must be a non-negative integer"))
		return
	}
	warmed, err := h.engine.WarmCache(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"warmed": warmed})
}

// Analytics handles GET /api/v1/analytics.
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 10)
	if err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "limit must be a non-negative integer"))
		return
	}
	stats, err := h.engine.AnalyticsStats(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// SaveQuery handles POST /api/v1/queries.
func (h *Handler) SaveQuery(w http.ResponseWriter, r *http.Request) {
	var sq search.SavedQuery
	if err := json.NewDecoder(r.Body).Decode(&sq); err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid saved query payload: %v", err))
		return
	}
	if err := h.engine.SavedQueries.Save(r.Context(), &sq); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sq)
}

// ListQueries handles GET /api/v1/queries.
func (h *Handler) ListQueries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 50)
	if err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "limit must be a non-negative integer"))
		return
	}
	queries, err := h.engine.SavedQueries.List(r.Context(), q.Get("tenant"), q.Get("user"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"queries": queries})
}

// RunSavedQuery handles GET /api/v1/queries/{id}/results.
func (h *Handler) RunSavedQuery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "saved query id must be an integer"))
		return
	}
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "offset must be a non-negative integer"))
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "limit must be a non-negative integer"))
		return
	}
	result, err := h.engine.SearchSaved(r.Context(), id, offset, limit, q.Get("user"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// DeleteSavedQuery handles DELETE /api/v1/queries/{id}.
func (h *Handler) DeleteSavedQuery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "saved query id must be an integer"))
		return
	}
	if err := h.engine.SavedQueries.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, apperrors.HTTPStatusCode(err), map[string]string{"error": err.Error()})
}
