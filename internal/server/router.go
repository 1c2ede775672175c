// Package server routes: the middleware chain is
// RequestID → Metrics → Timeout → handler.
package server

import (
	"net/http"
	"time"

	"github.com/fleetdocs/searchd/pkg/health"
	"github.com/fleetdocs/searchd/pkg/metrics"
	"github.com/fleetdocs/searchd/pkg/middleware"
)

// NewRouter builds the full HTTP handler.
//
// Route table:
//
//	GET    /api/v1/search               → execute a query
//	GET    /api/v1/suggest              → autocomplete a prefix
//	POST   /api/v1/clicks               → record a result click
//	GET    /api/v1/documents/{id}       → inspect an indexed document
//	PUT    /api/v1/documents/{id}       → index a document (async, ?sync=true)
//	DELETE /api/v1/documents/{id}       → remove a document
//	GET    /api/v1/jobs                 → list indexing jobs
//	POST   /api/v1/admin/reindex        → full rebuild from durable storage
//	POST   /api/v1/admin/optimize       → verify and compact the dictionary
//	POST   /api/v1/cache/invalidate     → drop cache entries by term
//	POST   /api/v1/cache/warm           → pre-run top queries
//	GET    /api/v1/analytics            → windowed query analytics
//	POST   /api/v1/queries              → save a query
//	GET    /api/v1/queries              → list saved queries
//	GET    /api/v1/queries/{id}/results → run a saved query
//	DELETE /api/v1/queries/{id}         → delete a saved query
//	GET    /health/live, /health/ready  → probes
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, requestTimeout time.Duration) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/suggest", h.Suggest)
	mux.HandleFunc("POST /api/v1/clicks", h.RecordClick)

	mux.HandleFunc("GET /api/v1/documents/{id}", h.GetDocument)
	mux.HandleFunc("PUT /api/v1/documents/{id}", h.UpsertDocument)
	mux.HandleFunc("DELETE /api/v1/documents/{id}", h.DeleteDocument)

	mux.HandleFunc("GET /api/v1/jobs", h.Jobs)
	mux.HandleFunc("POST /api/v1/admin/reindex", h.Reindex)
	mux.HandleFunc("POST /api/v1/admin/optimize", h.Optimize)

	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("POST /api/v1/cache/warm", h.CacheWarm)

	mux.HandleFunc("GET /api/v1/analytics", h.Analytics)

	mux.HandleFunc("POST /api/v1/queries", h.SaveQuery)
	mux.HandleFunc("GET /api/v1/queries", h.ListQueries)
	mux.HandleFunc("GET /api/v1/queries/{id}/results", h.RunSavedQuery)
	mux.HandleFunc("DELETE /api/v1/queries/{id}", h.DeleteSavedQuery)

	var chain http.Handler = mux
	if requestTimeout > 0 {
		chain = middleware.Timeout(requestTimeout)(chain)
	}
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.RequestID(chain)
	return chain
}
