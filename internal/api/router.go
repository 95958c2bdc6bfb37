package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/tmorrisey/formflow/internal/api/middleware"
	"github.com/tmorrisey/formflow/internal/api/response"
	"github.com/tmorrisey/formflow/internal/metrics"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit
	Metrics   *metrics.Metrics

	HealthHandler http.HandlerFunc

	BulkExtractHandler http.HandlerFunc
	JobStatusHandler   http.HandlerFunc
	JobResultsHandler  http.HandlerFunc
	JobFilesHandler    http.HandlerFunc

	FormExtractHandler  http.HandlerFunc
	FormDeselectHandler http.HandlerFunc

	HistoryListHandler  http.HandlerFunc
	HistoryItemHandler  http.HandlerFunc
	HistorySaveHandler  http.HandlerFunc
	HistoryClearHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	if deps.Metrics != nil {
		r.Use(func(next http.Handler) http.Handler {
			return deps.Metrics.Middleware("formflow", next)
		})
	}

	// Health and metrics are unmetered.
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// Rate-limited API routes, keyed by caller identity.
	r.Group(func(r chi.Router) {
		r.Use(mw.Identify)
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/extract/bulk", orNotImplemented(deps.BulkExtractHandler))

		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatusHandler))
		r.Get("/api/v1/jobs/{jobID}/results", orNotImplemented(deps.JobResultsHandler))
		r.Get("/api/v1/jobs/{jobID}/files", orNotImplemented(deps.JobFilesHandler))

		r.Post("/api/v1/forms/extract", orNotImplemented(deps.FormExtractHandler))
		r.Delete("/api/v1/forms/{formID}", orNotImplemented(deps.FormDeselectHandler))

		r.Get("/api/v1/history/{userID}", orNotImplemented(deps.HistoryListHandler))
		r.Get("/api/v1/history/{userID}/{jobID}", orNotImplemented(deps.HistoryItemHandler))
		r.Post("/api/v1/history/{userID}", orNotImplemented(deps.HistorySaveHandler))
		r.Delete("/api/v1/history/{userID}", orNotImplemented(deps.HistoryClearHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
