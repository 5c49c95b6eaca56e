package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/catalog"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/categorize"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/ingest"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/observability"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/selection"
	"github.com/nxtleveltech1/MantisNXT-sub030/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	IngestHandler     *ingest.Handler
	CatalogHandler    *catalog.Handler
	CategorizeHandler *categorize.Handler
	SelectionHandler  *selection.Handler
	JobsHandler       *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.IngestHandler != nil {
		r.Route("/uploads", params.IngestHandler.MountRoutes)
	}
	if params.CatalogHandler != nil {
		r.Route("/catalog", params.CatalogHandler.MountRoutes)
	}
	if params.CategorizeHandler != nil {
		r.Route("/categorization", params.CategorizeHandler.MountRoutes)
	}
	if params.SelectionHandler != nil {
		r.Route("/selections", params.SelectionHandler.MountRoutes)
	}
	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
