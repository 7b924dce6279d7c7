// Package api assembles the claims HTTP surface.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/api/handlers"
	"github.com/drfirst/go-claims/internal/api/middleware"
	"github.com/drfirst/go-claims/internal/billing"
	"github.com/drfirst/go-claims/internal/coverage"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/observability/metrics"
	"github.com/drfirst/go-claims/internal/registry"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the router serves.
type Deps struct {
	ServiceName string
	Version     string
	Logger      *zap.Logger

	Billing  *billing.Service
	Claims   *claim.Manager
	Rules    coverage.Store
	Registry *registry.Registry

	// Metrics and Gatherer are optional. /metrics is only mounted with a Gatherer.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Ready is optional; /ready always succeeds without it.
	Ready Pinger

	APIKeys     map[string]string
	CORSOrigins []string
	RateLimit   int
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var httpObserver middleware.HTTPObserver
	var importObserver handlers.ImportObserver
	if d.Metrics != nil {
		httpObserver = d.Metrics
		importObserver = d.Metrics
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(d.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger, httpObserver))
	r.Use(middleware.Tracing(d.ServiceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":%q}`, d.ServiceName, d.Version)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(d.Gatherer))
	}

	claimHandler := handlers.NewClaimHandler(d.Billing, d.Claims, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(d.RateLimit))
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Use(middleware.Identity)

		r.Mount("/currencies", handlers.NewCurrencyHandler(logger).Routes())
		r.Mount("/countries", handlers.NewCodeHandler(d.Registry, importObserver, logger).Routes())
		r.Mount("/coverage-rules", handlers.NewCoverageHandler(d.Rules, logger).Routes())
		r.Mount("/adjudications", claimHandler.AdjudicationRoutes())
		r.Mount("/claims", claimHandler.Routes())
	})

	return r
}
