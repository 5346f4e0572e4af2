package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/openjobspec/ojs-racejob/internal/api"
	"github.com/openjobspec/ojs-racejob/internal/metrics"
)

// APIPrefix is the base path of the admin API.
const APIPrefix = "/racejob/v1"

// NewRouter assembles the HTTP surface: admin API, health and metrics.
func NewRouter(sched api.JobScheduler, cfg *Config, health api.HealthFunc, log *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(api.RequestID)
	r.Use(api.RequestLogger(log))
	r.Use(api.LimitBody)
	r.Use(api.ValidateContentType)

	systemH := api.NewSystemHandler(sched.Instance(), cfg.Store, health)
	r.Get("/healthz", systemH.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	jobH := api.NewJobHandler(sched, log)
	r.Route(APIPrefix, func(r chi.Router) {
		api.RegisterJobRoutes(r, jobH)
	})
	return r
}
