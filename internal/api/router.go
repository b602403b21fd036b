package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/medical-records-registry/internal/registry"
)

type RouterConfig struct {
	Service *registry.Service
	PgPool  *pgxpool.Pool // nil with the memory backend
	Redis   *redis.Client // nil when Redis is disabled
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Group(func(r chi.Router) {
		r.Use(PrincipalMiddleware)

		r.Post("/patients", registerPatientHandler(cfg.Service))
		r.Route("/patients/{patientID}", func(r chi.Router) {
			r.Get("/", getPatientHandler(cfg.Service))
			r.Post("/records", addRecordHandler(cfg.Service))
			r.Get("/records", listRecordsHandler(cfg.Service))
			r.Get("/grants", listGrantsHandler(cfg.Service))
			r.Get("/access", hasAccessHandler(cfg.Service))
			r.Get("/access/{grantee}", hasAccessHandler(cfg.Service))
		})

		r.Post("/grants", grantAccessHandler(cfg.Service))
		r.Delete("/grants/{grantee}", revokeAccessHandler(cfg.Service))
	})

	return r
}
