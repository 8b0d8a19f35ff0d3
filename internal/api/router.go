package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vireohealth/fhirvault/internal/api/middleware"
	"github.com/vireohealth/fhirvault/internal/api/response"
	"github.com/vireohealth/fhirvault/internal/auth"
	"github.com/vireohealth/fhirvault/internal/config"
	"github.com/vireohealth/fhirvault/internal/obs"
	"github.com/vireohealth/fhirvault/internal/service"
)

type RouterDeps struct {
	ResourceSvc *service.ResourceService
	BundleSvc   *service.BundleService
	AuditSvc    *service.AuditService
	JWTManager  *auth.JWTManager
	Config      *config.Config
	Logger      *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(obs.Instrument)

	// CORS
	origins := strings.Split(deps.Config.CORS.AllowedOrigins, ",")
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"ETag", "Location", "Last-Modified"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheus metrics
	r.Handle("/metrics", obs.Handler())

	authHandler := NewAuthHandler(deps.JWTManager, deps.Config.Auth)
	resourceHandler := NewResourceHandler(deps.ResourceSvc, deps.Config.Search)
	bundleHandler := NewBundleHandler(deps.BundleSvc)
	auditHandler := NewAuditHandler(deps.AuditSvc)

	r.Post("/auth/login", authHandler.Login)

	// Resource API
	r.Route("/fhir", func(r chi.Router) {
		// Rate limit: 50 req/s with burst of 100
		r.Use(middleware.RateLimit(50, 100))
		r.Use(middleware.ActorContext(deps.JWTManager))

		r.Post("/", bundleHandler.Submit)

		r.Route("/{type}", func(r chi.Router) {
			r.Post("/", resourceHandler.Create)
			r.Get("/", resourceHandler.Search)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", resourceHandler.Read)
				r.Put("/", resourceHandler.Update)
				r.Delete("/", resourceHandler.Delete)
				r.Get("/_history", resourceHandler.History)
				r.Get("/_history/{vid}", resourceHandler.ReadVersion)
			})
		})
	})

	// Admin API — requires a bearer token
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.ActorContext(deps.JWTManager))
		r.Use(middleware.RequireAuth)

		r.Get("/audit", auditHandler.List)
	})

	return r
}
