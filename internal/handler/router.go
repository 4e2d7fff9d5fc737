package handler

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"otp-auth-service/internal/metrics"
	"otp-auth-service/internal/util"
)

// HealthFunc reports whether backing stores are reachable
type HealthFunc func(ctx context.Context) error

type RouterOptions struct {
	CORSOrigins []string
	RequireTLS  bool
	Health      HealthFunc
	// TrustedProxies may set the client address through forwarding headers
	TrustedProxies []netip.Prefix
}

// NewRouter creates the chi router with middleware and all API routes
func NewRouter(auth *AuthHandler, admin *AdminHandler, authn *Authenticator, opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if opts.RequireTLS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(RealIP(opts.TrustedProxies))
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(metrics.Instrument)
	router.Use(middleware.Timeout(30 * time.Second))

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{refreshRecommendedHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			if err := opts.Health(r.Context()); err != nil {
				util.Warn("Health check failed", util.ErrorField(err))
				respondWithJSON(w, logger, http.StatusServiceUnavailable, Response{
					Error: &ErrorBody{Code: "unhealthy", Message: "dependency unavailable"},
				})
				return
			}
		}
		respondWithJSON(w, logger, http.StatusOK, successResponse(map[string]string{
			"status":  "healthy",
			"service": "otp-auth-service",
		}, ""))
	})
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, authn)
		admin.RegisterRoutes(r, authn)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, logger, http.StatusNotFound, Response{
			Error: &ErrorBody{Code: "not_found", Message: "endpoint not found"},
		})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, logger, http.StatusMethodNotAllowed, Response{
			Error: &ErrorBody{Code: "method_not_allowed", Message: "method not allowed"},
		})
	})

	return router
}
