package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/lumiscan/lumiscan-api/pkg/middleware"
)

// SetupRouter configures all routes and returns the HTTP handler
func SetupRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	jwtSecret := []byte(deps.Config.Auth.JWTSecret)
	if len(jwtSecret) == 0 {
		deps.Logger.Warn("JWT secret is empty; authenticated routes will reject requests")
	}

	// Middleware applied to authenticated JSON routes
	authenticated := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		handler = middleware.Auth(jwtSecret)(handler)
		if deps.Config.Server.RateLimitPerSecond > 0 && deps.Config.Server.RateLimitBurst > 0 {
			limiter := rate.NewLimiter(
				rate.Limit(float64(deps.Config.Server.RateLimitPerSecond)),
				deps.Config.Server.RateLimitBurst,
			)
			handler = middleware.RateLimit(limiter)(handler)
		}
		return handler
	}

	mux.Handle("POST /v1/analysis", authenticated(deps.AnalysisHandler.AnalyzeImage))
	mux.Handle("POST /v1/analysis/batch", authenticated(deps.AnalysisHandler.AnalyzeBatch))
	mux.Handle("GET /v1/credits/balance", authenticated(deps.BillingHandler.GetBalance))
	mux.Handle("GET /v1/credits/purchases", authenticated(deps.BillingHandler.ListPurchases))
	mux.Handle("GET /v1/usage", authenticated(deps.BillingHandler.ListUsage))
	mux.Handle("GET /v1/subscription", authenticated(deps.BillingHandler.GetSubscription))

	// Webhook ingress authenticates with an HMAC signature, not a user token
	mux.Handle("POST /v1/webhooks/billing", http.HandlerFunc(deps.WebhookHandler.HandleEvent))

	registerUtilityRoutes(mux, deps)

	// Outer chain applied to everything
	var handler http.Handler = mux
	handler = middleware.Logging(deps.Logger)(handler)
	handler = middleware.Recovery(deps.Logger)(handler)
	handler = middleware.RequestID("X-Request-ID")(handler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: deps.Config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept-Encoding",
			"Content-Type",
			"Authorization",
			"X-Request-ID",
		},
		AllowCredentials: true,
	})

	return corsHandler.Handler(handler)
}

// registerUtilityRoutes registers health check, metrics, and other utility routes
func registerUtilityRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.Health(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	deps.Logger.Info("registered health check", "path", "/health")

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	deps.Logger.Info("registered readiness check", "path", "/ready")

	if deps.Config.Observability.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		deps.Logger.Info("registered metrics endpoint", "path", "/metrics")
	}
}
