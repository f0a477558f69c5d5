package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Capstone-E1/aquasmart_edge/internal/ws"
)

// RouteConfig tunes the HTTP boundary
type RouteConfig struct {
	AllowedOrigins []string
	IngestRate     rate.Limit // sustained POST /samples requests per second
	IngestBurst    int
}

// SetupRoutes configures all HTTP routes of the edge controller
func SetupRoutes(handlers *Handlers, wsHub *ws.Hub, cfg RouteConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(handlers.logger))
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", handlers.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Sample ingest for gateways without MQTT
		r.With(rateLimit(cfg.IngestRate, cfg.IngestBurst)).Post("/samples", handlers.IngestSamples)

		r.Route("/readings", func(r chi.Router) {
			r.Get("/latest", handlers.GetLatestReadings)
			r.Get("/{channel}", handlers.GetChannelReadings)
		})

		r.Get("/features/latest", handlers.GetLatestFeatures)
		r.Get("/risk/latest", handlers.GetLatestRisk)

		r.Route("/thresholds", func(r chi.Router) {
			r.Get("/active", handlers.GetActiveThresholds)
			r.Get("/history", handlers.GetThresholdHistory)
			r.Post("/rollback/{generation}", handlers.RollbackThresholds)
		})

		r.Get("/actuator/commands", handlers.GetActuatorCommands)
		r.Get("/alerts", handlers.GetAlerts)

		r.Route("/control", func(r chi.Router) {
			r.Get("/state", handlers.GetControlState)
			r.Post("/reset", handlers.ResetControl)
		})

		r.Route("/optimizer", func(r chi.Router) {
			r.Post("/run", handlers.RunOptimizer)
			r.Get("/last", handlers.GetOptimizerLast)
		})

		r.Get("/jobs", handlers.GetJobExecutions)

		// Export routes for data history
		r.Route("/export", func(r chi.Router) {
			r.Get("/history.xlsx", handlers.ExportHistoryExcel)
			r.Get("/history.csv", handlers.ExportHistoryCSV)
		})
	})

	// WebSocket route for real-time updates
	if wsHub != nil {
		r.HandleFunc("/ws", wsHub.HandleWebSocket)
	}

	return r
}

// rateLimit rejects requests beyond the sustained rate with 429
func rateLimit(limit rate.Limit, burst int) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs every request with zerolog
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("took", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
