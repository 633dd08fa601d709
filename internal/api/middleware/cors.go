package middleware

import (
	"net/http"

	"github.com/rs/cors"
	"go.uber.org/zap"
)

// CORS allows browser dashboards on the given origins to call the API. A
// wildcard origin is accepted with a warning.
func CORS(origins []string, log *zap.Logger) func(http.Handler) http.Handler {
	for _, origin := range origins {
		if origin == "*" && log != nil {
			log.Warn("CORS wildcard origin configured", zap.String("recommendation", "list dashboard origins explicitly"))
			break
		}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Idempotency-Key", ResponseRequestIDHeader, "traceparent"},
		ExposedHeaders:   []string{ResponseRequestIDHeader, TraceIDHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	return c.Handler
}
