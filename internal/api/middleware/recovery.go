package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/pkg/logger"
)

// Recovery turns a handler panic into a 500 and logs it with the request id.
func Recovery(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					log.Error("Panic recovered",
						zap.String("request_id", logger.FromContext(r.Context())),
						zap.String("path", r.URL.Path),
						zap.Any("panic", err),
						zap.Stack("stack"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal error","code":"INTERNAL_ERROR","message":"internal error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
