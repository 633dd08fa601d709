package middleware

import "net/http"

// DefaultMaxBodyBytes bounds a single event submission.
const DefaultMaxBodyBytes = 256 * 1024

// MaxBodySize limits the request body of POST, PUT and PATCH requests to max
// bytes. Handlers see the overflow as a read error from the body.
func MaxBodySize(max int64) func(http.Handler) http.Handler {
	if max <= 0 {
		max = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
