package middleware

import (
	"net/http"

	"github.com/dskow/cacheproxy/internal/apierror"
)

// BodyLimit returns middleware that limits the size of request bodies.
// Requests whose Content-Length exceeds maxBytes are rejected with 413 before
// the handler runs; other bodies are wrapped with http.MaxBytesReader so
// handlers see *http.MaxBytesError on overflow.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteBodyLimitError(w, r)
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteBodyLimitError writes a 413 JSON error response.
func WriteBodyLimitError(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge,
		"request body exceeds maximum allowed size")
}
