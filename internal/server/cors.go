package server

import (
	"net/http"
	"slices"

	"github.com/rs/cors"
)

// newCORS allows credentialed requests from the listed origins. Preflight
// requests are answered with 204 without reaching the API handlers;
// requests from other origins get no CORS headers.
func newCORS(origins []string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Correlation-ID", "X-Answer-Source"},
		AllowCredentials: true,
		MaxAge:           600,
	}
	// A literal "*" cannot be combined with credentials, so echo the origin.
	if slices.Contains(origins, "*") {
		opts.AllowedOrigins = nil
		opts.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(opts).Handler
}
