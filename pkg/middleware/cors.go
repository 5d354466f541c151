package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS restricts cross-origin access to the configured dashboard origins.
// The session API uses GET, POST and DELETE only; the bearer token rides
// on every request, hence AllowCredentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	})

	return c.Handler
}
