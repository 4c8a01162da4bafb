package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

var defaultCORSOrigins = []string{
	"http://localhost:3000",
}

// CORS returns middleware that applies the API's allowed origin policy.
// An empty origins list falls back to local development only.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = defaultCORSOrigins
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type", IdempotencyKeyHeader, "X-Requested-With",
			HeaderTenantID, HeaderStoreID, HeaderActorID, HeaderActorRole,
		},
		ExposedHeaders:   []string{requestIDHeader, idempotentReplayHdr},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler
}
