// Package httpmw provides HTTP middleware shared by toolgate's servers.
package httpmw

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS wraps a handler with a permissive-by-configuration CORS policy. An
// empty origin list allows every origin, matching local-development use.
func CORS(handler http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Mcp-Session-Id"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	})
	return c.Handler(handler)
}
