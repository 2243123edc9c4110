package api

import (
	"net/http"
	"strings"
)

// ExtractBearerToken pulls the credential from the Authorization header,
// accepting both "Bearer <token>" and a bare token.
func ExtractBearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return header
}
