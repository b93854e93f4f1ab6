package http

import (
	"crypto/subtle"
	"net/http"

	"github.com/mkrupp/resizecache/internal/infra/logging"
)

const APIKeyHeader = "X-Api-Key"

// APIKeyMiddleware creates middleware that guards next with a shared secret.
// Requests whose X-Api-Key header does not match apiKey are rejected with 401.
func APIKeyMiddleware(next http.Handler, apiKey string, log logging.Logger) http.Handler {
	expected := []byte(apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get(APIKeyHeader)
		if provided == "" {
			log.WarnContext(r.Context(), "no api key provided")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)

			return
		}

		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			log.WarnContext(r.Context(), "invalid api key")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
