package server

import (
	"net/http"

	"github.com/google/uuid"
)

// withRequestID stamps every inbound request with an X-Request-Id header
// (generating one if the caller didn't supply it) so dispatcher/control-
// plane log lines can be correlated to a single request.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
