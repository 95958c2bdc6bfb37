package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// CallerIDHeader carries the caller identity the SPA sends with every request.
const CallerIDHeader = "X-Caller-ID"

// RequestIDHeader is echoed back so clients can correlate responses with logs.
const RequestIDHeader = "X-Request-ID"

const anonymousCaller = "anonymous"

// Identify attaches the caller identity from the request header to the
// context. Requests without the header are treated as anonymous.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(CallerIDHeader)
		if caller == "" {
			caller = anonymousCaller
		}
		next.ServeHTTP(w, r.WithContext(setCallerID(r.Context(), caller)))
	})
}

// RequestID assigns each request a uuid, honoring one supplied by the client.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(setRequestID(r.Context(), id)))
	})
}
