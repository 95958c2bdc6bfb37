package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	callerIDKey  contextKey = "caller_id"
	requestIDKey contextKey = "request_id"
)

func setCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerIDKey, id)
}

// GetCallerID returns the caller identity attached by the Identify middleware.
func GetCallerID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(callerIDKey).(string)
	return id, ok
}

func setRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request id attached by the RequestID middleware.
func GetRequestID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(requestIDKey).(string)
	return id, ok
}
