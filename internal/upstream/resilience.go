package upstream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// callGuard serializes access to the backend behind a token-bucket rate
// limiter and a circuit breaker. The breaker trips on consecutive transport
// failures so a dead backend is not hammered by pollers.
type callGuard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

func newCallGuard(requestsPerSec float64, burst int) *callGuard {
	if requestsPerSec <= 0 {
		requestsPerSec = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &callGuard{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), burst),
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "extraction-backend",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (g *callGuard) do(ctx context.Context, call func() (*http.Response, error)) (*http.Response, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.breaker.Execute(call)
}

// IsCircuitOpen reports whether the error came from a tripped breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// isTransient reports whether an error is worth retrying: transport
// failures, timeouts, and retryable HTTP statuses. Context cancellation
// is handled by retry.Context and excluded here.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsCircuitOpen(err) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return isRetryableHTTPStatus(statusErr.Code)
	}

	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}

func isRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
