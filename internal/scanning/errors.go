package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UpstreamError is returned when a recognition or completion service answers with a failure status
type UpstreamError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

// Transient reports whether the call may succeed if repeated
func (e *UpstreamError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// upstreamFromGoogleAPI converts a REST client error into an UpstreamError
func upstreamFromGoogleAPI(service string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		msg := gerr.Message
		if msg == "" {
			msg = gerr.Body
		}
		return &UpstreamError{Service: service, StatusCode: gerr.Code, Message: msg}
	}
	return fmt.Errorf("calling %s: %w", service, err)
}

// upstreamFromGRPC converts a gRPC status error into an UpstreamError
func upstreamFromGRPC(service string, err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.Unknown {
		return fmt.Errorf("calling %s: %w", service, err)
	}

	code := http.StatusInternalServerError
	switch st.Code() {
	case codes.ResourceExhausted:
		code = http.StatusTooManyRequests
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		code = http.StatusBadRequest
	case codes.PermissionDenied:
		code = http.StatusForbidden
	case codes.Unauthenticated:
		code = http.StatusUnauthorized
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.Unavailable:
		code = http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		code = http.StatusGatewayTimeout
	}
	return &UpstreamError{Service: service, StatusCode: code, Message: st.Message()}
}

// Retry calls fn and, if it failed with a transient upstream error, calls it exactly once more after pause.
// Client errors (400, 401, 403) are never retried.
func Retry[T any](ctx context.Context, pause time.Duration, fn func(context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	var uerr *UpstreamError
	if err == nil || !errors.As(err, &uerr) || !uerr.Transient() {
		return v, err
	}

	slog.Warn("Retrying upstream call", "service", uerr.Service, "status", uerr.StatusCode)
	select {
	case <-ctx.Done():
		return v, err
	case <-time.After(pause):
	}
	return fn(ctx)
}
