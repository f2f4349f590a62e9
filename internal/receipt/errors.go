package receipt

import (
	"errors"
	"net/http"

	"github.com/zombor/fuel-receipts/internal/scanning"
)

// Kind classifies extraction failures
type Kind int

const (
	// KindInternal is any unexpected failure
	KindInternal Kind = iota
	// KindInput is a missing, undecodable or oversized image
	KindInput
	// KindAuth is a missing or invalid bearer credential
	KindAuth
	// KindRateLimited is an upstream 429
	KindRateLimited
	// KindRejected is an upstream 400 or 403, or a write to a read-only catalog
	KindRejected
	// KindNotFound is an unknown catalog entry
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindAuth:
		return "authentication"
	case KindRateLimited:
		return "rate_limited"
	case KindRejected:
		return "rejected"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is a typed extraction failure
type Error struct {
	Kind    Kind
	Message string
	// Status is the upstream status for KindRejected
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus is the status code the error is reported with
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInput:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindRejected:
		if e.Status == http.StatusForbidden {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func inputError(message string) *Error {
	return &Error{Kind: KindInput, Message: message}
}

func authError(message string, err error) *Error {
	return &Error{Kind: KindAuth, Message: message, Err: err}
}

// classify maps a collaborator failure onto the error taxonomy
func classify(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	if errors.Is(err, ErrFuelTypeNotFound) {
		return &Error{Kind: KindNotFound, Message: "fuel type not found", Err: err}
	}
	if errors.Is(err, scanning.ErrUnreadableImage) {
		return &Error{Kind: KindInput, Message: "unsupported or corrupt image", Err: err}
	}

	var uerr *scanning.UpstreamError
	if errors.As(err, &uerr) {
		switch uerr.StatusCode {
		case http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimited, Message: uerr.Service + " rate limit exceeded, try again later", Status: uerr.StatusCode, Err: err}
		case http.StatusBadRequest, http.StatusForbidden:
			return &Error{Kind: KindRejected, Message: uerr.Error(), Status: uerr.StatusCode, Err: err}
		}
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
}
