// Package errs defines the error taxonomy surfaced to clients.
//
// Callers wrap a sentinel with fmt.Errorf("%w: detail", errs.ErrX) and the
// transport layers translate it with Code and HTTPStatus.
package errs

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrRateLimited      = errors.New("rate limited")
	ErrBadRequest       = errors.New("bad request")
	ErrTooLarge         = errors.New("too large")
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// wire codes
const (
	CodeUnauthorized     = "unauthorized"
	CodeValidation       = "validation"
	CodeNotFound         = "not_found"
	CodeStoreUnavailable = "store_unavailable"
	CodeRateLimited      = "rate_limited"
	CodeBadRequest       = "bad_request"
	CodeTooLarge         = "too_large"
	CodeUnsupportedMedia = "unsupported_media"
	CodeInternal         = "internal"
)

// Code maps err to the code sent in a failed response frame.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrTooLarge):
		return CodeTooLarge
	case errors.Is(err, ErrUnsupportedMedia):
		return CodeUnsupportedMedia
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err to the status used by the HTTP API.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeValidation, CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}
