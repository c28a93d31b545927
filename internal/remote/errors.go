package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies remote API failures into the retry taxonomy.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindTimeout    ErrorKind = "timeout"
	KindValidation ErrorKind = "validation"
	KindPermission ErrorKind = "permission"
	KindNotFound   ErrorKind = "not_found"
	KindRateLimit  ErrorKind = "rate_limit"
	KindServer     ErrorKind = "server"
	KindConflict   ErrorKind = "conflict"
)

// APIError carries the classified failure. Message is safe to show to a
// user; Detail keeps the internal cause.
type APIError struct {
	Kind       ErrorKind
	Message    string
	Detail     string
	StatusCode int
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure may succeed on a later attempt.
// Validation, permission, not-found and conflict errors require action
// from the caller instead.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimit, KindServer:
		return true
	}
	return false
}

// AsAPIError unwraps err into an *APIError when possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// userMessages maps kinds to the message shown to users; the internal
// detail is kept separately.
var userMessages = map[ErrorKind]string{
	KindNetwork:    "No hay conexión con el servidor",
	KindTimeout:    "La operación tardó demasiado",
	KindValidation: "Los datos enviados no son válidos",
	KindPermission: "No tienes permisos para esta operación",
	KindNotFound:   "El registro solicitado no existe",
	KindRateLimit:  "Demasiadas solicitudes, espera un momento",
	KindServer:     "Error del servidor, intenta de nuevo",
	KindConflict:   "El registro fue modificado por otro usuario",
}

func newAPIError(kind ErrorKind, detail string) *APIError {
	return &APIError{Kind: kind, Message: userMessages[kind], Detail: detail}
}

// classifyStatus maps an HTTP response to an APIError, honoring the
// Retry-After header on rate limits.
func classifyStatus(status int, body string, header http.Header) *APIError {
	var kind ErrorKind
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = KindValidation
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindPermission
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusConflict:
		kind = KindConflict
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	default:
		kind = KindServer
	}

	err := newAPIError(kind, body)
	err.StatusCode = status
	if kind == KindRateLimit {
		if secs, parseErr := strconv.Atoi(header.Get("Retry-After")); parseErr == nil && secs > 0 {
			err.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return err
}
