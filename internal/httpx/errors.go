package httpx

import (
	"net/http"

	"github.com/sundayezeilo/shorty/internal/errx"
)

// ErrorKindToStatus maps errx.Kind to HTTP status codes.
func ErrorKindToStatus(kind errx.Kind) int {
	switch kind {
	case errx.NotFound:
		return http.StatusNotFound
	case errx.Conflict:
		return http.StatusConflict
	case errx.Invalid:
		return http.StatusBadRequest
	case errx.Unauthorized, errx.InvalidCredentials, errx.AuthRequired:
		return http.StatusUnauthorized
	case errx.Forbidden:
		return http.StatusForbidden
	case errx.Busy:
		return http.StatusTooManyRequests
	case errx.Unavailable:
		return http.StatusServiceUnavailable
	case errx.Server, errx.Network:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKindToCode maps errx.Kind to error codes for JSON responses.
func ErrorKindToCode(kind errx.Kind) string {
	switch kind {
	case errx.NotFound:
		return "not_found"
	case errx.Conflict:
		return "conflict"
	case errx.Invalid:
		return "invalid_input"
	case errx.Unauthorized:
		return "unauthorized"
	case errx.InvalidCredentials:
		return "invalid_credentials"
	case errx.AuthRequired:
		return "auth_required"
	case errx.Forbidden:
		return "forbidden"
	case errx.Busy:
		return "busy"
	case errx.Unavailable:
		return "unavailable"
	case errx.Server, errx.Network:
		return "bad_gateway"
	default:
		return "internal_error"
	}
}

// WriteKindError writes err using the status and code of its kind. Internal
// failures never leak their cause; message is used instead.
func WriteKindError(w http.ResponseWriter, err error, message string) {
	kind := errx.KindOf(err)
	status := ErrorKindToStatus(kind)
	if status < http.StatusInternalServerError && message == "" {
		message = errx.Message(err)
	}
	WriteError(w, status, ErrorKindToCode(kind), message, nil)
}
