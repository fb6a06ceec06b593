package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"omnigate/internal/domain"
	"omnigate/internal/store"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrUnavailable      = "storage unavailable"
	ErrBodyTooLarge     = "body too large"
	ErrInvalidSignature = "invalid signature"
	ErrBadChallenge     = "bad verification request"
	ErrForbidden        = "verify token mismatch"
	ErrUnknownChannel   = "unknown channel"
)

// writeError maps the error taxonomy onto status codes. Only unexpected
// errors are logged.
func writeError(w http.ResponseWriter, log *slog.Logger, msg string, err error, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrMissingFields), domain.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, store.ErrUnavailable):
		log.Error(msg, append(attrs, "err", err)...)
		http.Error(w, ErrUnavailable, http.StatusServiceUnavailable)
	default:
		log.Error(msg, append(attrs, "err", err)...)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}
