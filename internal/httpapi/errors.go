package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"modelhub/internal/download"
	"modelhub/internal/hub"
	"modelhub/internal/manager"
	"modelhub/internal/remote"
	"modelhub/internal/repository"
	"modelhub/pkg/modelid"
	"modelhub/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case errors.Is(err, hub.ErrModelNotFound), manager.IsModelNotFound(err),
		errors.Is(err, repository.ErrNotFound), errors.Is(err, remote.ErrRepoNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrInvalidOperation), errors.Is(err, hub.ErrDownloadInProgress),
		errors.Is(err, repository.ErrAliasConflict):
		return http.StatusConflict
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	case download.IsAuthRequired(err):
		return http.StatusUnauthorized
	case manager.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, modelid.ErrInvalidID), errors.Is(err, hub.ErrUnsupportedRegistry),
		errors.Is(err, hub.ErrNoModel), errors.Is(err, repository.ErrInvalidModel):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err and writes it as a JSON error payload.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue")
	}
	writeJSONError(w, status, err.Error())
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
