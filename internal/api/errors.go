package api

import (
	stderrors "errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// APIError maps domain errors onto HTTP responses with a stable shape.
type APIError struct {
	status  int
	Kind    string `json:"kind" doc:"Machine-readable error kind"`
	Message string `json:"message" doc:"Human-readable error message"`
}

func (e *APIError) Error() string { return e.Message }

// GetStatus implements huma.StatusError.
func (e *APIError) GetStatus() int { return e.status }

// ContentType returns the error response content type.
func (e *APIError) ContentType(_ string) string { return "application/json" }

// RegisterErrorHandler teaches huma to surface domain error kinds. Call
// once before registering routes.
func RegisterErrorHandler() {
	huma.NewError = func(status int, message string, errs ...error) huma.StatusError {
		for _, err := range errs {
			var de *errors.Error
			if stderrors.As(err, &de) {
				return &APIError{
					status:  de.HTTPStatus(),
					Kind:    string(de.Kind),
					Message: de.Message,
				}
			}
		}
		return &APIError{status: status, Kind: kindForStatus(status), Message: message}
	}
}

func kindForStatus(status int) string {
	switch {
	case status == 404:
		return string(errors.KindNotFound)
	case status == 409:
		return string(errors.KindConflict)
	case status == 401 || status == 403:
		return string(errors.KindUnauthorized)
	case status >= 400 && status < 500:
		return string(errors.KindInvalidData)
	default:
		return string(errors.KindFatal)
	}
}
