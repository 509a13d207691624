// Package server provides the HTTP API for creating, following and
// cancelling creator search runs.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/types"
)

// ErrForbidden indicates the run belongs to another caller
type ErrForbidden struct {
	RunID string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("run %s belongs to another user", e.RunID)
}

// ErrUnauthorized indicates the request carries no caller identity
type ErrUnauthorized struct{}

func (e *ErrUnauthorized) Error() string {
	return "authentication required"
}

// ErrValidation indicates a malformed path parameter or body
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validation *ErrValidation
		request    *types.ValidationError
		forbidden  *ErrForbidden
		unauth     *ErrUnauthorized
		transition *store.TransitionError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &request):
		return http.StatusBadRequest
	case errors.As(err, &unauth):
		return http.StatusUnauthorized
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &transition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
