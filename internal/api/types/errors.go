package types

import (
	"net/http"

	appErr "github.com/releaseplane/engine/pkg/errors"
)

func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	return &APIError{Code: string(appErr.CodeOf(err)), Message: appErr.MessageOf(err), Details: appErr.MetaOf(err)}
}

// StatusOf maps an error code to its HTTP status.
func StatusOf(err error) int {
	switch appErr.CodeOf(err) {
	case appErr.CodeInvalid:
		return http.StatusBadRequest
	case appErr.CodeNotFound:
		return http.StatusNotFound
	case appErr.CodeConflict, appErr.CodeAlreadyExists:
		return http.StatusConflict
	case appErr.CodeUnauthorized:
		return http.StatusUnauthorized
	case appErr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
