package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/api/middleware"
	"github.com/releaseplane/engine/internal/api/types"
	"github.com/releaseplane/engine/internal/api/validators"
	appErr "github.com/releaseplane/engine/pkg/errors"
	"github.com/releaseplane/engine/pkg/logger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, types.APIResponse{Success: true, Data: data, Meta: &types.Meta{RequestID: middleware.GetRequestID(r.Context())}})
}

func writeList[T any](w http.ResponseWriter, r *http.Request, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, types.APIResponse{
		Success: true,
		Data:    items,
		Meta:    &types.Meta{RequestID: middleware.GetRequestID(r.Context()), Total: int64(len(items))},
	})
}

// writeUpsert answers 201 when the call created the object and 200 when it
// matched an existing one.
func writeUpsert(w http.ResponseWriter, r *http.Request, data any, created bool) {
	if created {
		writeData(w, r, http.StatusCreated, data)
		return
	}
	writeData(w, r, http.StatusOK, data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := types.StatusOf(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, types.APIResponse{Success: false, Error: types.FromAppError(err)})
}

func writeErrorStr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.APIResponse{Success: false, Error: &types.APIError{Code: string(appErr.CodeInvalid), Message: msg}})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	if !decode(w, r, v) {
		return false
	}
	if err := validators.New().Struct(v); err != nil {
		writeErrorStr(w, http.StatusBadRequest, validators.Message(err))
		return false
	}
	return true
}

// pathID parses the named URL parameter as a uuid.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
