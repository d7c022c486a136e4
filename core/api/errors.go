// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/auth"
	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/shares"
	"duckpond.io/duckpond/core/tablelock"
	"duckpond.io/duckpond/core/tables"
	"duckpond.io/duckpond/core/workspaces"
)

// Error is the default error class for the api package.
var Error = errs.Class("api")

// ErrValidation marks malformed request input.
var ErrValidation = errs.Class("validation")

const (
	contentType     = "Content-Type"
	applicationJSON = "application/json"
)

// errorPayload is the error body shape every surface shares.
type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// statusOf maps an error to its HTTP status and the short error kind
// reported in the body.
func statusOf(err error) (status int, kind string) {
	switch {
	case ErrValidation.Has(err), tables.ErrInvalidInput.Has(err), layout.Error.Has(err):
		return http.StatusBadRequest, "validation"
	case auth.ErrUnauthorized.Has(err):
		return http.StatusUnauthorized, "unauthorized"
	case auth.ErrForbidden.Has(err), shares.ErrNotShared.Has(err):
		return http.StatusForbidden, "forbidden"
	case catalog.ErrNotFound.Has(err):
		return http.StatusNotFound, "not_found"
	case catalog.ErrAlreadyExists.Has(err):
		return http.StatusConflict, "conflict"
	case workspaces.ErrExpired.Has(err):
		return http.StatusGone, "gone"
	case tablelock.ErrTimeout.Has(err), tablelock.ErrBusy.Has(err):
		return http.StatusServiceUnavailable, "lock_timeout"
	case duck.EngineError.Has(err):
		if strings.Contains(err.Error(), "Constraint Error") {
			return http.StatusConflict, "conflict"
		}
		return http.StatusUnprocessableEntity, "engine_error"
	}
	return http.StatusInternalServerError, "internal"
}

// serveError writes the error body and any status-mandated headers.
func (server *Server) serveError(w http.ResponseWriter, err error) {
	status, kind := statusOf(err)

	message := err.Error()
	if base := errs.Unwrap(err); base != nil && duck.EngineError.Has(err) {
		message = base.Error()
	}

	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", "Bearer")
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}

	server.serveErrorBody(w, status, errorPayload{Error: kind, Message: message})
}

func (server *Server) serveErrorBody(w http.ResponseWriter, status int, payload errorPayload) {
	w.Header().Set(contentType, applicationJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		server.log.Error("failed to write json error response", zap.Error(Error.Wrap(err)))
	}
}

// serveJSON writes a JSON response body.
func (server *Server) serveJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set(contentType, applicationJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		server.log.Error("failed to encode json response", zap.Error(Error.Wrap(err)))
	}
}

// decodeJSON reads the request body into value. An empty body leaves
// value untouched so optional bodies stay optional.
func decodeJSON(r *http.Request, value any) error {
	if err := json.NewDecoder(r.Body).Decode(value); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return ErrValidation.New("invalid json body: %v", err)
	}
	return nil
}
