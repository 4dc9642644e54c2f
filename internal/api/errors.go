// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"net/http"

	"github.com/inferqueue/inferqueue/internal/apperr"
)

// statusFor maps an apperr.Kind to its §7 transport code. Kinds this layer
// never sees (the Worker-only retryable kinds) fall through to 500.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.AuthFailed:
		return http.StatusUnauthorized
	case apperr.PermissionDenied:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.DuplicateJob:
		return http.StatusConflict
	case apperr.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a transport code and the §7 {detail: "..."}
// shape, leaking no internal exception text beyond the classified message.
func writeError(w http.ResponseWriter, err error) {
	if appErr, ok := apperr.As(err); ok {
		writeJSON(w, statusFor(appErr.Kind), ErrorResponse{Detail: appErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "internal error"})
}
