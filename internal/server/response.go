package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/contextforge/forgehost/internal/config/store"
	"github.com/contextforge/forgehost/internal/session"
)

// Response is the uniform JSON envelope returned by every endpoint.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// writeData writes a success envelope with the given HTTP status code.
func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Success: true, Data: data}); err != nil {
		log.Printf("[APIServer] failed to write response: %v", err)
	}
}

// writeError writes a failure envelope with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Error: message}); err != nil {
		log.Printf("[APIServer] failed to write error response: %v", err)
	}
}

// writeOperationError maps domain errors onto HTTP status codes.
func writeOperationError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case store.IsAlreadyExists(err):
		writeError(w, http.StatusConflict, err.Error())
	case session.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case session.IsAuthError(err):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, session.ErrCannotDeleteActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNoActiveProfile):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, new(session.UnrecoverableResetError)):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
