// Package server HTTP handlers and their shared dependencies.
package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db          *sql.DB
	redirectURI string
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(db *sql.DB, redirectURI string) *Handlers {
	return &Handlers{db: db, redirectURI: redirectURI}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to write response", slog.Any("err", err), slog.String("component", "http"))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
