package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/chat-warden/db"
)

// HandleHealthz responds to liveness probe requests.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks.
// Ready means the database answers and a usable credential is on record.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"credential", func() error {
			cred, err := db.GetCredential(r.Context(), h.db)
			if errors.Is(err, db.ErrNoCredential) {
				return fmt.Errorf("no credential bootstrapped")
			}
			if err != nil {
				return err
			}
			if time.Now().After(cred.ExpiresAt()) {
				return fmt.Errorf("credential expired at %s", cred.ExpiresAt().UTC().Format(time.RFC3339))
			}
			return nil
		}},
	}

	failures := map[string]string{}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			failures[check.name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}
