package server

import (
	"net/http"
	"time"

	"github.com/onnwee/chat-warden/db"
)

// HandleStatus returns a lightweight status summary: worker heartbeats and
// credential expiry. Intended for dashboards and quick curl checks, not for
// orchestration probes.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	for _, key := range []string{"job_classify_last", "job_enforce_last"} {
		v, err := db.GetKV(ctx, h.db, key)
		if err != nil || v == "" {
			resp[key] = nil
			continue
		}
		resp[key] = v
	}

	cred, err := db.GetCredential(ctx, h.db)
	if err == nil {
		expiresAt := cred.ExpiresAt().UTC()
		resp["credential"] = map[string]any{
			"expires_at":        expiresAt.Format(time.RFC3339),
			"seconds_remaining": int(time.Until(expiresAt).Seconds()),
		}
	} else {
		resp["credential"] = nil
	}

	writeJSON(w, http.StatusOK, resp)
}
