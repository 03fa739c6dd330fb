package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chat-warden/db"
	"github.com/onnwee/chat-warden/telemetry"
	"github.com/onnwee/chat-warden/twitchapi"
)

type bootstrapRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
}

// HandleAuthBootstrap exchanges a one-time authorization code for an initial
// token pair and persists it. This is the manual seeding step that puts the
// renewal loop in business; it is run once per deployment or whenever the
// refresh token is lost.
func (h *Handlers) HandleAuthBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req bootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "client_id, client_secret and code are required")
		return
	}
	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = h.redirectURI
	}

	ctx := r.Context()
	logger := telemetry.LoggerWithCorr(ctx)

	res, err := twitchapi.ExchangeAuthCode(ctx, req.ClientID, req.ClientSecret, req.Code, redirectURI)
	if err != nil {
		logger.Error("auth code exchange failed", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "token exchange failed")
		return
	}

	cred := db.Credential{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresIn:    res.ExpiresIn,
		ObtainedAt:   twitchapi.ComputeObtainedAt(),
	}
	if err := db.UpsertCredential(ctx, h.db, cred); err != nil {
		logger.Error("failed to persist credential", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}

	logger.Info("credential bootstrapped", slog.Int("expires_in", res.ExpiresIn), slog.String("component", "http"))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"expires_in": res.ExpiresIn,
		"expires_at": cred.ExpiresAt().UTC().Format(time.RFC3339),
	})
}
