package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrUserNotFound means a login resolved to no Twitch account. Not actionable.
var ErrUserNotFound = errors.New("user not found")

// ErrUnauthorized means the access token was rejected. The credential manager
// is supposed to prevent this; callers treat it as fatal.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx Helix or OAuth response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api: status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the failure is worth retrying (rate limit, 5xx).
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// TokenProvider supplies a currently valid user access token.
type TokenProvider interface {
	Current() string
}

// HelixClient provides the moderation methods the enforcement worker needs.
type HelixClient struct {
	ClientID   string
	Tokens     TokenProvider
	BaseURL    string // defaults to https://api.twitch.tv
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return "https://api.twitch.tv"
}

func (hc *HelixClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+hc.Tokens.Current())
	return hc.http().Do(req)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/helix/users", nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	resp, err := hc.do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return "", err
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", ErrUserNotFound
	}
	return body.Data[0].ID, nil
}

// BanUser applies a timed chat suspension in the broadcaster's channel.
// Reissuing an identical suspension to an already-banned user is success, not
// an error; that makes redelivered verdicts safe to re-apply.
func (hc *HelixClient) BanUser(ctx context.Context, broadcasterID, moderatorID, userID string, duration time.Duration, reason string) error {
	if broadcasterID == "" || userID == "" {
		return fmt.Errorf("broadcasterID/userID empty")
	}
	if moderatorID == "" {
		moderatorID = broadcasterID
	}
	payload := map[string]any{
		"data": map[string]any{
			"user_id":  userID,
			"duration": int(duration.Seconds()),
			"reason":   reason,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, hc.base()+"/helix/moderation/bans", bytes.NewReader(b))
	q := req.URL.Query()
	q.Set("broadcaster_id", broadcasterID)
	q.Set("moderator_id", moderatorID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(string(body)), "already banned") {
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, string(body))
	}
	return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
}

// SendWhisper sends a direct message from the bot account to a user.
// Callers treat failure as tolerable; a missing notification never blocks
// enforcement.
func (hc *HelixClient) SendWhisper(ctx context.Context, fromUserID, toUserID, message string) error {
	if fromUserID == "" || toUserID == "" {
		return fmt.Errorf("fromUserID/toUserID empty")
	}
	b, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, hc.base()+"/helix/whispers", bytes.NewReader(b))
	q := req.URL.Query()
	q.Set("from_user_id", fromUserID)
	q.Set("to_user_id", toUserID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, string(body))
	}
	return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, string(body))
	}
	return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
}
