// Package token owns the lifetime of the Twitch user credential: it loads the
// persisted token pair at startup, renews the access token ahead of expiry on
// a self-rescheduling timer, and publishes the current token to the pipeline
// workers through a race-free accessor. Only the manager ever writes the
// credential.
package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/chat-warden/db"
	"github.com/onnwee/chat-warden/telemetry"
	"github.com/onnwee/chat-warden/twitchapi"
)

// Store persists the credential record. Save must replace the record
// atomically so a concurrent Load never observes a torn write.
type Store interface {
	Load(ctx context.Context) (db.Credential, error)
	Save(ctx context.Context, c db.Credential) error
}

// RefreshFunc exchanges a refresh token for a new token pair.
type RefreshFunc func(ctx context.Context, clientID, clientSecret, refreshToken string) (access, refresh string, expiresIn int, err error)

// TwitchRefresh adapts twitchapi.RefreshToken to RefreshFunc.
func TwitchRefresh(ctx context.Context, clientID, clientSecret, refreshToken string) (string, string, int, error) {
	res, err := twitchapi.RefreshToken(ctx, clientID, clientSecret, refreshToken)
	if err != nil {
		return "", "", 0, err
	}
	return res.AccessToken, res.RefreshToken, res.ExpiresIn, nil
}

// Manager keeps the stored access token valid for the lifetime of the process.
type Manager struct {
	store   Store
	refresh RefreshFunc
	margin  time.Duration
	now     func() time.Time

	mu   sync.RWMutex
	cred db.Credential

	fatal chan error
}

// NewManager builds a Manager; margin is the safety window before expiry at
// which renewal fires (e.g. 300s).
func NewManager(store Store, refresh RefreshFunc, margin time.Duration) *Manager {
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &Manager{
		store:   store,
		refresh: refresh,
		margin:  margin,
		now:     time.Now,
		fatal:   make(chan error, 1),
	}
}

// Current returns the access token that was valid at read time. A read racing
// a renewal sees either the old-but-still-valid token or the new one.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.AccessToken
}

// ExpiresAt returns the absolute expiry of the current access token.
func (m *Manager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.ExpiresAt()
}

// Fatal delivers the terminal error when renewal can no longer keep the
// credential valid. Continuing with an expired token would just fail every
// API call, so the process should stop and alert.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// Start loads the credential and begins the renewal loop. If the token is
// already inside the refresh margin it is renewed synchronously before Start
// returns, so callers never run with a nearly-expired token.
func (m *Manager) Start(ctx context.Context) error {
	cred, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()

	if m.remaining() <= m.margin {
		slog.Info("stored token inside refresh margin; renewing before start",
			slog.Time("expires_at", cred.ExpiresAt()), slog.String("component", "token_manager"))
		if err := m.renewWithRetry(ctx); err != nil {
			return fmt.Errorf("initial renewal: %w", err)
		}
	}

	go m.run(ctx)
	return nil
}

func (m *Manager) remaining() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.ExpiresAt().Sub(m.now())
}

// run sleeps until the next renewal point, renews, and reschedules off the
// new issuance time, forever.
func (m *Manager) run(ctx context.Context) {
	for {
		wait := m.remaining() - m.margin
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := m.renewWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("token renewal failed permanently", slog.Any("err", err), slog.String("component", "token_manager"))
			select {
			case m.fatal <- err:
			default:
			}
			return
		}
	}
}

// renewWithRetry retries transient failures with exponential backoff. It gives
// up when the exchange is rejected outright or when the hard expiry passes
// while still failing.
func (m *Manager) renewWithRetry(ctx context.Context) error {
	backoff := time.Second
	for {
		err := m.renewOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if permanentRefreshError(err) {
			return err
		}
		if m.now().After(m.expiresAtSnapshot()) {
			return fmt.Errorf("token hard expiry passed while renewal kept failing: %w", err)
		}
		slog.Warn("token refresh failed; retrying", slog.Any("err", err), slog.Duration("backoff", backoff), slog.String("component", "token_manager"))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func (m *Manager) expiresAtSnapshot() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.ExpiresAt()
}

// renewOnce performs one refresh exchange, persists the full new credential,
// then swaps the in-memory token.
func (m *Manager) renewOnce(ctx context.Context) error {
	m.mu.RLock()
	cur := m.cred
	m.mu.RUnlock()

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	access, refresh, expiresIn, err := m.refresh(rctx, cur.ClientID, cur.ClientSecret, cur.RefreshToken)
	if err != nil {
		return err
	}
	if access == "" {
		return errors.New("empty access token from refresh exchange")
	}
	if refresh == "" {
		refresh = cur.RefreshToken
	}
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	next := cur
	next.AccessToken = access
	next.RefreshToken = refresh
	next.ExpiresIn = expiresIn
	next.ObtainedAt = m.now().Unix()

	// Persist before publishing so a restart never resurrects a stale pair.
	if err := m.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	m.mu.Lock()
	m.cred = next
	m.mu.Unlock()
	telemetry.Inc(telemetry.TokenRefreshes)
	slog.Info("token refreshed", slog.Time("expires_at", next.ExpiresAt()), slog.String("component", "token_manager"))
	return nil
}

// permanentRefreshError reports whether the token endpoint rejected the
// exchange outright (revoked or malformed refresh token). Retrying cannot
// succeed; the operator has to re-bootstrap.
func permanentRefreshError(err error) bool {
	var apiErr *twitchapi.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
	}
	return false
}

// DBStore implements Store on the credentials table.
type DBStore struct {
	DB *sql.DB
}

func (s DBStore) Load(ctx context.Context) (db.Credential, error) {
	return db.GetCredential(ctx, s.DB)
}

func (s DBStore) Save(ctx context.Context, c db.Credential) error {
	return db.UpsertCredential(ctx, s.DB, c)
}
