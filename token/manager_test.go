package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-warden/db"
	"github.com/onnwee/chat-warden/twitchapi"
)

type fakeStore struct {
	mu    sync.Mutex
	cred  db.Credential
	saves int
}

func (s *fakeStore) Load(ctx context.Context) (db.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, nil
}

func (s *fakeStore) Save(ctx context.Context, c db.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = c
	s.saves++
	return nil
}

func (s *fakeStore) snapshot() (db.Credential, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, s.saves
}

func freshCred(expiresIn int) db.Credential {
	return db.Credential{
		ClientID:     "cid",
		ClientSecret: "csecret",
		AccessToken:  "at-0",
		RefreshToken: "rt-0",
		ExpiresIn:    expiresIn,
		ObtainedAt:   time.Now().Unix(),
	}
}

func TestManagerDoesNotRenewEarly(t *testing.T) {
	store := &fakeStore{cred: freshCred(3600)}
	var calls int
	refresh := func(ctx context.Context, clientID, clientSecret, refreshToken string) (string, string, int, error) {
		calls++
		return "at-1", "rt-1", 3600, nil
	}
	m := NewManager(store, refresh, 5*time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if calls != 0 {
		t.Errorf("refresh called %d times before the margin point", calls)
	}
	if got := m.Current(); got != "at-0" {
		t.Errorf("Current = %q, want stored token", got)
	}
}

func TestManagerRenewsSynchronouslyInsideMargin(t *testing.T) {
	// 100s remaining, 300s margin: renewal must complete before Start returns.
	cred := freshCred(100)
	store := &fakeStore{cred: cred}
	refresh := func(ctx context.Context, clientID, clientSecret, refreshToken string) (string, string, int, error) {
		if refreshToken != "rt-0" {
			t.Errorf("refresh token = %q, want rt-0", refreshToken)
		}
		return "at-1", "rt-1", 3600, nil
	}
	m := NewManager(store, refresh, 5*time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := m.Current(); got != "at-1" {
		t.Errorf("Current = %q, want renewed token", got)
	}
	saved, saves := store.snapshot()
	if saves != 1 {
		t.Errorf("saves = %d, want 1", saves)
	}
	if saved.AccessToken != "at-1" || saved.RefreshToken != "rt-1" || saved.ExpiresIn != 3600 {
		t.Errorf("persisted credential = %+v", saved)
	}
	if saved.ClientID != "cid" || saved.ClientSecret != "csecret" {
		t.Error("client identity must persist across renewals")
	}
}

func TestStartupRenewalRetriesTransientFailure(t *testing.T) {
	// 100s remaining, 300s margin: the synchronous startup renewal must ride
	// out a transient blip instead of failing Start on the first error.
	store := &fakeStore{cred: freshCred(100)}
	var calls int
	refresh := func(ctx context.Context, clientID, clientSecret, refreshToken string) (string, string, int, error) {
		calls++
		if calls == 1 {
			return "", "", 0, &twitchapi.APIError{StatusCode: 503, Body: "unavailable"}
		}
		return "at-1", "rt-1", 3600, nil
	}
	m := NewManager(store, refresh, 5*time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if calls != 2 {
		t.Errorf("refresh calls = %d, want 2", calls)
	}
	if got := m.Current(); got != "at-1" {
		t.Errorf("Current = %q, want renewed token", got)
	}
}

func TestManagerSchedulesAndReschedules(t *testing.T) {
	// Tokens last 2s with a 1.5s margin: renewal fires ~0.5s after start and
	// again ~0.5s after the new issuance.
	store := &fakeStore{cred: freshCred(2)}
	var mu sync.Mutex
	var calls int
	refresh := func(ctx context.Context, clientID, clientSecret, refreshToken string) (string, string, int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return "at", "rt", 2, nil
	}
	m := NewManager(store, refresh, 1500*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(1300 * time.Millisecond)
	mu.Lock()
	got := calls
	mu.Unlock()
	if got < 2 {
		t.Errorf("refresh calls = %d, want recurring renewal (>=2)", got)
	}
}

func TestManagerKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	store := &fakeStore{cred: freshCred(100)}
	refresh := func(ctx context.Context, clientID, clientSecret, refreshToken string) (string, string, int, error) {
		return "at-1", "", 3600, nil
	}
	m := NewManager(store, refresh, 5*time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	saved, _ := store.snapshot()
	if saved.RefreshToken != "rt-0" {
		t.Errorf("refresh token = %q, want carried-over rt-0", saved.RefreshToken)
	}
}

func TestManagerFatalOnRejectedRefresh(t *testing.T) {
	store := &fakeStore{cred: freshCred(2)}
	refresh := func(ctx context.Context, clientID, clientSecret, refreshToken string) (string, string, int, error) {
		return "", "", 0, &twitchapi.APIError{StatusCode: 400, Body: "Invalid refresh token"}
	}
	m := NewManager(store, refresh, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case err := <-m.Fatal():
		if err == nil {
			t.Error("fatal channel delivered nil")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected fatal error after rejected refresh")
	}
}

func TestManagerRetriesTransientFailure(t *testing.T) {
	store := &fakeStore{cred: freshCred(30)}
	var mu sync.Mutex
	var calls int
	refresh := func(ctx context.Context, clientID, clientSecret, refreshToken string) (string, string, int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "", "", 0, errors.New("connection reset")
		}
		return "at-1", "rt-1", 3600, nil
	}
	m := NewManager(store, refresh, 29*time.Second) // fires almost immediately
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == "at-1" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("manager never recovered from transient refresh failure")
}
