package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func withAuthServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	server := httptest.NewServer(handler)
	old := AuthBaseURL
	AuthBaseURL = server.URL
	t.Cleanup(func() {
		AuthBaseURL = old
		server.Close()
	})
}

func TestRefreshToken(t *testing.T) {
	var gotForm map[string]string
	withAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"refresh_token": r.PostForm.Get("refresh_token"),
			"client_id":     r.PostForm.Get("client_id"),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
			"token_type":    "bearer",
		})
	})

	res, err := RefreshToken(context.Background(), "cid", "csecret", "old-refresh")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if res.AccessToken != "new-access" || res.RefreshToken != "new-refresh" || res.ExpiresIn != 3600 {
		t.Errorf("unexpected result %+v", res)
	}
	if gotForm["grant_type"] != "refresh_token" || gotForm["refresh_token"] != "old-refresh" || gotForm["client_id"] != "cid" {
		t.Errorf("unexpected form %+v", gotForm)
	}
}

func TestRefreshTokenRejected(t *testing.T) {
	withAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"message":"Invalid refresh token"}`))
	})

	_, err := RefreshToken(context.Background(), "cid", "csecret", "bogus")
	if err == nil {
		t.Fatal("expected error for rejected refresh")
	}
	if !strings.Contains(err.Error(), "Invalid refresh token") {
		t.Errorf("error should carry response body: %v", err)
	}
}

func TestRefreshTokenMissingParams(t *testing.T) {
	if _, err := RefreshToken(context.Background(), "", "csecret", "rt"); err == nil {
		t.Error("expected error for missing client id")
	}
	if _, err := RefreshToken(context.Background(), "cid", "csecret", ""); err == nil {
		t.Error("expected error for missing refresh token")
	}
}

func TestExchangeAuthCode(t *testing.T) {
	withAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("code"); got != "abc123" {
			t.Errorf("code = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"expires_in":    14400,
		})
	})

	res, err := ExchangeAuthCode(context.Background(), "cid", "csecret", "abc123", "http://localhost/callback")
	if err != nil {
		t.Fatalf("ExchangeAuthCode: %v", err)
	}
	if res.AccessToken != "at" || res.ExpiresIn != 14400 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExchangeAuthCodeMissingParams(t *testing.T) {
	if _, err := ExchangeAuthCode(context.Background(), "cid", "", "code", "uri"); err == nil {
		t.Error("expected error for missing secret")
	}
}
