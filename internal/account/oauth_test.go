package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newOAuthTestClient(handler http.HandlerFunc) (*OAuthClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := NewOAuthClient(OAuthOptions{
		TokenURL:     srv.URL + "/token",
		AuthorizeURL: srv.URL + "/authorize",
		ClientID:     "client-id",
		RedirectURI:  "https://example.com/callback",
		Scope:        "user:inference",
		Timeout:      2 * time.Second,
	})
	return client, srv
}

func TestExchangeSuccess(t *testing.T) {
	client, srv := newOAuthTestClient(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["grant_type"] != "authorization_code" || req["code"] != "the-code" {
			t.Errorf("unexpected request: %v", req)
		}
		if req["code_verifier"] != "the-verifier" {
			t.Errorf("verifier not sent: %v", req)
		}
		fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","expires_in":3600,"token_type":"Bearer","scope":"user:inference","subscription_type":"max"}`)
	})
	defer srv.Close()

	tok, err := client.Exchange(context.Background(), "the-code", "the-verifier")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" {
		t.Fatalf("token mismatch: %+v", tok)
	}
	if tok.SubscriptionType != "max" {
		t.Fatalf("subscription not parsed: %+v", tok)
	}
	remaining := time.Until(tok.ExpiresAt)
	if remaining < 59*time.Minute || remaining > 61*time.Minute {
		t.Fatalf("expiry not ~1h out: %v", tok.ExpiresAt)
	}
}

func TestExchangeNon2xxFails(t *testing.T) {
	client, srv := newOAuthTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	})
	defer srv.Close()

	_, err := client.Exchange(context.Background(), "bad-code", "v")
	if !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("expected ErrExchangeFailed, got %v", err)
	}
}

func TestExchangeMalformedResponse(t *testing.T) {
	client, srv := newOAuthTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"token_type":"Bearer"}`)
	})
	defer srv.Close()

	_, err := client.Exchange(context.Background(), "code", "v")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestRefreshSuccessKeepsOldRefreshToken(t *testing.T) {
	client, srv := newOAuthTestClient(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["grant_type"] != "refresh_token" || req["refresh_token"] != "old-refresh" {
			t.Errorf("unexpected request: %v", req)
		}
		// Server does not rotate the refresh token.
		fmt.Fprint(w, `{"access_token":"new-at","expires_in":3600}`)
	})
	defer srv.Close()

	tok, err := client.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tok.AccessToken != "new-at" {
		t.Fatalf("access token mismatch: %+v", tok)
	}
	if tok.RefreshToken != "old-refresh" {
		t.Fatalf("old refresh token should carry forward, got %q", tok.RefreshToken)
	}
}

func TestRefreshRejectedIsTerminal(t *testing.T) {
	for _, status := range []int{400, 401, 403} {
		client, srv := newOAuthTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := client.Refresh(context.Background(), "dead-refresh")
		srv.Close()
		if !errors.Is(err, ErrRefreshRejected) {
			t.Fatalf("status %d: expected ErrRefreshRejected, got %v", status, err)
		}
	}
}

func TestRefreshServerErrorIsTransient(t *testing.T) {
	for _, status := range []int{429, 500, 503} {
		client, srv := newOAuthTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := client.Refresh(context.Background(), "rt")
		srv.Close()
		if !errors.Is(err, ErrRefreshTransient) {
			t.Fatalf("status %d: expected ErrRefreshTransient, got %v", status, err)
		}
	}
}

func TestRefreshNetworkErrorIsTransient(t *testing.T) {
	client := NewOAuthClient(OAuthOptions{
		TokenURL: "http://127.0.0.1:1/token", // nothing listens here
		ClientID: "client-id",
		Timeout:  time.Second,
	})
	_, err := client.Refresh(context.Background(), "rt")
	if !errors.Is(err, ErrRefreshTransient) {
		t.Fatalf("expected ErrRefreshTransient, got %v", err)
	}
}

func TestAuthorizeURL(t *testing.T) {
	client := NewOAuthClient(OAuthOptions{
		AuthorizeURL: "https://auth.example.com/oauth/authorize",
		ClientID:     "client-id",
		RedirectURI:  "https://example.com/callback",
		Scope:        "user:inference",
	})

	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("pkce: %v", err)
	}
	if verifier == "" || challenge == "" || verifier == challenge {
		t.Fatalf("bad pkce pair: %q %q", verifier, challenge)
	}

	u := client.AuthorizeURL(verifier, challenge)
	for _, want := range []string{
		"code_challenge=" + challenge,
		"code_challenge_method=S256",
		"state=" + verifier,
		"client_id=client-id",
	} {
		if !strings.Contains(u, want) {
			t.Fatalf("authorize url missing %q: %s", want, u)
		}
	}
}
