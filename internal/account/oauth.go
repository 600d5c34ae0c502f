package account

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// OAuth error kinds. Refresh errors split into terminal and transient:
// a rejected refresh token means the account must be disabled, a transient
// failure is retried with backoff while the old access token stays in use.
var (
	ErrExchangeFailed    = errors.New("oauth exchange failed")
	ErrMalformedResponse = errors.New("oauth response missing required fields")
	ErrRefreshRejected   = errors.New("oauth refresh token rejected")
	ErrRefreshTransient  = errors.New("oauth refresh transient failure")
)

// OAuthClient talks to the authorization server's token endpoint.
type OAuthClient struct {
	tokenURL     string
	authorizeURL string
	clientID     string
	redirectURI  string
	scope        string
	client       *http.Client
}

type OAuthOptions struct {
	TokenURL     string
	AuthorizeURL string
	ClientID     string
	RedirectURI  string
	Scope        string
	Timeout      time.Duration
}

func NewOAuthClient(opts OAuthOptions) *OAuthClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OAuthClient{
		tokenURL:     opts.TokenURL,
		authorizeURL: opts.AuthorizeURL,
		clientID:     opts.ClientID,
		redirectURI:  opts.RedirectURI,
		scope:        opts.Scope,
		client:       &http.Client{Timeout: timeout},
	}
}

// Exchange trades an authorization code plus the PKCE verifier for tokens.
func (o *OAuthClient) Exchange(ctx context.Context, code, verifier string) (*OAuthToken, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     o.clientID,
		"code":          code,
		"redirect_uri":  o.redirectURI,
		"code_verifier": verifier,
		"state":         verifier,
	})

	status, respBody, err := o.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrExchangeFailed, status, truncate(respBody, 200))
	}

	resp, err := parseTokenResponse(respBody)
	if err != nil {
		return nil, err
	}
	return resp.toToken(time.Now().UTC(), ""), nil
}

// Refresh trades a refresh token for a new token set. When the server does
// not rotate the refresh token the old one is carried forward.
func (o *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*OAuthToken, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     o.clientID,
	})

	status, respBody, err := o.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshTransient, err)
	}
	if status < 200 || status > 299 {
		if refreshRejected(status) {
			return nil, fmt.Errorf("%w: status %d: %s", ErrRefreshRejected, status, truncate(respBody, 200))
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrRefreshTransient, status, truncate(respBody, 200))
	}

	resp, err := parseTokenResponse(respBody)
	if err != nil {
		return nil, err
	}
	return resp.toToken(time.Now().UTC(), refreshToken), nil
}

// AuthorizeURL builds the browser URL that starts a PKCE login flow.
func (o *OAuthClient) AuthorizeURL(state, challenge string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", o.clientID)
	q.Set("redirect_uri", o.redirectURI)
	q.Set("scope", o.scope)
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("code", "true")
	return o.authorizeURL + "?" + q.Encode()
}

// RedirectURI returns the callback registered with the authorization server.
func (o *OAuthClient) RedirectURI() string { return o.redirectURI }

func (o *OAuthClient) post(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.tokenURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func parseTokenResponse(body []byte) (*tokenResponse, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.AccessToken == "" || resp.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, truncate(body, 200))
	}
	return &resp, nil
}

// refreshRejected classifies a token-endpoint status as a terminal refusal
// of the refresh token. Server-side errors and throttling stay retryable.
func refreshRejected(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// GeneratePKCE returns a code verifier and its S256 challenge. The verifier
// doubles as the flow's state key.
func GeneratePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	h := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h[:])
	return verifier, challenge, nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
