package account

import (
	"strings"
	"time"
)

// OAuthToken is the credential set returned by the authorization server.
type OAuthToken struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	TokenType        string
	Scopes           []string
	SubscriptionType string
}

// IsExpired reports whether the token is expired at the given instant.
func (t *OAuthToken) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// ExpiresWithin reports whether the token expires within d of now. The
// refresh scheduler uses this with the configured lead time.
func (t *OAuthToken) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(d))
}

// tokenResponse is the wire shape of the OAuth token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	Subscription string `json:"subscription_type"`
}

// toToken converts a wire response into an OAuthToken. When the server
// omits the refresh token the previous one is kept.
func (r *tokenResponse) toToken(now time.Time, prevRefresh string) *OAuthToken {
	refresh := r.RefreshToken
	if refresh == "" {
		refresh = prevRefresh
	}
	var scopes []string
	if r.Scope != "" {
		scopes = strings.Fields(r.Scope)
	}
	return &OAuthToken{
		AccessToken:      r.AccessToken,
		RefreshToken:     refresh,
		ExpiresAt:        now.Add(time.Duration(r.ExpiresIn) * time.Second),
		TokenType:        r.TokenType,
		Scopes:           scopes,
		SubscriptionType: r.Subscription,
	}
}
