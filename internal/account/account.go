package account

import "time"

// Account is a persisted identity holding one set of OAuth credentials.
// The name is the primary key. Tokens are held decrypted in memory; the
// store encrypts them at rest.
type Account struct {
	Name         string     `json:"name"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    time.Time  `json:"tokenExpiresAt"`
	Email        string     `json:"email,omitempty"`
	DisplayName  string     `json:"displayName,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	UseCount     int64      `json:"useCount"`
}

// TokenExpired reports whether the access token is past its expiry at now.
func (a *Account) TokenExpired(now time.Time) bool {
	return !a.ExpiresAt.After(now)
}

// Clone returns a copy safe to hand out across goroutines.
func (a *Account) Clone() *Account {
	c := *a
	if a.LastUsedAt != nil {
		t := *a.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// RateLimit is a per-account marker declaring the account ineligible until
// ResetsAt. A marker whose reset instant is not in the future is logically
// absent.
type RateLimit struct {
	AccountName string    `json:"accountName"`
	LimitedAt   time.Time `json:"limitedAt"`
	ResetsAt    time.Time `json:"resetsAt"`
	TriggeredBy string    `json:"triggeredBy,omitempty"`
}

// Active reports whether the marker still excludes the account at now.
// Exactly at ResetsAt the marker counts as expired.
func (r *RateLimit) Active(now time.Time) bool {
	return r.ResetsAt.After(now)
}

// Flow is an in-progress PKCE authorization attempt, keyed by the state
// value (the code verifier). Flows are consumed once and deleted; expired
// flows are invisible.
type Flow struct {
	State         string    `json:"state"`
	AccountName   string    `json:"accountName"`
	CodeChallenge string    `json:"codeChallenge"`
	RedirectURI   string    `json:"redirectUri"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the flow is past its expiry at now.
func (f *Flow) Expired(now time.Time) bool {
	return !f.ExpiresAt.After(now)
}
