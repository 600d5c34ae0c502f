// Package pool holds the in-memory view of every account and picks which
// one serves the next request. The store stays authoritative: state changes
// commit there first and the memory image follows.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/yansir/cc-rotator/internal/account"
	"github.com/yansir/cc-rotator/internal/events"
	"github.com/yansir/cc-rotator/internal/store"
)

// ErrNoEligibleAccount means every account is rate-limited, disabled, or
// holds an expired token. Callers translate this into a 503.
var ErrNoEligibleAccount = errors.New("no eligible account")

// ErrUnknownAccount means the named account is not in the pool.
var ErrUnknownAccount = errors.New("unknown account")

// State is the presentation state of an account as reported by Status.
type State string

const (
	StateAvailable   State = "available"
	StateInUse       State = "in_use"
	StateRateLimited State = "rate_limited"
	StateRefreshing  State = "refreshing"
	StateDisabled    State = "disabled"
)

type entry struct {
	acct             *account.Account
	rateLimitedUntil time.Time // zero when no active marker
	refreshing       bool
	disabled         bool
	disabledReason   string
	inFlight         int
}

type Pool struct {
	store *store.Store
	bus   *events.Bus
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func New(st *store.Store, bus *events.Bus) *Pool {
	return &Pool{
		store:   st,
		bus:     bus,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*entry),
	}
}

// Load replaces the in-memory image with the store's contents. Active
// rate-limit markers are carried over so restarts do not forget them.
func (p *Pool) Load(ctx context.Context) error {
	accounts, err := p.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	markers, err := p.store.AllLimited(ctx)
	if err != nil {
		return fmt.Errorf("load rate limits: %w", err)
	}

	limited := make(map[string]time.Time, len(markers))
	for _, m := range markers {
		limited[m.AccountName] = m.ResetsAt
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*entry, len(accounts))
	for _, a := range accounts {
		p.entries[a.Name] = &entry{
			acct:             a,
			rateLimitedUntil: limited[a.Name],
		}
	}
	return nil
}

// SelectOptions steer account selection for one rotation attempt.
type SelectOptions struct {
	// PreferredName, when set and eligible, wins over the ordering. It is
	// only honored on the first attempt of a request.
	PreferredName string
	// Exclude names already tried during this request.
	Exclude map[string]bool
}

// Select picks the account to serve the next request and marks it in use.
// Callers must pair every successful Select with a Release. Eligible
// accounts are ordered by (rate-limit expiry or zero, last used or epoch,
// name), all ascending.
func (p *Pool) Select(opts SelectOptions) (*account.Account, error) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if opts.PreferredName != "" && !opts.Exclude[opts.PreferredName] {
		if e, ok := p.entries[opts.PreferredName]; ok && p.eligibleLocked(e, now) {
			e.inFlight++
			return e.acct.Clone(), nil
		}
	}

	var candidates []*entry
	for name, e := range p.entries {
		if opts.Exclude[name] {
			continue
		}
		if p.eligibleLocked(e, now) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleAccount
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.rateLimitedUntil.Equal(b.rateLimitedUntil) {
			return a.rateLimitedUntil.Before(b.rateLimitedUntil)
		}
		au, bu := lastUsedOrEpoch(a.acct), lastUsedOrEpoch(b.acct)
		if !au.Equal(bu) {
			return au.Before(bu)
		}
		return a.acct.Name < b.acct.Name
	})

	chosen := candidates[0]
	chosen.inFlight++
	return chosen.acct.Clone(), nil
}

// Release ends the in-use hold taken by Select.
func (p *Pool) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[name]; ok && e.inFlight > 0 {
		e.inFlight--
	}
}

// eligibleLocked: no active marker, not disabled, token not expired. A
// marker whose reset instant equals now is already expired. Refreshing
// accounts stay eligible: the old token keeps serving until the new one
// lands.
func (p *Pool) eligibleLocked(e *entry, now time.Time) bool {
	if e.disabled {
		return false
	}
	if e.rateLimitedUntil.After(now) {
		return false
	}
	return !e.acct.TokenExpired(now)
}

func lastUsedOrEpoch(a *account.Account) time.Time {
	if a.LastUsedAt == nil {
		return time.Unix(0, 0)
	}
	return *a.LastUsedAt
}

// MarkUsed records that the account served a successful request.
func (p *Pool) MarkUsed(ctx context.Context, name string) error {
	if err := p.store.MarkUsed(ctx, name); err != nil {
		return err
	}

	p.mu.Lock()
	if e, ok := p.entries[name]; ok {
		t := p.now()
		e.acct.LastUsedAt = &t
		e.acct.UseCount++
	}
	p.mu.Unlock()

	p.bus.Publish(events.Event{Type: events.TypeMarkUsed, Account: name})
	return nil
}

// MarkRateLimited writes a marker and removes the account from rotation
// until resetsAt.
func (p *Pool) MarkRateLimited(ctx context.Context, name string, resetsAt time.Time, triggeredBy string) error {
	if _, err := p.store.MarkLimited(ctx, name, resetsAt, triggeredBy); err != nil {
		return err
	}

	p.mu.Lock()
	if e, ok := p.entries[name]; ok {
		e.rateLimitedUntil = resetsAt.UTC()
	}
	p.mu.Unlock()

	slog.Warn("account rate limited", "account", name, "resets_at", resetsAt, "triggered_by", triggeredBy)
	p.bus.Publish(events.Event{Type: events.TypeRateLimited, Account: name, ResetsAt: resetsAt, Message: triggeredBy})
	return nil
}

// MarkAvailable clears the rate-limit marker ahead of its expiry.
func (p *Pool) MarkAvailable(ctx context.Context, name string) error {
	if _, err := p.store.ClearRateLimit(ctx, name); err != nil {
		return err
	}

	p.mu.Lock()
	if e, ok := p.entries[name]; ok {
		e.rateLimitedUntil = time.Time{}
	}
	p.mu.Unlock()

	p.bus.Publish(events.Event{Type: events.TypeRecovered, Account: name})
	return nil
}

// ReplaceTokens commits a refreshed token set to the store and then to
// memory. Returns ErrUnknownAccount when the account was removed while the
// refresh was in flight.
func (p *Pool) ReplaceTokens(ctx context.Context, name, access, refresh string, expiresAt time.Time) error {
	updated, err := p.store.UpdateTokens(ctx, name, access, refresh, expiresAt)
	if err != nil {
		return err
	}
	if updated == nil {
		return fmt.Errorf("replace tokens for %q: %w", name, ErrUnknownAccount)
	}

	p.mu.Lock()
	if e, ok := p.entries[name]; ok {
		e.acct.AccessToken = updated.AccessToken
		e.acct.RefreshToken = updated.RefreshToken
		e.acct.ExpiresAt = updated.ExpiresAt
		e.acct.UpdatedAt = updated.UpdatedAt
	}
	p.mu.Unlock()

	p.bus.Publish(events.Event{Type: events.TypeTokensRefreshed, Account: name})
	return nil
}

// SetRefreshing claims the refresh slot for an account. Returns false when a
// refresh is already running, so only one refresh per account is in flight.
func (p *Pool) SetRefreshing(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[name]
	if !ok || e.refreshing {
		return false
	}
	e.refreshing = true
	return true
}

func (p *Pool) ClearRefreshing(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[name]; ok {
		e.refreshing = false
	}
}

// Disable removes an account from rotation for the life of the process.
// The store row is untouched: a restart (or re-login) brings it back.
func (p *Pool) Disable(name, reason string) {
	p.mu.Lock()
	if e, ok := p.entries[name]; ok {
		e.disabled = true
		e.disabledReason = reason
	}
	p.mu.Unlock()

	slog.Warn("account disabled", "account", name, "reason", reason)
	p.bus.Publish(events.Event{Type: events.TypeAccountDisabled, Account: name, Message: reason})
}

// Add inserts an already-persisted account into rotation.
func (p *Pool) Add(acct *account.Account) {
	p.mu.Lock()
	p.entries[acct.Name] = &entry{acct: acct.Clone()}
	p.mu.Unlock()

	p.bus.Publish(events.Event{Type: events.TypeAccountAdded, Account: acct.Name})
}

// Remove deletes the account from the store and the pool. Returns false
// when no such account existed.
func (p *Pool) Remove(ctx context.Context, name string) (bool, error) {
	deleted, err := p.store.DeleteAccount(ctx, name)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	delete(p.entries, name)
	p.mu.Unlock()

	if deleted {
		p.bus.Publish(events.Event{Type: events.TypeAccountRemoved, Account: name})
	}
	return deleted, nil
}

// Get returns a copy of the named account, or nil.
func (p *Pool) Get(name string) *account.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[name]; ok {
		return e.acct.Clone()
	}
	return nil
}

// Names returns the pool membership sorted by name.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of accounts in the pool, disabled included.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// RefreshCandidate pairs an account with its token expiry for the refresh
// scheduler.
type RefreshCandidate struct {
	Name      string
	ExpiresAt time.Time
}

// RefreshCandidates lists accounts worth refreshing: not disabled and not
// under an active rate-limit marker. Sorted by expiry, soonest first.
func (p *Pool) RefreshCandidates() []RefreshCandidate {
	now := p.now()

	p.mu.Lock()
	candidates := make([]RefreshCandidate, 0, len(p.entries))
	for name, e := range p.entries {
		if e.disabled || e.rateLimitedUntil.After(now) {
			continue
		}
		candidates = append(candidates, RefreshCandidate{Name: name, ExpiresAt: e.acct.ExpiresAt})
	}
	p.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ExpiresAt.Equal(candidates[j].ExpiresAt) {
			return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates
}

// Reload reconciles the pool against the store without dropping runtime
// state: in-flight counts, refreshing flags, and disabled flags survive for
// accounts that still exist.
func (p *Pool) Reload(ctx context.Context) error {
	accounts, err := p.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("reload accounts: %w", err)
	}
	markers, err := p.store.AllLimited(ctx)
	if err != nil {
		return fmt.Errorf("reload rate limits: %w", err)
	}

	limited := make(map[string]time.Time, len(markers))
	for _, m := range markers {
		limited[m.AccountName] = m.ResetsAt
	}

	var added, removed []string

	p.mu.Lock()
	seen := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		seen[a.Name] = true
		if e, ok := p.entries[a.Name]; ok {
			e.acct = a
			e.rateLimitedUntil = limited[a.Name]
		} else {
			p.entries[a.Name] = &entry{acct: a, rateLimitedUntil: limited[a.Name]}
			added = append(added, a.Name)
		}
	}
	for name := range p.entries {
		if !seen[name] {
			delete(p.entries, name)
			removed = append(removed, name)
		}
	}
	p.mu.Unlock()

	for _, name := range added {
		p.bus.Publish(events.Event{Type: events.TypeAccountAdded, Account: name})
	}
	for _, name := range removed {
		p.bus.Publish(events.Event{Type: events.TypeAccountRemoved, Account: name})
	}
	if len(added) > 0 || len(removed) > 0 {
		slog.Info("pool reloaded", "added", len(added), "removed", len(removed))
	}
	return nil
}

// SweepExpired deletes expired rows and lets in-memory markers lapse. It
// runs on a timer so the status surface and the database stay tidy even
// when no traffic arrives.
func (p *Pool) SweepExpired(ctx context.Context) error {
	flows, err := p.store.CleanupExpiredFlows(ctx)
	if err != nil {
		return err
	}
	markers, err := p.store.CleanupExpiredRateLimits(ctx)
	if err != nil {
		return err
	}

	now := p.now()
	var recovered []string
	p.mu.Lock()
	for name, e := range p.entries {
		if !e.rateLimitedUntil.IsZero() && !e.rateLimitedUntil.After(now) {
			e.rateLimitedUntil = time.Time{}
			recovered = append(recovered, name)
		}
	}
	p.mu.Unlock()

	for _, name := range recovered {
		p.bus.Publish(events.Event{Type: events.TypeRecovered, Account: name})
	}
	if flows > 0 || markers > 0 {
		slog.Debug("sweep complete", "expired_flows", flows, "expired_markers", markers)
	}
	return nil
}

// Status is the JSON shape served at /rotation/status.
type Status struct {
	TotalAccounts       int             `json:"totalAccounts"`
	AvailableAccounts   int             `json:"availableAccounts"`
	RateLimitedAccounts int             `json:"rateLimitedAccounts"`
	RefreshingAccounts  int             `json:"refreshingAccounts"`
	Accounts            []AccountStatus `json:"accounts"`
}

type AccountStatus struct {
	Name             string     `json:"name"`
	State            State      `json:"state"`
	LastUsedAt       *time.Time `json:"lastUsedAt"`
	UseCount         int64      `json:"useCount"`
	RateLimitedUntil *time.Time `json:"rateLimitedUntil,omitempty"`
}

// Status snapshots the pool for the status endpoint, accounts sorted by
// name.
func (p *Pool) Status() Status {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{Accounts: make([]AccountStatus, 0, len(p.entries))}
	for name, e := range p.entries {
		as := AccountStatus{
			Name:       name,
			State:      p.stateLocked(e, now),
			LastUsedAt: e.acct.LastUsedAt,
			UseCount:   e.acct.UseCount,
		}
		if e.rateLimitedUntil.After(now) {
			t := e.rateLimitedUntil
			as.RateLimitedUntil = &t
		}

		st.TotalAccounts++
		switch as.State {
		case StateAvailable, StateInUse:
			st.AvailableAccounts++
		case StateRateLimited:
			st.RateLimitedAccounts++
		case StateRefreshing:
			st.RefreshingAccounts++
		}
		st.Accounts = append(st.Accounts, as)
	}

	sort.Slice(st.Accounts, func(i, j int) bool { return st.Accounts[i].Name < st.Accounts[j].Name })
	return st
}

func (p *Pool) stateLocked(e *entry, now time.Time) State {
	switch {
	case e.disabled:
		return StateDisabled
	case e.rateLimitedUntil.After(now):
		return StateRateLimited
	case e.refreshing:
		return StateRefreshing
	case e.inFlight > 0:
		return StateInUse
	default:
		return StateAvailable
	}
}
