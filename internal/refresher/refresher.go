// Package refresher keeps every pool account's access token fresh. A
// scheduler loop refreshes tokens ahead of expiry; the rotation handler can
// also force an immediate refresh after an upstream 401. At most one refresh
// per account runs at a time, and a global ceiling bounds concurrency.
package refresher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/yansir/cc-rotator/internal/account"
	"github.com/yansir/cc-rotator/internal/events"
	"github.com/yansir/cc-rotator/internal/pool"
)

// pollInterval bounds how long the loop sleeps when no deadline is pending,
// so accounts added out of band are still picked up.
const pollInterval = time.Minute

type Refresher struct {
	pool  *pool.Pool
	oauth *account.OAuthClient
	bus   *events.Bus
	lead  time.Duration
	sem   *semaphore.Weighted
	group singleflight.Group
	now   func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

type Options struct {
	// Lead is how far before token expiry a refresh is scheduled.
	Lead time.Duration
	// Concurrency caps simultaneous refreshes across all accounts.
	Concurrency int
}

func New(p *pool.Pool, oauth *account.OAuthClient, bus *events.Bus, opts Options) *Refresher {
	if opts.Lead <= 0 {
		opts.Lead = 5 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Refresher{
		pool:  p,
		oauth: oauth,
		bus:   bus,
		lead:  opts.Lead,
		sem:   semaphore.NewWeighted(int64(opts.Concurrency)),
		now:   func() time.Time { return time.Now().UTC() },
		done:  make(chan struct{}),
	}
}

// Start launches the scheduler loop.
func (r *Refresher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

// Stop cancels the loop and waits up to grace for in-flight refreshes.
func (r *Refresher) Stop(grace time.Duration) {
	if r.cancel != nil {
		r.cancel()
	}
	select {
	case <-r.done:
	case <-time.After(grace):
		slog.Warn("refresher stop timed out, abandoning in-flight refreshes")
	}
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.done)

	subID, ch, _ := r.bus.Subscribe()
	defer r.bus.Unsubscribe(subID)

	timer := time.NewTimer(r.untilNextDeadline())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			done := make(chan struct{})
			go func() { r.wg.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
			}
			return

		case ev, ok := <-ch:
			if !ok {
				return
			}
			// Membership and marker changes move the earliest deadline.
			switch ev.Type {
			case events.TypeAccountAdded, events.TypeAccountRemoved,
				events.TypeTokensRefreshed, events.TypeRateLimited,
				events.TypeRecovered, events.TypeAccountDisabled:
				resetTimer(timer, r.untilNextDeadline())
			}

		case <-timer.C:
			r.dispatchDue(ctx)
			resetTimer(timer, r.untilNextDeadline())
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// untilNextDeadline returns the wait until the soonest (expiry - lead)
// among refreshable accounts, clamped to [0, pollInterval].
func (r *Refresher) untilNextDeadline() time.Duration {
	candidates := r.pool.RefreshCandidates()
	if len(candidates) == 0 {
		return pollInterval
	}
	wait := candidates[0].ExpiresAt.Add(-r.lead).Sub(r.now())
	if wait < 0 {
		return 0
	}
	if wait > pollInterval {
		return pollInterval
	}
	return wait
}

// dispatchDue starts a refresh goroutine for every account inside its lead
// window.
func (r *Refresher) dispatchDue(ctx context.Context) {
	now := r.now()
	for _, c := range r.pool.RefreshCandidates() {
		if c.ExpiresAt.Add(-r.lead).After(now) {
			break
		}
		name := c.Name
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.refreshWithBackoff(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("scheduled refresh failed", "account", name, "error", err)
			}
		}()
	}
}

// ForceRefresh refreshes one account immediately, deduplicating concurrent
// callers. The rotation handler uses this after an upstream 401/403.
func (r *Refresher) ForceRefresh(ctx context.Context, name string) error {
	_, err, _ := r.group.Do(name, func() (any, error) {
		return nil, r.refreshOnce(ctx, name)
	})
	return err
}

// refreshWithBackoff retries transient failures with exponential backoff.
// A rejected refresh token is terminal: the account is disabled until an
// operator re-authorizes it.
func (r *Refresher) refreshWithBackoff(ctx context.Context, name string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 30 * time.Second
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Minute
	bo.Reset()

	for {
		_, err, _ := r.group.Do(name, func() (any, error) {
			return nil, r.refreshOnce(ctx, name)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, account.ErrRefreshRejected) || errors.Is(err, account.ErrMalformedResponse) {
			r.pool.Disable(name, "token refresh rejected: "+err.Error())
			return err
		}
		if errors.Is(err, pool.ErrUnknownAccount) || errors.Is(err, context.Canceled) {
			return err
		}

		wait := bo.NextBackOff()
		slog.Warn("token refresh failed, will retry", "account", name, "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// refreshOnce performs a single refresh attempt end to end: claim the
// per-account slot, acquire a concurrency token, call the token endpoint,
// commit the new token set.
func (r *Refresher) refreshOnce(ctx context.Context, name string) error {
	acct := r.pool.Get(name)
	if acct == nil {
		return pool.ErrUnknownAccount
	}
	if !r.pool.SetRefreshing(name) {
		// Another refresh is running; treat as done.
		return nil
	}
	defer r.pool.ClearRefreshing(name)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	tok, err := r.oauth.Refresh(ctx, acct.RefreshToken)
	if err != nil {
		return err
	}

	if err := r.pool.ReplaceTokens(ctx, name, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt); err != nil {
		return err
	}
	slog.Info("token refreshed", "account", name, "expires_at", tok.ExpiresAt)
	return nil
}
