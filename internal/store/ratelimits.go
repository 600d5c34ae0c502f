package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yansir/cc-rotator/internal/account"
)

// MarkLimited upserts the rate-limit marker for an account. A new marker
// replaces the previous one. The account must exist (foreign key).
func (s *Store) MarkLimited(ctx context.Context, name string, resetsAt time.Time, triggeredBy string) (*account.RateLimit, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	marker := &account.RateLimit{
		AccountName: name,
		LimitedAt:   now,
		ResetsAt:    resetsAt.UTC(),
		TriggeredBy: triggeredBy,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rate_limits (account_name, limited_at, resets_at, triggered_by)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(account_name) DO UPDATE SET
				limited_at = excluded.limited_at,
				resets_at = excluded.resets_at,
				triggered_by = excluded.triggered_by`,
			name, toMillis(now), toMillis(resetsAt), triggeredBy)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mark limited %q: %w", name, err)
	}
	return marker, nil
}

// IsLimited reports whether the account has a marker with a reset instant
// strictly in the future.
func (s *Store) IsLimited(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM rate_limits WHERE account_name = ? AND resets_at > ?",
		name, toMillis(time.Now().UTC())).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is limited %q: %w", name, err)
	}
	return true, nil
}

// GetRateLimit returns the marker row for an account, expired or not, or
// nil when absent.
func (s *Store) GetRateLimit(ctx context.Context, name string) (*account.RateLimit, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT account_name, limited_at, resets_at, triggered_by FROM rate_limits WHERE account_name = ?", name)
	marker, err := scanRateLimit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return marker, err
}

// ClearRateLimit removes the marker. Returns false when none existed.
func (s *Store) ClearRateLimit(ctx context.Context, name string) (bool, error) {
	var cleared bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM rate_limits WHERE account_name = ?", name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		cleared = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("clear rate limit %q: %w", name, err)
	}
	return cleared, nil
}

// AllLimited lists markers whose reset instant is still in the future.
func (s *Store) AllLimited(ctx context.Context) ([]*account.RateLimit, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT account_name, limited_at, resets_at, triggered_by FROM rate_limits WHERE resets_at > ? ORDER BY account_name",
		toMillis(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("list limited: %w", err)
	}
	defer rows.Close()

	markers := make([]*account.RateLimit, 0)
	for rows.Next() {
		m, err := scanRateLimit(rows)
		if err != nil {
			return nil, err
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// CleanupExpiredRateLimits deletes markers whose reset instant has passed.
func (s *Store) CleanupExpiredRateLimits(ctx context.Context) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM rate_limits WHERE resets_at <= ?", toMillis(time.Now().UTC()))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limits: %w", err)
	}
	return int(n), nil
}

func scanRateLimit(scanner interface{ Scan(...any) error }) (*account.RateLimit, error) {
	var m account.RateLimit
	var limitedAt, resetsAt int64
	if err := scanner.Scan(&m.AccountName, &limitedAt, &resetsAt, &m.TriggeredBy); err != nil {
		return nil, err
	}
	m.LimitedAt = fromMillis(limitedAt)
	m.ResetsAt = fromMillis(resetsAt)
	return &m, nil
}
