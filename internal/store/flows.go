package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yansir/cc-rotator/internal/account"
)

// CreateFlow records an in-progress PKCE authorization attempt. The state
// value (the code verifier) is the key.
func (s *Store) CreateFlow(ctx context.Context, state, accountName, codeChallenge, redirectURI string, ttl time.Duration) (*account.Flow, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	flow := &account.Flow{
		State:         state,
		AccountName:   accountName,
		CodeChallenge: codeChallenge,
		RedirectURI:   redirectURI,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO oauth_flows (state, account_name, code_challenge, redirect_uri, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			state, accountName, codeChallenge, redirectURI, toMillis(flow.CreatedAt), toMillis(flow.ExpiresAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert oauth flow: %w", err)
	}
	return flow, nil
}

// GetValidFlow returns the flow for state, or nil when it does not exist or
// has expired. Expired rows are left for CleanupExpiredFlows.
func (s *Store) GetValidFlow(ctx context.Context, state string) (*account.Flow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state, account_name, code_challenge, redirect_uri, created_at, expires_at
		 FROM oauth_flows WHERE state = ? AND expires_at > ?`,
		state, toMillis(time.Now().UTC()))

	var f account.Flow
	var createdAt, expiresAt int64
	err := row.Scan(&f.State, &f.AccountName, &f.CodeChallenge, &f.RedirectURI, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth flow: %w", err)
	}
	f.CreatedAt = fromMillis(createdAt)
	f.ExpiresAt = fromMillis(expiresAt)
	return &f, nil
}

// DeleteFlow consumes a flow. Returns false when no row existed.
func (s *Store) DeleteFlow(ctx context.Context, state string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM oauth_flows WHERE state = ?", state)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete oauth flow: %w", err)
	}
	return deleted, nil
}

// CleanupExpiredFlows removes flows past their expiry and returns the count.
func (s *Store) CleanupExpiredFlows(ctx context.Context) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM oauth_flows WHERE expires_at <= ?", toMillis(time.Now().UTC()))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup oauth flows: %w", err)
	}
	return int(n), nil
}

// PendingAccountNames lists account names with a non-expired flow.
func (s *Store) PendingAccountNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT account_name FROM oauth_flows WHERE expires_at > ? ORDER BY account_name",
		toMillis(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("pending account names: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
