package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yansir/cc-rotator/internal/account"
)

// ErrEmptyToken rejects writes that would store an account without both
// tokens. The schema carries matching CHECK constraints as a backstop.
var ErrEmptyToken = errors.New("account tokens must not be empty")

const accountCols = `name, access_token_enc, refresh_token_enc, token_expires_at,
	email, display_name, created_at, updated_at, last_used_at, use_count`

// CreateAccount inserts a new account. created_at and updated_at are
// assigned by the store.
func (s *Store) CreateAccount(ctx context.Context, name, access, refresh string, expiresAt time.Time, email, displayName string) (*account.Account, error) {
	if access == "" || refresh == "" {
		return nil, ErrEmptyToken
	}

	accessEnc, err := s.crypto.Encrypt(access)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := s.crypto.Encrypt(refresh)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (name, access_token_enc, refresh_token_enc, token_expires_at,
				email, display_name, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			name, accessEnc, refreshEnc, toMillis(expiresAt), email, displayName, toMillis(now), toMillis(now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert account %q: %w", name, err)
	}

	return &account.Account{
		Name:         name,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt.UTC(),
		Email:        email,
		DisplayName:  displayName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetAccount returns the account or nil when no row exists.
func (s *Store) GetAccount(ctx context.Context, name string) (*account.Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountCols+" FROM accounts WHERE name = ?", name)
	acct, err := s.scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acct, err
}

// ListAccounts returns all accounts ordered by name.
func (s *Store) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+accountCols+" FROM accounts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]*account.Account, 0)
	for rows.Next() {
		acct, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// DeleteAccount removes the row (and its rate-limit marker via cascade).
// Returns false when no row existed.
func (s *Store) DeleteAccount(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE name = ?", name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete account %q: %w", name, err)
	}
	return deleted, nil
}

// UpdateTokens replaces the token set after a refresh or re-login.
// updated_at never moves backwards. Returns nil when the account is gone.
func (s *Store) UpdateTokens(ctx context.Context, name, access, refresh string, expiresAt time.Time) (*account.Account, error) {
	if access == "" || refresh == "" {
		return nil, ErrEmptyToken
	}

	accessEnc, err := s.crypto.Encrypt(access)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := s.crypto.Encrypt(refresh)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	now := toMillis(time.Now().UTC())
	var updated bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET access_token_enc = ?, refresh_token_enc = ?, token_expires_at = ?,
				updated_at = MAX(updated_at, ?)
			 WHERE name = ?`,
			accessEnc, refreshEnc, toMillis(expiresAt), now, name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		updated = n > 0
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update tokens for %q: %w", name, err)
	}
	if !updated {
		return nil, nil
	}
	return s.GetAccount(ctx, name)
}

// MarkUsed bumps last_used_at and the use counter.
func (s *Store) MarkUsed(ctx context.Context, name string) error {
	now := toMillis(time.Now().UTC())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE accounts SET last_used_at = ?, use_count = use_count + 1,
				updated_at = MAX(updated_at, ?)
			 WHERE name = ?`,
			now, now, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark used %q: %w", name, err)
	}
	return nil
}

func (s *Store) scanAccount(scanner interface{ Scan(...any) error }) (*account.Account, error) {
	var (
		name, accessEnc, refreshEnc, email, displayName string
		expiresAt, createdAt, updatedAt                 int64
		lastUsedAt                                      sql.NullInt64
		useCount                                        int64
	)
	if err := scanner.Scan(&name, &accessEnc, &refreshEnc, &expiresAt,
		&email, &displayName, &createdAt, &updatedAt, &lastUsedAt, &useCount); err != nil {
		return nil, err
	}

	access, err := s.crypto.Decrypt(accessEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token for %q: %w", name, err)
	}
	refresh, err := s.crypto.Decrypt(refreshEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token for %q: %w", name, err)
	}

	acct := &account.Account{
		Name:         name,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    fromMillis(expiresAt),
		Email:        email,
		DisplayName:  displayName,
		CreatedAt:    fromMillis(createdAt),
		UpdatedAt:    fromMillis(updatedAt),
		UseCount:     useCount,
	}
	if lastUsedAt.Valid {
		t := fromMillis(lastUsedAt.Int64)
		acct.LastUsedAt = &t
	}
	return acct, nil
}
