package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// legacyFile is the plaintext accounts.json layout used before the
// database existed.
type legacyFile struct {
	Version  int                      `json:"version"`
	Accounts map[string]legacyAccount `json:"accounts"`
}

type legacyAccount struct {
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name"`
	Credentials legacyCredentials `json:"credentials"`
}

type legacyCredentials struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresAt    json.RawMessage `json:"expires_at"`
}

// MigrateLegacyAccounts imports accounts from a plaintext JSON file. Entries
// whose name already exists in the database are skipped, so the migration can
// run on every startup. Returns the number of accounts imported.
func (s *Store) MigrateLegacyAccounts(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read legacy accounts: %w", err)
	}

	var file legacyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse legacy accounts: %w", err)
	}

	imported := 0
	for name, entry := range file.Accounts {
		if entry.Credentials.AccessToken == "" || entry.Credentials.RefreshToken == "" {
			slog.Warn("skipping legacy account with empty tokens", "account", name)
			continue
		}

		existing, err := s.GetAccount(ctx, name)
		if err != nil {
			return imported, err
		}
		if existing != nil {
			continue
		}

		expiresAt, ok := parseLegacyExpiry(entry.Credentials.ExpiresAt)
		if !ok {
			slog.Warn("legacy account has unparseable expiry, treating token as expired",
				"account", name, "raw", string(entry.Credentials.ExpiresAt))
			expiresAt = time.Now().UTC()
		}

		if _, err := s.CreateAccount(ctx, name,
			entry.Credentials.AccessToken, entry.Credentials.RefreshToken,
			expiresAt, entry.Email, entry.DisplayName); err != nil {
			return imported, fmt.Errorf("import legacy account %q: %w", name, err)
		}
		imported++
	}
	return imported, nil
}

// parseLegacyExpiry accepts the three formats seen in the wild: a Unix
// millisecond number, the same number as a string, or an RFC 3339 timestamp.
func parseLegacyExpiry(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(str, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, str); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
