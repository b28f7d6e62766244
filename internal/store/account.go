package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Account holds the credentials and keys of the local account.
type Account struct {
	Number    string `json:"number"`
	ACI       string `json:"aci"`
	Password  string `json:"password"`
	DeviceID  int    `json:"deviceId"`
	MasterKey []byte `json:"masterKey"`

	// NextPreKeyID is the start of the next generated pre-key batch.
	NextPreKeyID uint32 `json:"nextPreKeyId,omitempty"`
}

const (
	accountKey            = "account"
	directoryRetrievedKey = "directory_retrieved"
	storageManifestKey    = "storage_manifest"
)

// SaveAccount persists the account credentials to the database.
func (s *Store) SaveAccount(acct *Account) error {
	return s.putJSON(context.Background(), accountKey, acct)
}

// LoadAccount loads the account credentials from the database.
// Returns nil, nil if no account has been saved.
func (s *Store) LoadAccount() (*Account, error) {
	var acct Account
	ok, err := s.getJSON(context.Background(), accountKey, &acct)
	if err != nil || !ok {
		return nil, err
	}
	return &acct, nil
}

// HasRetrievedDirectory reports whether a full directory refresh has
// completed before.
func (s *Store) HasRetrievedDirectory(ctx context.Context) (bool, error) {
	var v bool
	_, err := s.getJSON(ctx, directoryRetrievedKey, &v)
	return v, err
}

// SetHasRetrievedDirectory records the outcome of a full directory refresh.
func (s *Store) SetHasRetrievedDirectory(ctx context.Context, v bool) error {
	return s.putJSON(ctx, directoryRetrievedKey, v)
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		key, data,
	)
	if err != nil {
		return fmt.Errorf("store: save %s: %w", key, err)
	}
	return nil
}

// getJSON loads key into v. It reports false when the key is absent.
func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM account WHERE key = ?", key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: unmarshal %s: %w", key, err)
	}
	return true, nil
}
