package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/gwillem/signal-state/internal/record"
)

// RecordBackend stores encrypted protocol records in the record table.
type RecordBackend struct {
	db *sql.DB
}

var _ record.Backend = (*RecordBackend)(nil)

// RecordBackend returns the record backend sharing this database.
func (s *Store) RecordBackend() *RecordBackend {
	return &RecordBackend{db: s.db}
}

func (b *RecordBackend) Get(key record.Key) ([]byte, error) {
	var data []byte
	err := b.db.QueryRow(
		"SELECT data FROM record WHERE kind = ? AND name = ? AND device_id = ?",
		key.Kind, key.Name, key.DeviceID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get record %s: %w", key, err)
	}
	return data, nil
}

func (b *RecordBackend) Put(key record.Key, data []byte) error {
	_, err := b.db.Exec(
		"INSERT OR REPLACE INTO record (kind, name, device_id, data) VALUES (?, ?, ?, ?)",
		key.Kind, key.Name, key.DeviceID, data,
	)
	if err != nil {
		return fmt.Errorf("store: put record %s: %w", key, err)
	}
	return nil
}

func (b *RecordBackend) Delete(key record.Key) error {
	_, err := b.db.Exec(
		"DELETE FROM record WHERE kind = ? AND name = ? AND device_id = ?",
		key.Kind, key.Name, key.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("store: delete record %s: %w", key, err)
	}
	return nil
}

func (b *RecordBackend) Devices(kind, name string) ([]uint32, error) {
	rows, err := b.db.Query(
		"SELECT device_id FROM record WHERE kind = ? AND name = ? ORDER BY device_id",
		kind, name,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
