package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gwillem/signal-state/internal/directory"
)

var _ directory.Recipients = (*Store)(nil)

func nullACI(id uuid.UUID) sql.NullString {
	if id == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

// AllPhoneNumbers returns every stored E.164 number.
func (s *Store) AllPhoneNumbers(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, "SELECT e164 FROM recipient WHERE e164 IS NOT NULL ORDER BY id")
}

// GetOrInsertFromE164 returns the recipient with number e164, creating it
// when missing.
func (s *Store) GetOrInsertFromE164(ctx context.Context, e164 string) (directory.RecipientID, error) {
	var id directory.RecipientID
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = getOrInsertE164(ctx, tx, e164)
		return err
	})
	return id, err
}

func getOrInsertE164(ctx context.Context, tx *sql.Tx, e164 string) (directory.RecipientID, error) {
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO recipient (e164) VALUES (?)", e164); err != nil {
		return 0, fmt.Errorf("store: insert recipient %s: %w", e164, err)
	}
	var id directory.RecipientID
	if err := tx.QueryRowContext(ctx, "SELECT id FROM recipient WHERE e164 = ?", e164).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: recipient %s: %w", e164, err)
	}
	return id, nil
}

// GetOrInsertFromACI returns the recipient with the given ACI, creating it
// when missing.
func (s *Store) GetOrInsertFromACI(ctx context.Context, aci uuid.UUID) (directory.RecipientID, error) {
	var id directory.RecipientID
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO recipient (aci) VALUES (?)", aci.String()); err != nil {
			return fmt.Errorf("store: insert recipient %s: %w", aci, err)
		}
		return tx.QueryRowContext(ctx, "SELECT id FROM recipient WHERE aci = ?", aci.String()).Scan(&id)
	})
	return id, err
}

// Recipient loads one recipient.
func (s *Store) Recipient(ctx context.Context, id directory.RecipientID) (*directory.Recipient, error) {
	var (
		r         = &directory.Recipient{ID: id}
		e164, aci sql.NullString
		reg       int
		system    int
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT e164, aci, registered, system_contact FROM recipient WHERE id = ?", id,
	).Scan(&e164, &aci, &reg, &system)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: recipient %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: recipient %d: %w", id, err)
	}
	r.E164 = e164.String
	if aci.Valid {
		if r.ACI, err = uuid.Parse(aci.String); err != nil {
			return nil, fmt.Errorf("store: recipient %d: aci: %w", id, err)
		}
	}
	r.Registered = directory.RegisteredState(reg)
	r.SystemContact = system != 0
	return r, nil
}

// UpdatePhoneNumbers moves numbers from each old value to its new value.
// When a recipient already holds the new number the old row is left alone.
func (s *Store) UpdatePhoneNumbers(ctx context.Context, rewrites map[string]string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for from, to := range rewrites {
			_, err := tx.ExecContext(ctx,
				`UPDATE recipient SET e164 = ? WHERE e164 = ?
				 AND NOT EXISTS (SELECT 1 FROM recipient WHERE e164 = ?)`,
				to, from, to,
			)
			if err != nil {
				return fmt.Errorf("store: rewrite %s -> %s: %w", from, to, err)
			}
		}
		return nil
	})
}

// BulkProcessCDSResult makes sure each registered number belongs to the
// recipient row of its ACI and returns those rows. A number held by some
// other row moves to the ACI's row.
func (s *Store) BulkProcessCDSResult(ctx context.Context, registered map[string]uuid.UUID) (map[directory.RecipientID]uuid.UUID, error) {
	out := make(map[directory.RecipientID]uuid.UUID, len(registered))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for e164, aci := range registered {
			id, err := bindNumber(ctx, tx, e164, aci)
			if err != nil {
				return err
			}
			out[id] = aci
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func bindNumber(ctx context.Context, tx *sql.Tx, e164 string, aci uuid.UUID) (directory.RecipientID, error) {
	byACI, err := lookupID(ctx, tx, "SELECT id FROM recipient WHERE aci = ?", aci.String())
	if err != nil {
		return 0, err
	}
	byE164, err := lookupID(ctx, tx, "SELECT id FROM recipient WHERE e164 = ?", e164)
	if err != nil {
		return 0, err
	}

	switch {
	case byACI != 0 && byACI == byE164:
		return byACI, nil
	case byACI != 0:
		if byE164 != 0 {
			if _, err := tx.ExecContext(ctx, "UPDATE recipient SET e164 = NULL WHERE id = ?", byE164); err != nil {
				return 0, fmt.Errorf("store: release %s: %w", e164, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "UPDATE recipient SET e164 = ? WHERE id = ?", e164, byACI); err != nil {
			return 0, fmt.Errorf("store: bind %s: %w", e164, err)
		}
		return byACI, nil
	case byE164 != 0:
		if _, err := tx.ExecContext(ctx, "UPDATE recipient SET aci = ? WHERE id = ?", aci.String(), byE164); err != nil {
			return 0, fmt.Errorf("store: bind %s: %w", aci, err)
		}
		return byE164, nil
	}
	res, err := tx.ExecContext(ctx, "INSERT INTO recipient (e164, aci) VALUES (?, ?)", e164, aci.String())
	if err != nil {
		return 0, fmt.Errorf("store: insert %s: %w", e164, err)
	}
	id, err := res.LastInsertId()
	return directory.RecipientID(id), err
}

// lookupID returns the id selected by query, or 0 when no row matches.
func lookupID(ctx context.Context, tx *sql.Tx, query string, args ...any) (directory.RecipientID, error) {
	var id directory.RecipientID
	err := tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: lookup: %w", err)
	}
	return id, nil
}

// BulkUpdateRegisteredStatus marks registered recipients with their ACI and
// the rest as not registered.
func (s *Store) BulkUpdateRegisteredStatus(ctx context.Context, registered map[directory.RecipientID]uuid.UUID, unregistered []directory.RecipientID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for id, aci := range registered {
			if err := markRegistered(ctx, tx, id, aci); err != nil {
				return err
			}
		}
		for _, id := range unregistered {
			if err := markUnregistered(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Registered returns the recipients currently marked registered.
func (s *Store) Registered(ctx context.Context) ([]directory.RecipientID, error) {
	return queryIDs(ctx, s.db, "SELECT id FROM recipient WHERE registered = ? ORDER BY id", int(directory.Registered))
}

// SystemContacts returns the recipients present in the system address book.
func (s *Store) SystemContacts(ctx context.Context) ([]directory.RecipientID, error) {
	return queryIDs(ctx, s.db, "SELECT id FROM recipient WHERE system_contact = 1 ORDER BY id")
}

// SetSystemContact flags a recipient as present in the address book.
func (s *Store) SetSystemContact(ctx context.Context, id directory.RecipientID, v bool) error {
	_, err := s.db.ExecContext(ctx, "UPDATE recipient SET system_contact = ? WHERE id = ?", boolInt(v), id)
	if err != nil {
		return fmt.Errorf("store: set system contact %d: %w", id, err)
	}
	return nil
}

// MarkRegistered records that id is registered under aci.
func (s *Store) MarkRegistered(ctx context.Context, id directory.RecipientID, aci uuid.UUID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return markRegistered(ctx, tx, id, aci) })
}

// MarkUnregistered records that id is not registered.
func (s *Store) MarkUnregistered(ctx context.Context, id directory.RecipientID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return markUnregistered(ctx, tx, id) })
}

func markRegistered(ctx context.Context, tx *sql.Tx, id directory.RecipientID, aci uuid.UUID) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE recipient SET registered = ?, aci = ? WHERE id = ?",
		int(directory.Registered), nullACI(aci), id,
	)
	if err != nil {
		return fmt.Errorf("store: mark %d registered: %w", id, err)
	}
	return nil
}

func markUnregistered(ctx context.Context, tx *sql.Tx, id directory.RecipientID) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE recipient SET registered = ? WHERE id = ?",
		int(directory.NotRegistered), id,
	)
	if err != nil {
		return fmt.Errorf("store: mark %d unregistered: %w", id, err)
	}
	return nil
}

// HasThread reports whether a conversation exists with id.
func (s *Store) HasThread(ctx context.Context, id directory.RecipientID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM thread WHERE recipient_id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: thread %d: %w", id, err)
	}
	return n > 0, nil
}

// CreateThread records a conversation with id.
func (s *Store) CreateThread(ctx context.Context, id directory.RecipientID) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO thread (recipient_id) VALUES (?)", id)
	if err != nil {
		return fmt.Errorf("store: create thread %d: %w", id, err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]directory.RecipientID, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()
	var ids []directory.RecipientID
	for rows.Next() {
		var id directory.RecipientID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
