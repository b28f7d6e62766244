package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gwillem/signal-state/internal/directory"
	"github.com/gwillem/signal-state/internal/storagesync"
)

var _ storagesync.Local = (*Store)(nil)

// Values of recipient.storage_pending.
const (
	pendingNone = iota
	pendingInsert
	pendingUpdate
	pendingDelete
)

type storedManifest struct {
	Version   uint64 `json:"version"`
	RecordIKM []byte `json:"recordIkm,omitempty"`
}

// Manifest returns the version and record IKM of the last synced manifest.
// The key list is not stored; StorageIDs is the local view of it.
func (s *Store) Manifest(ctx context.Context) (*storagesync.Manifest, error) {
	var m storedManifest
	if _, err := s.getJSON(ctx, storageManifestKey, &m); err != nil {
		return nil, err
	}
	return &storagesync.Manifest{Version: m.Version, RecordIKM: m.RecordIKM}, nil
}

func (s *Store) SetManifest(ctx context.Context, m *storagesync.Manifest) error {
	return s.putJSON(ctx, storageManifestKey, storedManifest{Version: m.Version, RecordIKM: m.RecordIKM})
}

// StorageIDs returns the keys of every synced record. Contacts waiting for
// their first push are left out.
func (s *Store) StorageIDs(ctx context.Context) ([]storagesync.StorageID, error) {
	var ids []storagesync.StorageID
	collect := func(query string, typ storagesync.RecordType, args ...any) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("store: storage ids: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				key []byte
				t   = int32(typ)
			)
			dest := []any{&key}
			if typ == storagesync.TypeUnknown {
				dest = append(dest, &t)
			}
			if err := rows.Scan(dest...); err != nil {
				return fmt.Errorf("store: storage ids: %w", err)
			}
			ids = append(ids, storagesync.StorageID{Raw: key, Type: storagesync.RecordType(t)})
		}
		return rows.Err()
	}

	if err := collect("SELECT storage_key FROM recipient WHERE storage_key IS NOT NULL AND storage_pending != ? ORDER BY id",
		storagesync.TypeContact, pendingInsert); err != nil {
		return nil, err
	}
	if err := collect("SELECT storage_key FROM group_v1 WHERE storage_key IS NOT NULL ORDER BY id",
		storagesync.TypeGroupV1); err != nil {
		return nil, err
	}
	if err := collect("SELECT storage_key, type FROM storage_unknown ORDER BY rowid",
		storagesync.TypeUnknown); err != nil {
		return nil, err
	}
	return ids, nil
}

// Records returns the local records stored under ids. Unknown keys are
// skipped.
func (s *Store) Records(ctx context.Context, ids []storagesync.StorageID) ([]storagesync.Record, error) {
	var out []storagesync.Record
	for _, id := range ids {
		r, ok, err := s.recordByKey(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) recordByKey(ctx context.Context, id storagesync.StorageID) (storagesync.Record, bool, error) {
	switch id.Type {
	case storagesync.TypeContact:
		c, _, err := scanContact(s.db.QueryRowContext(ctx, contactSelect+" WHERE storage_key = ?", id.Raw))
		if errors.Is(err, sql.ErrNoRows) {
			return storagesync.Record{}, false, nil
		}
		if err != nil {
			return storagesync.Record{}, false, fmt.Errorf("store: contact %s: %w", id, err)
		}
		return storagesync.ContactStorageRecord(c), true, nil
	case storagesync.TypeGroupV1:
		g := &storagesync.GroupV1Record{}
		var blocked, sharing int
		err := s.db.QueryRowContext(ctx,
			"SELECT storage_key, group_id, blocked, profile_sharing FROM group_v1 WHERE storage_key = ?", id.Raw,
		).Scan(&g.Key, &g.GroupID, &blocked, &sharing)
		if errors.Is(err, sql.ErrNoRows) {
			return storagesync.Record{}, false, nil
		}
		if err != nil {
			return storagesync.Record{}, false, fmt.Errorf("store: group %s: %w", id, err)
		}
		g.Blocked, g.ProfileSharing = blocked != 0, sharing != 0
		return storagesync.GroupV1StorageRecord(g), true, nil
	}
	r := storagesync.Record{ID: id}
	err := s.db.QueryRowContext(ctx, "SELECT data FROM storage_unknown WHERE storage_key = ?", id.Raw).Scan(&r.Raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storagesync.Record{}, false, nil
	}
	if err != nil {
		return storagesync.Record{}, false, fmt.Errorf("store: unknown record %s: %w", id, err)
	}
	return r, true, nil
}

const contactSelect = `SELECT id, storage_key, aci, e164, given_name, family_name, profile_key,
	username, identity_key, identity_state, blocked, profile_sharing, nickname, storage_pending
	FROM recipient`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanContact reads one contactSelect row.
func scanContact(row rowScanner) (*storagesync.ContactRecord, directory.RecipientID, error) {
	c, id, _, err := scanContactPending(row)
	return c, id, err
}

func scanContactPending(row rowScanner) (*storagesync.ContactRecord, directory.RecipientID, int, error) {
	var (
		c                = &storagesync.ContactRecord{}
		id               directory.RecipientID
		aci, e164        sql.NullString
		state            int32
		blocked, sharing int
		pending          int
	)
	err := row.Scan(&id, &c.Key, &aci, &e164, &c.GivenName, &c.FamilyName, &c.ProfileKey,
		&c.Username, &c.IdentityKey, &state, &blocked, &sharing, &c.Nickname, &pending)
	if err != nil {
		return nil, 0, 0, err
	}
	if aci.Valid {
		if c.ServiceID, err = uuid.Parse(aci.String); err != nil {
			return nil, 0, 0, fmt.Errorf("aci: %w", err)
		}
	}
	c.E164 = e164.String
	c.IdentityState = storagesync.IdentityState(state)
	c.Blocked, c.ProfileSharing = blocked != 0, sharing != 0
	return c, id, pending, nil
}

// ApplyMerge stores the local side of a merge in one transaction.
func (s *Store) ApplyMerge(ctx context.Context, m *storagesync.MergeResult) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range m.LocalContactInserts {
			id, err := recipientForContact(ctx, tx, c)
			if err != nil {
				return err
			}
			if err := writeContact(ctx, tx, id, c, pendingNone); err != nil {
				return err
			}
		}
		for _, u := range m.LocalContactUpdates {
			id, err := lookupID(ctx, tx, "SELECT id FROM recipient WHERE storage_key = ?", u.Old.Key)
			if err != nil {
				return err
			}
			if id == 0 {
				return fmt.Errorf("store: no contact with storage key %x", u.Old.Key)
			}
			if err := writeContact(ctx, tx, id, u.New, pendingNone); err != nil {
				return err
			}
		}
		for _, g := range m.LocalGroupV1Inserts {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO group_v1 (group_id, blocked, profile_sharing, storage_key) VALUES (?, ?, ?, ?)
				 ON CONFLICT(group_id) DO UPDATE SET blocked = excluded.blocked,
				 profile_sharing = excluded.profile_sharing, storage_key = excluded.storage_key`,
				g.GroupID, boolInt(g.Blocked), boolInt(g.ProfileSharing), g.Key,
			)
			if err != nil {
				return fmt.Errorf("store: insert group %x: %w", g.GroupID, err)
			}
		}
		for _, u := range m.LocalGroupV1Updates {
			_, err := tx.ExecContext(ctx,
				"UPDATE group_v1 SET blocked = ?, profile_sharing = ?, storage_key = ? WHERE storage_key = ?",
				boolInt(u.New.Blocked), boolInt(u.New.ProfileSharing), u.New.Key, u.Old.Key,
			)
			if err != nil {
				return fmt.Errorf("store: update group %x: %w", u.New.GroupID, err)
			}
		}
		for _, r := range m.LocalUnknownInserts {
			_, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO storage_unknown (storage_key, type, data) VALUES (?, ?, ?)",
				r.ID.Raw, int32(r.ID.Type), r.Raw,
			)
			if err != nil {
				return fmt.Errorf("store: insert unknown %s: %w", r.ID, err)
			}
		}
		for _, r := range m.LocalUnknownDeletes {
			if _, err := tx.ExecContext(ctx, "DELETE FROM storage_unknown WHERE storage_key = ?", r.ID.Raw); err != nil {
				return fmt.Errorf("store: delete unknown %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// recipientForContact finds or creates the recipient row a remote contact
// belongs to.
func recipientForContact(ctx context.Context, tx *sql.Tx, c *storagesync.ContactRecord) (directory.RecipientID, error) {
	switch {
	case c.ServiceID != uuid.Nil && c.E164 != "":
		return bindNumber(ctx, tx, c.E164, c.ServiceID)
	case c.ServiceID != uuid.Nil:
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO recipient (aci) VALUES (?)", c.ServiceID.String()); err != nil {
			return 0, fmt.Errorf("store: insert recipient %s: %w", c.ServiceID, err)
		}
		return lookupID(ctx, tx, "SELECT id FROM recipient WHERE aci = ?", c.ServiceID.String())
	case c.E164 != "":
		return getOrInsertE164(ctx, tx, c.E164)
	}
	res, err := tx.ExecContext(ctx, "INSERT INTO recipient DEFAULT VALUES")
	if err != nil {
		return 0, fmt.Errorf("store: insert recipient: %w", err)
	}
	id, err := res.LastInsertId()
	return directory.RecipientID(id), err
}

// writeContact stores the fields of c on recipient id. Identifiers held by
// another row are left unchanged.
func writeContact(ctx context.Context, tx *sql.Tx, id directory.RecipientID, c *storagesync.ContactRecord, pending int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE recipient SET given_name = ?, family_name = ?, profile_key = ?, username = ?,
		 identity_key = ?, identity_state = ?, blocked = ?, profile_sharing = ?, nickname = ?,
		 storage_key = ?, storage_pending = ? WHERE id = ?`,
		c.GivenName, c.FamilyName, c.ProfileKey, c.Username,
		c.IdentityKey, int32(c.IdentityState), boolInt(c.Blocked), boolInt(c.ProfileSharing), c.Nickname,
		c.Key, pending, id,
	)
	if err != nil {
		return fmt.Errorf("store: write contact %d: %w", id, err)
	}
	if c.E164 != "" {
		_, err = tx.ExecContext(ctx,
			"UPDATE recipient SET e164 = ? WHERE id = ? AND NOT EXISTS (SELECT 1 FROM recipient WHERE e164 = ? AND id != ?)",
			c.E164, id, c.E164, id,
		)
		if err != nil {
			return fmt.Errorf("store: write contact %d: e164: %w", id, err)
		}
	}
	if c.ServiceID != uuid.Nil {
		aci := c.ServiceID.String()
		_, err = tx.ExecContext(ctx,
			"UPDATE recipient SET aci = ? WHERE id = ? AND NOT EXISTS (SELECT 1 FROM recipient WHERE aci = ? AND id != ?)",
			aci, id, aci, id,
		)
		if err != nil {
			return fmt.Errorf("store: write contact %d: aci: %w", id, err)
		}
	}
	return nil
}

// Contact returns the storage view of recipient id.
func (s *Store) Contact(ctx context.Context, id directory.RecipientID) (*storagesync.ContactRecord, error) {
	c, _, err := scanContact(s.db.QueryRowContext(ctx, contactSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: contact %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: contact %d: %w", id, err)
	}
	return c, nil
}

// UpdateContact applies fn to the storage view of recipient id and queues
// the change for the next storage push. A contact never pushed before is
// given a fresh storage key.
func (s *Store) UpdateContact(ctx context.Context, id directory.RecipientID, fn func(*storagesync.ContactRecord)) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		c, _, pending, err := scanContactPending(tx.QueryRowContext(ctx, contactSelect+" WHERE id = ?", id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: contact %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("store: contact %d: %w", id, err)
		}
		fn(c)
		switch {
		case len(c.Key) == 0:
			c.Key = storagesync.GenerateKey()
			pending = pendingInsert
		case pending == pendingNone || pending == pendingDelete:
			pending = pendingUpdate
		}
		return writeContact(ctx, tx, id, c, pending)
	})
}

// RemoveContactFromStorage queues the storage record of id for deletion.
func (s *Store) RemoveContactFromStorage(ctx context.Context, id directory.RecipientID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			key     []byte
			pending int
		)
		err := tx.QueryRowContext(ctx, "SELECT storage_key, storage_pending FROM recipient WHERE id = ?", id).Scan(&key, &pending)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: contact %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("store: contact %d: %w", id, err)
		}
		switch {
		case len(key) == 0:
			return nil
		case pending == pendingInsert:
			// Never pushed: drop the key.
			_, err = tx.ExecContext(ctx, "UPDATE recipient SET storage_key = NULL, storage_pending = ? WHERE id = ?", pendingNone, id)
		default:
			_, err = tx.ExecContext(ctx, "UPDATE recipient SET storage_pending = ? WHERE id = ?", pendingDelete, id)
		}
		if err != nil {
			return fmt.Errorf("store: remove contact %d: %w", id, err)
		}
		return nil
	})
}

// PendingChanges returns the contacts changed since the last push.
func (s *Store) PendingChanges(ctx context.Context) (*storagesync.PendingChanges, error) {
	rows, err := s.db.QueryContext(ctx, contactSelect+" WHERE storage_pending != ? AND storage_key IS NOT NULL ORDER BY id", pendingNone)
	if err != nil {
		return nil, fmt.Errorf("store: pending changes: %w", err)
	}
	defer rows.Close()

	p := &storagesync.PendingChanges{}
	for rows.Next() {
		c, id, pending, err := scanContactPending(rows)
		if err != nil {
			return nil, fmt.Errorf("store: pending changes: %w", err)
		}
		lr := storagesync.LocalRecord{RecipientID: int64(id), Record: storagesync.ContactStorageRecord(c)}
		switch pending {
		case pendingInsert:
			p.Inserts = append(p.Inserts, lr)
		case pendingUpdate:
			p.Updates = append(p.Updates, lr)
		case pendingDelete:
			p.Deletes = append(p.Deletes, lr)
		}
	}
	return p, rows.Err()
}

// CommitPending clears the pending state of p and stores the rotated key
// of every updated contact. Deleted contacts lose their storage key.
func (s *Store) CommitPending(ctx context.Context, p *storagesync.PendingChanges, keyUpdates map[int64][]byte) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, lr := range p.Inserts {
			if _, err := tx.ExecContext(ctx, "UPDATE recipient SET storage_pending = ? WHERE id = ?", pendingNone, lr.RecipientID); err != nil {
				return fmt.Errorf("store: commit insert %d: %w", lr.RecipientID, err)
			}
		}
		for _, lr := range p.Updates {
			key, ok := keyUpdates[lr.RecipientID]
			if !ok {
				key = lr.Record.ID.Raw
			}
			_, err := tx.ExecContext(ctx, "UPDATE recipient SET storage_key = ?, storage_pending = ? WHERE id = ?",
				key, pendingNone, lr.RecipientID)
			if err != nil {
				return fmt.Errorf("store: commit update %d: %w", lr.RecipientID, err)
			}
		}
		for _, lr := range p.Deletes {
			_, err := tx.ExecContext(ctx, "UPDATE recipient SET storage_key = NULL, storage_pending = ? WHERE id = ?",
				pendingNone, lr.RecipientID)
			if err != nil {
				return fmt.Errorf("store: commit delete %d: %w", lr.RecipientID, err)
			}
		}
		return nil
	})
}
