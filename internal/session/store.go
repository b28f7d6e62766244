package session

import (
	"errors"
	"fmt"
	"log"
	"slices"

	"github.com/gwillem/signal-state/internal/record"
)

// Record kinds and version markers.
const (
	KindSession       = "session"
	KindLegacySession = "session_v1"
	KindLocalKey      = "local_key"
	KindRemoteKey     = "remote_key"

	VersionSingleState   int32 = 1
	VersionArchiveStates int32 = 2
	LegacyVersion        int32 = 1

	// DefaultDeviceID is the primary device of every account.
	DefaultDeviceID uint32 = 1
)

// RecipientDevice addresses one device of one peer.
type RecipientDevice struct {
	RecipientID string
	DeviceID    uint32
}

func (a RecipientDevice) String() string {
	return fmt.Sprintf("%s.%d", a.RecipientID, a.DeviceID)
}

func (a RecipientDevice) key(kind string) record.Key {
	return record.Key{Kind: kind, Name: a.RecipientID, DeviceID: a.DeviceID}
}

// Store persists session records. Records in the flat v1 layout are
// migrated on first load.
type Store struct {
	records *record.Store
	logger  *log.Logger
}

// NewStore returns a Store over records. logger may be nil.
func NewStore(records *record.Store, logger *log.Logger) *Store {
	return &Store{records: records, logger: logger}
}

// Load returns the session record for addr, or a fresh record when none is
// stored.
func (s *Store) Load(addr RecipientDevice) (*Record, error) {
	rec, err := s.loadV2(addr)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, record.ErrNotFound) {
		return nil, err
	}
	return s.migrate(addr)
}

func (s *Store) loadV2(addr RecipientDevice) (*Record, error) {
	version, payload, err := s.records.Load(addr.key(KindSession), VersionSingleState, VersionArchiveStates)
	if err != nil {
		return nil, err
	}
	return decodeVersioned(version, payload)
}

func decodeVersioned(version int32, payload []byte) (*Record, error) {
	switch version {
	case VersionSingleState:
		st, err := decodeState(payload)
		if err != nil {
			return nil, fmt.Errorf("session: decode state: %w", err)
		}
		return &Record{current: st}, nil
	case VersionArchiveStates:
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("session: decode record: %w", err)
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%w %d", record.ErrUnknownVersion, version)
}

// migrate converts a v1 session into a v2 record, or returns a fresh
// record when no complete v1 session exists.
func (s *Store) migrate(addr RecipientDevice) (*Record, error) {
	var migrated *Record
	err := s.records.Update(addr.key(KindSession), []int32{VersionSingleState, VersionArchiveStates},
		func(version int32, payload []byte, found bool) (int32, []byte, error) {
			if found {
				// Stored concurrently since the first read.
				rec, err := decodeVersioned(version, payload)
				if err != nil {
					return 0, nil, err
				}
				migrated = rec
				return version, payload, nil
			}
			rec, err := s.loadLegacy(addr)
			if err != nil || rec == nil {
				return 0, nil, err
			}
			migrated = rec
			return VersionArchiveStates, encodeRecord(rec), nil
		})
	if err != nil {
		return nil, err
	}
	if migrated == nil {
		return NewRecord(), nil
	}
	if err := s.deleteLegacy(addr); err != nil {
		return nil, err
	}
	return migrated, nil
}

// loadLegacy returns nil, nil when any of the three v1 records is missing.
func (s *Store) loadLegacy(addr RecipientDevice) (*Record, error) {
	payloads := make([][]byte, 3)
	for i, kind := range []string{KindLegacySession, KindLocalKey, KindRemoteKey} {
		_, p, err := s.records.Load(addr.key(kind), LegacyVersion)
		if errors.Is(err, record.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("session: legacy %s: %w", kind, err)
		}
		payloads[i] = p
	}

	ls, err := decodeLegacySession(payloads[0])
	if err != nil {
		return nil, fmt.Errorf("session: legacy session %s: %w", addr, err)
	}
	local, err := decodeLegacyKey(payloads[1])
	if err != nil {
		return nil, fmt.Errorf("session: legacy local key %s: %w", addr, err)
	}
	remote, err := decodeLegacyKey(payloads[2])
	if err != nil {
		return nil, fmt.Errorf("session: legacy remote key %s: %w", addr, err)
	}
	rec, err := migrateLegacy(ls, local, remote)
	if err != nil {
		return nil, err
	}
	logf(s.logger, "session: migrated legacy session %s", addr)
	return rec, nil
}

func (s *Store) deleteLegacy(addr RecipientDevice) error {
	for _, kind := range []string{KindLegacySession, KindLocalKey, KindRemoteKey} {
		if err := s.records.Delete(addr.key(kind)); err != nil {
			return err
		}
	}
	return nil
}

// Store writes rec for addr in the archive-list layout.
func (s *Store) Store(addr RecipientDevice, rec *Record) error {
	return s.records.Save(addr.key(KindSession), VersionArchiveStates, encodeRecord(rec))
}

// Update loads the record for addr, applies fn and stores the result while
// holding the record's lock.
func (s *Store) Update(addr RecipientDevice, fn func(*Record) error) error {
	// Migrate first so the locked cycle below only sees the v2 layout.
	if _, err := s.Load(addr); err != nil {
		return err
	}
	return s.records.Update(addr.key(KindSession), []int32{VersionSingleState, VersionArchiveStates},
		func(version int32, payload []byte, found bool) (int32, []byte, error) {
			rec := NewRecord()
			if found {
				var err error
				if rec, err = decodeVersioned(version, payload); err != nil {
					return 0, nil, err
				}
			}
			if err := fn(rec); err != nil {
				return 0, nil, err
			}
			return VersionArchiveStates, encodeRecord(rec), nil
		})
}

// Contains reports whether a session exists for addr and can send.
func (s *Store) Contains(addr RecipientDevice) (bool, error) {
	exists, err := s.exists(addr)
	if err != nil || !exists {
		return false, err
	}
	rec, err := s.Load(addr)
	if err != nil {
		return false, err
	}
	return rec.Current().HasSenderChain(), nil
}

func (s *Store) exists(addr RecipientDevice) (bool, error) {
	ok, err := s.records.Exists(addr.key(KindSession))
	if err != nil || ok {
		return ok, err
	}
	for _, kind := range []string{KindLocalKey, KindRemoteKey} {
		ok, err := s.records.Exists(addr.key(kind))
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Delete removes the session for addr in every layout.
func (s *Store) Delete(addr RecipientDevice) error {
	if err := s.records.Delete(addr.key(KindSession)); err != nil {
		return err
	}
	return s.deleteLegacy(addr)
}

// DeleteAll removes the sessions of every device of name.
func (s *Store) DeleteAll(name string) error {
	ids, err := s.devices(name)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Delete(RecipientDevice{RecipientID: name, DeviceID: id}); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveSession archives the current state of addr, if there is one.
func (s *Store) ArchiveSession(addr RecipientDevice) error {
	exists, err := s.exists(addr)
	if err != nil || !exists {
		return err
	}
	return s.Update(addr, func(rec *Record) error {
		rec.ArchiveCurrentState()
		return nil
	})
}

// SubDeviceSessions lists the device ids other than the primary with a
// stored session.
func (s *Store) SubDeviceSessions(name string) ([]uint32, error) {
	ids, err := s.sessionDevices(name)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, id := range ids {
		if id != DefaultDeviceID {
			out = append(out, id)
		}
	}
	return out, nil
}

// HasSession reports whether any device of name has a stored session.
func (s *Store) HasSession(name string) (bool, error) {
	ids, err := s.sessionDevices(name)
	return len(ids) > 0, err
}

// sessionDevices returns the devices of name that hold a loadable session.
func (s *Store) sessionDevices(name string) ([]uint32, error) {
	ids, err := s.devices(name)
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		ok, err := s.exists(RecipientDevice{RecipientID: name, DeviceID: id})
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// devices merges the device ids holding any session record of name, in
// either layout, ascending.
func (s *Store) devices(name string) ([]uint32, error) {
	seen := map[uint32]bool{}
	var out []uint32
	for _, kind := range []string{KindSession, KindLegacySession, KindLocalKey, KindRemoteKey} {
		ids, err := s.records.Devices(kind, name)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
