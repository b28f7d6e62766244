package record

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gwillem/signal-state/internal/recordcrypto"
)

// ErrUnknownVersion is returned when a stored version marker is not one the
// caller understands. It is always fatal for that record.
var ErrUnknownVersion = errors.New("record: unknown version")

// Store persists encrypted records on a Backend. Operations on the same Key
// are serialized; operations on different keys run concurrently.
type Store struct {
	backend Backend
	cipher  *recordcrypto.MasterCipher
	locks   *KeyedMutex
}

// NewStore returns a Store sealing every payload with cipher.
func NewStore(backend Backend, cipher *recordcrypto.MasterCipher) *Store {
	return &Store{backend: backend, cipher: cipher, locks: NewKeyedMutex()}
}

// Save encrypts payload and writes it under key with the given version marker.
func (s *Store) Save(key Key, version int32, payload []byte) error {
	unlock := s.locks.Lock(key)
	defer unlock()
	return s.saveLocked(key, version, payload)
}

// Load reads and decrypts the record at key. When accept is non-empty the
// stored version must be one of its entries.
func (s *Store) Load(key Key, accept ...int32) (int32, []byte, error) {
	unlock := s.locks.Lock(key)
	defer unlock()
	return s.loadLocked(key, accept)
}

// Update runs a read-modify-write cycle under the record's lock. fn receives
// found=false and a nil payload when nothing is stored. Returning
// (0, nil, nil) from fn deletes the record.
func (s *Store) Update(key Key, accept []int32, fn func(version int32, payload []byte, found bool) (int32, []byte, error)) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	version, payload, err := s.loadLocked(key, accept)
	found := true
	if errors.Is(err, ErrNotFound) {
		found, err = false, nil
	}
	if err != nil {
		return err
	}

	newVersion, newPayload, err := fn(version, payload, found)
	if err != nil {
		return err
	}
	if newPayload == nil && newVersion == 0 {
		return s.deleteLocked(key)
	}
	return s.saveLocked(key, newVersion, newPayload)
}

// Delete removes the record at key. Deleting a missing record is not an error.
func (s *Store) Delete(key Key) error {
	unlock := s.locks.Lock(key)
	defer unlock()
	return s.deleteLocked(key)
}

// Exists reports whether a record is stored at key. It does not decrypt.
func (s *Store) Exists(key Key) (bool, error) {
	unlock := s.locks.Lock(key)
	defer unlock()
	_, err := s.backend.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record: exists %s: %w", key, err)
	}
	return true, nil
}

// Devices lists the device ids stored for (kind, name), ascending.
func (s *Store) Devices(kind, name string) ([]uint32, error) {
	ids, err := s.backend.Devices(kind, name)
	if err != nil {
		return nil, fmt.Errorf("record: devices %s/%s: %w", kind, name, err)
	}
	return ids, nil
}

func (s *Store) saveLocked(key Key, version int32, payload []byte) error {
	ct, err := s.cipher.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("record: encrypt %s: %w", key, err)
	}
	var w Writer
	w.WriteInt32(version)
	w.WriteField(ct)
	if err := s.backend.Put(key, w.Bytes()); err != nil {
		return fmt.Errorf("record: save %s: %w", key, err)
	}
	return nil
}

func (s *Store) loadLocked(key Key, accept []int32) (int32, []byte, error) {
	raw, err := s.backend.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, fmt.Errorf("record: load %s: %w", key, err)
	}

	r := NewReader(raw)
	version, err := r.ReadInt32()
	if err != nil {
		return 0, nil, fmt.Errorf("record: %s: %w", key, err)
	}
	if len(accept) > 0 && !slices.Contains(accept, version) {
		return 0, nil, fmt.Errorf("%w %d for %s", ErrUnknownVersion, version, key)
	}
	ct, err := r.ReadField()
	if err != nil {
		return 0, nil, fmt.Errorf("record: %s: %w", key, err)
	}
	payload, err := s.cipher.Decrypt(ct)
	if err != nil {
		return 0, nil, fmt.Errorf("record: decrypt %s: %w", key, err)
	}
	return version, payload, nil
}

func (s *Store) deleteLocked(key Key) error {
	if err := s.backend.Delete(key); err != nil {
		return fmt.Errorf("record: delete %s: %w", key, err)
	}
	return nil
}
