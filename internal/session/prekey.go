package session

import (
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/signal-state/internal/keys"
	"github.com/gwillem/signal-state/internal/pbwire"
	"github.com/gwillem/signal-state/internal/record"
)

const (
	KindPreKey       = "prekey"
	KindSignedPreKey = "signed_prekey"

	preKeyVersion int32 = 1

	// MaxPreKeyID is the largest id a pre-key can carry (a 24-bit medium).
	MaxPreKeyID = 0xFFFFFF
)

// ErrNoPreKey is returned when a pre-key id is not stored.
var ErrNoPreKey = errors.New("session: no such pre-key")

// PreKeyRecord is a one-time pre-key.
type PreKeyRecord struct {
	ID      uint32
	KeyPair keys.KeyPair
}

// SignedPreKeyRecord is a medium-term signed pre-key.
type SignedPreKeyRecord struct {
	ID        uint32
	KeyPair   keys.KeyPair
	Signature []byte
	Timestamp uint64
}

// PreKeyStore persists pre-keys on the encrypted record store.
type PreKeyStore struct {
	records *record.Store
}

func NewPreKeyStore(records *record.Store) *PreKeyStore {
	return &PreKeyStore{records: records}
}

func preKeyKey(kind string, id uint32) record.Key {
	return record.Key{Kind: kind, Name: strconv.FormatUint(uint64(id), 10)}
}

// GeneratePreKeys creates count fresh pre-keys with ids following start,
// wrapping before MaxPreKeyID. It returns the keys and the next start.
func GeneratePreKeys(start uint32, count int) ([]PreKeyRecord, uint32, error) {
	out := make([]PreKeyRecord, 0, count)
	for i := range count {
		kp, err := keys.GenerateKeyPair()
		if err != nil {
			return nil, 0, err
		}
		id := (start+uint32(i))%(MaxPreKeyID-1) + 1
		out = append(out, PreKeyRecord{ID: id, KeyPair: kp})
	}
	next := (start + uint32(count)) % (MaxPreKeyID - 1)
	return out, next, nil
}

func (s *PreKeyStore) LoadPreKey(id uint32) (*PreKeyRecord, error) {
	_, payload, err := s.records.Load(preKeyKey(KindPreKey, id), preKeyVersion)
	if errors.Is(err, record.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNoPreKey, id)
	}
	if err != nil {
		return nil, err
	}
	id2, kp, _, _, err := decodePreKey(payload)
	if err != nil {
		return nil, fmt.Errorf("session: pre-key %d: %w", id, err)
	}
	return &PreKeyRecord{ID: id2, KeyPair: kp}, nil
}

func (s *PreKeyStore) StorePreKey(rec PreKeyRecord) error {
	return s.records.Save(preKeyKey(KindPreKey, rec.ID), preKeyVersion, encodePreKey(rec.ID, rec.KeyPair, nil, 0))
}

func (s *PreKeyStore) ContainsPreKey(id uint32) (bool, error) {
	return s.records.Exists(preKeyKey(KindPreKey, id))
}

func (s *PreKeyStore) RemovePreKey(id uint32) error {
	return s.records.Delete(preKeyKey(KindPreKey, id))
}

func (s *PreKeyStore) LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error) {
	_, payload, err := s.records.Load(preKeyKey(KindSignedPreKey, id), preKeyVersion)
	if errors.Is(err, record.ErrNotFound) {
		return nil, fmt.Errorf("%w: signed %d", ErrNoPreKey, id)
	}
	if err != nil {
		return nil, err
	}
	id2, kp, sig, ts, err := decodePreKey(payload)
	if err != nil {
		return nil, fmt.Errorf("session: signed pre-key %d: %w", id, err)
	}
	return &SignedPreKeyRecord{ID: id2, KeyPair: kp, Signature: sig, Timestamp: ts}, nil
}

func (s *PreKeyStore) StoreSignedPreKey(rec SignedPreKeyRecord) error {
	return s.records.Save(preKeyKey(KindSignedPreKey, rec.ID), preKeyVersion,
		encodePreKey(rec.ID, rec.KeyPair, rec.Signature, rec.Timestamp))
}

func (s *PreKeyStore) ContainsSignedPreKey(id uint32) (bool, error) {
	return s.records.Exists(preKeyKey(KindSignedPreKey, id))
}

func (s *PreKeyStore) RemoveSignedPreKey(id uint32) error {
	return s.records.Delete(preKeyKey(KindSignedPreKey, id))
}

// Field numbers follow libsignal's PreKeyRecordStructure and
// SignedPreKeyRecordStructure; the unsigned form never sets 4 or 5.
func encodePreKey(id uint32, kp keys.KeyPair, sig []byte, ts uint64) []byte {
	var b []byte
	b = pbwire.AppendVarintAlways(b, 1, uint64(id))
	b = pbwire.AppendBytes(b, 2, kp.Public.Serialize())
	b = pbwire.AppendBytes(b, 3, kp.Private[:])
	b = pbwire.AppendBytes(b, 4, sig)
	b = pbwire.AppendFixed64(b, 5, ts)
	return b
}

func decodePreKey(b []byte) (id uint32, kp keys.KeyPair, sig []byte, ts uint64, err error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return 0, kp, nil, 0, err
	}
	var priv []byte
	for _, f := range fields {
		switch f.Num {
		case 1:
			id = uint32(f.Varint)
		case 2:
			if err := f.Expect(protowire.BytesType); err != nil {
				return 0, kp, nil, 0, err
			}
			if kp.Public, err = keys.DecodePublicKey(f.Bytes); err != nil {
				return 0, kp, nil, 0, err
			}
		case 3:
			priv = f.Bytes
		case 4:
			sig = clone(f.Bytes)
		case 5:
			ts = f.Varint
		}
	}
	full, err := keys.KeyPairFromPrivate(priv)
	if err != nil {
		return 0, kp, nil, 0, err
	}
	if !full.Public.Equal(kp.Public) {
		return 0, kp, nil, 0, errors.New("public key does not match private key")
	}
	return id, full, sig, ts, nil
}
