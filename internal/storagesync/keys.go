package storagesync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned when a manifest or item fails authentication.
var ErrDecrypt = errors.New("storagesync: decrypt failed")

const ivLength = 12 // AES-GCM nonce length

// StorageKey encrypts everything stored on the storage service.
// Derived via HMAC-SHA256(masterKey, "Storage Service Encryption").
type StorageKey [32]byte

// ManifestKey encrypts one manifest version.
type ManifestKey [32]byte

// ItemKey encrypts one storage item.
type ItemKey [32]byte

// DeriveStorageKey derives the storage key from a 32-byte master key.
func DeriveStorageKey(masterKey []byte) (StorageKey, error) {
	if len(masterKey) != 32 {
		return StorageKey{}, fmt.Errorf("storagesync: master key must be 32 bytes, got %d", len(masterKey))
	}
	var key StorageKey
	copy(key[:], hmacSHA256(masterKey, "Storage Service Encryption"))
	return key, nil
}

// ManifestKey derives the key for the manifest at version.
func (k StorageKey) ManifestKey(version uint64) ManifestKey {
	var key ManifestKey
	copy(key[:], hmacSHA256(k[:], fmt.Sprintf("Manifest_%d", version)))
	return key
}

// ItemKey derives the item key for rawID when the manifest has no record IKM.
func (k StorageKey) ItemKey(rawID []byte) ItemKey {
	var key ItemKey
	copy(key[:], hmacSHA256(k[:], "Item_"+base64.StdEncoding.EncodeToString(rawID)))
	return key
}

// RecordIKM is the item key material carried by newer manifests.
type RecordIKM []byte

// ItemKey derives the item key for rawID with HKDF.
func (ikm RecordIKM) ItemKey(rawID []byte) (ItemKey, error) {
	if len(ikm) == 0 {
		return ItemKey{}, errors.New("storagesync: record ikm is empty")
	}
	info := append([]byte("20240801_SIGNAL_STORAGE_SERVICE_ITEM_"), rawID...)
	var key ItemKey
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, info), key[:]); err != nil {
		return ItemKey{}, fmt.Errorf("storagesync: hkdf: %w", err)
	}
	return key, nil
}

// itemKey picks the IKM derivation when ikm is set, the legacy one otherwise.
func itemKey(sk StorageKey, ikm RecordIKM, rawID []byte) (ItemKey, error) {
	if len(ikm) > 0 {
		return ikm.ItemKey(rawID)
	}
	return sk.ItemKey(rawID), nil
}

func hmacSHA256(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

// seal encrypts plaintext as iv(12) || ciphertext || tag(16).
func seal(key []byte, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivLength, ivLength+len(plaintext)+gcm.Overhead())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("storagesync: iv: %w", err)
	}
	return gcm.Seal(iv, iv, plaintext, nil), nil
}

// open reverses seal.
func open(key []byte, data []byte) ([]byte, error) {
	if len(data) < ivLength {
		return nil, fmt.Errorf("%w: data too short: %d bytes", ErrDecrypt, len(data))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, data[:ivLength], data[ivLength:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("storagesync: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("storagesync: gcm: %w", err)
	}
	return gcm, nil
}
