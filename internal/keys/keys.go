// Package keys provides the Curve25519 key pairs held in session and
// pre-key records, with Signal's 0x05-prefixed public key encoding.
package keys

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// DjbType prefixes every serialized public key.
const DjbType = 0x05

// PublicKey is a raw Curve25519 point.
type PublicKey [32]byte

// PrivateKey is a clamped Curve25519 scalar.
type PrivateKey [32]byte

// KeyPair couples a private key with its public half.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// GenerateKeyPair returns a fresh key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("keys: generate: %w", err)
	}
	clamp(&kp.Private)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: derive public: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// KeyPairFromPrivate rebuilds a KeyPair from a stored private key.
func KeyPairFromPrivate(priv []byte) (KeyPair, error) {
	if len(priv) != 32 {
		return KeyPair{}, fmt.Errorf("keys: private key must be 32 bytes, got %d", len(priv))
	}
	var kp KeyPair
	copy(kp.Private[:], priv)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: derive public: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Agree computes the X25519 shared secret with a peer public key.
func (kp KeyPair) Agree(peer PublicKey) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(kp.Private[:], peer[:])
	if err != nil {
		return out, fmt.Errorf("keys: agree: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}

// Serialize returns the 33-byte type-prefixed encoding.
func (p PublicKey) Serialize() []byte {
	out := make([]byte, 33)
	out[0] = DjbType
	copy(out[1:], p[:])
	return out
}

// Equal compares in constant time.
func (p PublicKey) Equal(o PublicKey) bool {
	return subtle.ConstantTimeCompare(p[:], o[:]) == 1
}

// DecodePublicKey parses a type-prefixed public key.
func DecodePublicKey(b []byte) (PublicKey, error) {
	var p PublicKey
	if len(b) != 33 {
		return p, fmt.Errorf("keys: public key must be 33 bytes, got %d", len(b))
	}
	if b[0] != DjbType {
		return p, fmt.Errorf("keys: unknown key type 0x%02x", b[0])
	}
	copy(p[:], b[1:])
	return p, nil
}

func clamp(k *PrivateKey) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
