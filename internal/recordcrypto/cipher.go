package recordcrypto

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned for any ciphertext that fails authentication
// or cannot be decrypted. Callers never receive partial plaintext.
var ErrInvalidMessage = errors.New("recordcrypto: invalid message")

// MasterSecret holds the session-lifetime keys every record is sealed with.
type MasterSecret struct {
	EncryptionKey [32]byte
	MacKey        [32]byte
}

// MasterCipher seals and opens record payloads with a MasterSecret.
// Output layout: iv(16) || AES-256-CBC ciphertext || HMAC-SHA256(iv || ciphertext).
type MasterCipher struct {
	secret MasterSecret
}

// NewMasterCipher returns a cipher bound to secret.
func NewMasterCipher(secret MasterSecret) *MasterCipher {
	return &MasterCipher{secret: secret}
}

// Encrypt seals plaintext.
func (c *MasterCipher) Encrypt(plaintext []byte) ([]byte, error) {
	body, err := encryptCBC(c.secret.EncryptionKey[:], plaintext)
	if err != nil {
		return nil, err
	}
	return append(body, computeMAC(c.secret.MacKey[:], body)...), nil
}

// Decrypt verifies and opens data produced by Encrypt.
func (c *MasterCipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < macLength {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the mac", ErrInvalidMessage, len(data))
	}
	body, mac := data[:len(data)-macLength], data[len(data)-macLength:]
	if !verifyMAC(c.secret.MacKey[:], body, mac) {
		return nil, fmt.Errorf("%w: mac mismatch", ErrInvalidMessage)
	}
	plaintext, err := decryptCBC(c.secret.EncryptionKey[:], body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return plaintext, nil
}
