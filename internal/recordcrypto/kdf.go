package recordcrypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const masterSecretInfo = "Signal Local Record Encryption"

// DeriveMasterSecret expands a high-entropy master key into the cipher and
// MAC halves of a MasterSecret using HKDF-SHA256.
func DeriveMasterSecret(masterKey []byte) (MasterSecret, error) {
	if len(masterKey) < 32 {
		return MasterSecret{}, fmt.Errorf("recordcrypto: master key must be at least 32 bytes, got %d", len(masterKey))
	}
	r := hkdf.New(sha256.New, masterKey, nil, []byte(masterSecretInfo))
	var ms MasterSecret
	if _, err := io.ReadFull(r, ms.EncryptionKey[:]); err != nil {
		return MasterSecret{}, fmt.Errorf("recordcrypto: derive cipher key: %w", err)
	}
	if _, err := io.ReadFull(r, ms.MacKey[:]); err != nil {
		return MasterSecret{}, fmt.Errorf("recordcrypto: derive mac key: %w", err)
	}
	return ms, nil
}
