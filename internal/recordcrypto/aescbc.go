package recordcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// encryptCBC encrypts plaintext with AES-256-CBC under a fresh random IV.
// Returns iv || ciphertext.
func encryptCBC(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("recordcrypto: %w", err)
	}

	padded := PKCS7Pad(plaintext, aes.BlockSize)

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("recordcrypto: read iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// decryptCBC reverses encryptCBC for a ciphertext that carries its IV up front.
func decryptCBC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("recordcrypto: %w", err)
	}
	if len(data) < 2*aes.BlockSize {
		return nil, fmt.Errorf("recordcrypto: ciphertext too short (%d bytes)", len(data))
	}
	iv, ct := data[:aes.BlockSize], data[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("recordcrypto: ciphertext length %d not a multiple of block size", len(ct))
	}

	plaintext := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ct)
	return PKCS7Unpad(plaintext, aes.BlockSize)
}
