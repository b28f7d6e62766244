package recordcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// macLength is the length of the HMAC-SHA256 trailer.
const macLength = sha256.Size

func computeMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func verifyMAC(key, data, expected []byte) bool {
	return hmac.Equal(computeMAC(key, data), expected)
}
