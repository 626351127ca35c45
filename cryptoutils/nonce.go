package cryptoutils

import (
	"crypto/rand"
	"crypto/sha512"
)

// NonceSize is the length of attestation challenges.
const NonceSize = 32

// NewNonce returns NonceSize random bytes.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// ReportDataForNonce is the 64-byte report data a guest binds into hardware
// evidence for nonce.
func ReportDataForNonce(nonce []byte) [64]byte {
	return sha512.Sum512(nonce)
}
