package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// CipherKey is an AES-256 key.
type CipherKey []byte

const (
	CipherKeySize  = 32
	gcmNonceSize   = 12
	gcmTagSize     = 16
	sealedOverhead = gcmNonceSize + gcmTagSize
)

var ErrCiphertextTooShort = errors.New("util: ciphertext too short")

// RandomBytes fills a new slice of n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// SealedSize is the length Seal produces for n bytes of plaintext.
func SealedSize(n int) int {
	return n + sealedOverhead
}

// Seal encrypts and authenticates plaintext with AES-GCM, binding the
// additional data ad. The random nonce is prepended to the result.
func Seal(key CipherKey, plaintext, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, ad), nil
}

// Open reverses Seal. A wrong key or tampered input fails authentication.
func Open(key CipherKey, sealed, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, ad)
}

func newGCM(key CipherKey) (cipher.AEAD, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(c)
}
