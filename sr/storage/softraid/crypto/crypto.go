// Package crypto implements the per-block transform of crypto volumes and
// the passphrase masking of their key set.
//
// Every 512-byte sector is encrypted with AES-256-XTS using the sector's
// volume block number as the tweak. The volume address space is split in
// ranges of 2^30 blocks, each range under its own key.
package crypto

import (
	"crypto/aes"
	"errors"
	"fmt"

	"golang.org/x/crypto/xts"
)

const (
	SectorSize = 512
	KeySize    = 64 // AES-256-XTS, two 256-bit halves
	KeyCount   = 32
	KeyShift   = 30
)

var (
	ErrSectorAlignment = errors.New("crypto: buffer length not a multiple of the sector size")
	ErrKeyRange        = errors.New("crypto: block number beyond key set")
	ErrBadPassphrase   = errors.New("crypto: key set authentication failed")
)

// KeySet holds the data keys of one volume.
type KeySet [KeyCount][KeySize]byte

// NewKeySet generates random keys.
func NewKeySet() (*KeySet, error) {
	var ks KeySet
	b, err := randomBytes(KeyCount * KeySize)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key set: %w", err)
	}
	ks.setBytes(b)
	clear(b)
	return &ks, nil
}

func (ks *KeySet) bytes() []byte {
	b := make([]byte, 0, KeyCount*KeySize)
	for i := range ks {
		b = append(b, ks[i][:]...)
	}
	return b
}

func (ks *KeySet) setBytes(b []byte) {
	for i := range ks {
		copy(ks[i][:], b[i*KeySize:])
	}
}

// Zero wipes the keys.
func (ks *KeySet) Zero() {
	for i := range ks {
		clear(ks[i][:])
	}
}

// Transform encrypts and decrypts volume sectors. It is safe for concurrent use.
type Transform struct {
	ciphers [KeyCount]*xts.Cipher
}

func NewTransform(ks *KeySet) (*Transform, error) {
	t := &Transform{}
	for i := range ks {
		c, err := xts.NewCipher(aes.NewCipher, ks[i][:])
		if err != nil {
			return nil, fmt.Errorf("crypto: key %d: %w", i, err)
		}
		t.ciphers[i] = c
	}
	return t, nil
}

func (t *Transform) cipherFor(blkno uint64) (*xts.Cipher, error) {
	idx := blkno >> KeyShift
	if idx >= KeyCount {
		return nil, fmt.Errorf("%w: block %d", ErrKeyRange, blkno)
	}
	return t.ciphers[idx], nil
}

func checkBuffers(dst, src []byte) error {
	if len(src)%SectorSize != 0 || len(src) == 0 {
		return fmt.Errorf("%w: %d bytes", ErrSectorAlignment, len(src))
	}
	if len(dst) < len(src) {
		return fmt.Errorf("crypto: destination %d bytes shorter than source %d", len(dst), len(src))
	}
	return nil
}

// Encrypt writes the ciphertext of the sectors in src, the first of which is
// volume block blkno, to dst. dst and src may be the same slice.
func (t *Transform) Encrypt(dst, src []byte, blkno uint64) error {
	if err := checkBuffers(dst, src); err != nil {
		return err
	}
	for off := 0; off < len(src); off += SectorSize {
		sector := blkno + uint64(off/SectorSize)
		c, err := t.cipherFor(sector)
		if err != nil {
			return err
		}
		c.Encrypt(dst[off:off+SectorSize], src[off:off+SectorSize], sector)
	}
	return nil
}

// Decrypt reverses Encrypt.
func (t *Transform) Decrypt(dst, src []byte, blkno uint64) error {
	if err := checkBuffers(dst, src); err != nil {
		return err
	}
	for off := 0; off < len(src); off += SectorSize {
		sector := blkno + uint64(off/SectorSize)
		c, err := t.cipherFor(sector)
		if err != nil {
			return err
		}
		c.Decrypt(dst[off:off+SectorSize], src[off:off+SectorSize], sector)
	}
	return nil
}
