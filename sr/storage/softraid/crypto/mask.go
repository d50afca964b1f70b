package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/seaweedfs/softraid/sr/util"
)

const (
	AlgPBKDF2AESGCM uint32 = 1

	SaltSize       = 32
	maskHeaderSize = 16
)

var (
	SealedKeySize = util.SealedSize(KeyCount * KeySize)
	// MaskedSize is the encoded length of a MaskedKeys.
	MaskedSize = maskHeaderSize + SaltSize + SealedKeySize

	ErrMaskedKeys = errors.New("crypto: malformed masked key set")
)

// MaskedKeys is a key set sealed under a passphrase derived key, as stored
// in the volume metadata.
//
//	0  alg       u32
//	4  rounds    u32
//	8  key count u32
//	12 reserved  u32
//	16 salt      [32]
//	48 sealed    [12 nonce | keys | 16 tag]
type MaskedKeys struct {
	Alg    uint32
	Rounds uint32
	Salt   [SaltSize]byte
	Sealed []byte
}

func randomBytes(n int) ([]byte, error) {
	return util.RandomBytes(n)
}

// DeriveMaskKey stretches a passphrase with PBKDF2-SHA256.
func DeriveMaskKey(passphrase, salt []byte, rounds int) util.CipherKey {
	return util.CipherKey(pbkdf2.Key(passphrase, salt, rounds, util.CipherKeySize, sha256.New))
}

// MaskKeys seals ks under passphrase. ad, typically the volume UUID, is bound
// into the authentication tag.
func MaskKeys(ks *KeySet, passphrase []byte, rounds int, ad []byte) (*MaskedKeys, error) {
	if rounds < 1 {
		return nil, fmt.Errorf("crypto: invalid kdf rounds %d", rounds)
	}
	salt, err := randomBytes(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	mk := &MaskedKeys{Alg: AlgPBKDF2AESGCM, Rounds: uint32(rounds)}
	copy(mk.Salt[:], salt)

	key := DeriveMaskKey(passphrase, mk.Salt[:], rounds)
	defer clear(key)
	plain := ks.bytes()
	defer clear(plain)
	if mk.Sealed, err = util.Seal(key, plain, ad); err != nil {
		return nil, fmt.Errorf("crypto: seal key set: %w", err)
	}
	return mk, nil
}

// Unmask recovers the key set. A wrong passphrase or ad yields ErrBadPassphrase.
func (mk *MaskedKeys) Unmask(passphrase []byte, ad []byte) (*KeySet, error) {
	if mk.Alg != AlgPBKDF2AESGCM {
		return nil, fmt.Errorf("%w: algorithm %d", ErrMaskedKeys, mk.Alg)
	}
	key := DeriveMaskKey(passphrase, mk.Salt[:], int(mk.Rounds))
	defer clear(key)
	plain, err := util.Open(key, mk.Sealed, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
	}
	defer clear(plain)
	if len(plain) != KeyCount*KeySize {
		return nil, fmt.Errorf("%w: %d key bytes", ErrMaskedKeys, len(plain))
	}
	var ks KeySet
	ks.setBytes(plain)
	return &ks, nil
}

func (mk *MaskedKeys) Marshal() []byte {
	b := make([]byte, MaskedSize)
	binary.LittleEndian.PutUint32(b[0:], mk.Alg)
	binary.LittleEndian.PutUint32(b[4:], mk.Rounds)
	binary.LittleEndian.PutUint32(b[8:], KeyCount)
	copy(b[maskHeaderSize:], mk.Salt[:])
	copy(b[maskHeaderSize+SaltSize:], mk.Sealed)
	return b
}

func UnmarshalMaskedKeys(b []byte) (*MaskedKeys, error) {
	if len(b) != MaskedSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrMaskedKeys, len(b), MaskedSize)
	}
	if n := binary.LittleEndian.Uint32(b[8:]); n != KeyCount {
		return nil, fmt.Errorf("%w: %d keys", ErrMaskedKeys, n)
	}
	mk := &MaskedKeys{
		Alg:    binary.LittleEndian.Uint32(b[0:]),
		Rounds: binary.LittleEndian.Uint32(b[4:]),
		Sealed: append([]byte(nil), b[maskHeaderSize+SaltSize:]...),
	}
	if mk.Rounds == 0 {
		return nil, fmt.Errorf("%w: zero kdf rounds", ErrMaskedKeys)
	}
	copy(mk.Salt[:], b[maskHeaderSize:])
	return mk, nil
}
