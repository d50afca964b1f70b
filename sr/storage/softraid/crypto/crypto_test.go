package crypto

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeySet(t *testing.T) *KeySet {
	t.Helper()
	ks, err := NewKeySet()
	require.NoError(t, err)
	return ks
}

func TestTransform(t *testing.T) {
	tr, err := NewTransform(testKeySet(t))
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		name    string
		blkno   uint64
		sectors int
	}{
		{"first_block", 0, 1},
		{"multi_sector", 12345, 8},
		{"key_boundary", 1<<KeyShift - 2, 4},
		{"last_key", KeyCount<<KeyShift - 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plain := make([]byte, tt.sectors*SectorSize)
			rng.Read(plain)

			ct := make([]byte, len(plain))
			require.NoError(t, tr.Encrypt(ct, plain, tt.blkno))
			assert.NotEqual(t, plain, ct)

			got := make([]byte, len(ct))
			require.NoError(t, tr.Decrypt(got, ct, tt.blkno))
			assert.Equal(t, plain, got)

			// In place, as the read path decrypts its bounce buffer.
			require.NoError(t, tr.Decrypt(ct, ct, tt.blkno))
			assert.Equal(t, plain, ct)
		})
	}
}

func TestTransformTweak(t *testing.T) {
	tr, err := NewTransform(testKeySet(t))
	require.NoError(t, err)
	plain := bytes.Repeat([]byte{0x11}, SectorSize)

	a := make([]byte, SectorSize)
	b := make([]byte, SectorSize)
	require.NoError(t, tr.Encrypt(a, plain, 7))
	require.NoError(t, tr.Encrypt(b, plain, 8))
	assert.NotEqual(t, a, b)

	// Decrypting under the wrong block number garbles the sector.
	got := make([]byte, SectorSize)
	require.NoError(t, tr.Decrypt(got, a, 8))
	assert.NotEqual(t, plain, got)

	other, err := NewTransform(testKeySet(t))
	require.NoError(t, err)
	require.NoError(t, other.Encrypt(b, plain, 7))
	assert.NotEqual(t, a, b, "different key sets")
}

func TestTransformErrors(t *testing.T) {
	tr, err := NewTransform(testKeySet(t))
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Encrypt(make([]byte, 100), make([]byte, 100), 0), ErrSectorAlignment)
	assert.ErrorIs(t, tr.Decrypt(nil, nil, 0), ErrSectorAlignment)
	assert.Error(t, tr.Encrypt(make([]byte, SectorSize), make([]byte, 2*SectorSize), 0))
	assert.ErrorIs(t, tr.Encrypt(make([]byte, SectorSize), make([]byte, SectorSize), KeyCount<<KeyShift), ErrKeyRange)
	assert.ErrorIs(t, tr.Decrypt(make([]byte, 2*SectorSize), make([]byte, 2*SectorSize), KeyCount<<KeyShift-1), ErrKeyRange)
}

func TestKeySetZero(t *testing.T) {
	ks := testKeySet(t)
	assert.NotEqual(t, [KeySize]byte{}, ks[3])
	ks.Zero()
	for i := range ks {
		assert.Equal(t, [KeySize]byte{}, ks[i])
	}
}
