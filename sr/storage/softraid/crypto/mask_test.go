package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRounds = 16

func TestMaskKeys(t *testing.T) {
	ks := testKeySet(t)
	pass := []byte("passphrase")
	ad := []byte("volume-uuid-0001")

	mk, err := MaskKeys(ks, pass, testRounds, ad)
	require.NoError(t, err)
	assert.Equal(t, AlgPBKDF2AESGCM, mk.Alg)
	assert.Len(t, mk.Sealed, SealedKeySize)

	b := mk.Marshal()
	assert.Len(t, b, MaskedSize)
	decoded, err := UnmarshalMaskedKeys(b)
	require.NoError(t, err)
	assert.Equal(t, mk, decoded)

	got, err := decoded.Unmask(pass, ad)
	require.NoError(t, err)
	assert.Equal(t, ks, got)

	tests := []struct {
		name string
		pass []byte
		ad   []byte
	}{
		{"wrong_passphrase", []byte("passphrasf"), ad},
		{"empty_passphrase", nil, ad},
		{"other_volume", pass, []byte("volume-uuid-0002")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decoded.Unmask(tt.pass, tt.ad)
			assert.ErrorIs(t, err, ErrBadPassphrase)
		})
	}
}

func TestMaskKeysSalted(t *testing.T) {
	ks := testKeySet(t)
	a, err := MaskKeys(ks, []byte("p"), testRounds, nil)
	require.NoError(t, err)
	b, err := MaskKeys(ks, []byte("p"), testRounds, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Sealed, b.Sealed)

	_, err = MaskKeys(ks, []byte("p"), 0, nil)
	assert.Error(t, err)
}

func TestUnmarshalMaskedKeys(t *testing.T) {
	mk, err := MaskKeys(testKeySet(t), []byte("p"), testRounds, nil)
	require.NoError(t, err)
	good := mk.Marshal()

	tests := []struct {
		name string
		mut  func(b []byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:len(b)-1] }},
		{"key_count", func(b []byte) []byte { b[8] = 7; return b }},
		{"zero_rounds", func(b []byte) []byte { clear(b[4:8]); return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mut(append([]byte(nil), good...))
			_, err := UnmarshalMaskedKeys(b)
			assert.ErrorIs(t, err, ErrMaskedKeys)
		})
	}

	mk.Alg = 9
	_, err = mk.Unmask([]byte("p"), nil)
	assert.ErrorIs(t, err, ErrMaskedKeys)
}
