package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	data := []byte("digest-bytes-to-sign")
	sig, err := signer.Sign(data)
	require.NoError(t, err)

	ok, err := Verify(signer.PublicKey(), sig, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	sig, err := signer.Sign([]byte("original"))
	require.NoError(t, err)

	ok, err := Verify(signer.PublicKey(), sig, []byte("tampered"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyDistinguishesMalformedKeyFromBadSignature(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)
	sig, err := signer.Sign([]byte("data"))
	require.NoError(t, err)

	t.Run("malformed public key hex", func(t *testing.T) {
		_, err := Verify("not-hex", sig, []byte("data"))
		assert.ErrorIs(t, err, ErrMalformedKey)
	})

	t.Run("wrong length public key", func(t *testing.T) {
		_, err := Verify(hex.EncodeToString([]byte("too-short")), sig, []byte("data"))
		assert.ErrorIs(t, err, ErrMalformedKey)
	})

	t.Run("well-formed key, wrong signature is a clean false", func(t *testing.T) {
		other, err := NewEd25519Signer("key-2")
		require.NoError(t, err)
		ok, err := Verify(other.PublicKey(), sig, []byte("data"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestNewEd25519SignerFromKey(t *testing.T) {
	original, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	wrapped := NewEd25519SignerFromKey(original.privKey, "key-1")
	assert.Equal(t, original.PublicKey(), wrapped.PublicKey())
}

func TestGenerateKeypair(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)
	assert.NotEmpty(t, pub)
	assert.NotEmpty(t, priv)
}
