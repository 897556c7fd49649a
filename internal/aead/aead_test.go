package aead

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsync/clipsync/internal/config"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	for _, enc := range []config.Encryption{config.EncryptionAES256GCM, config.EncryptionChaCha20Poly1305} {
		t.Run(string(enc), func(t *testing.T) {
			key, err := GenerateKey()
			require.NoError(t, err)
			c, err := New(enc, key)
			require.NoError(t, err)

			plaintext := []byte("clipboard contents")
			aad := []byte("frame-header")

			nonce, ct, err := c.Seal(plaintext, aad)
			require.NoError(t, err)
			assert.Len(t, nonce, NonceSize)

			pt, err := c.Open(nonce, ct, aad)
			require.NoError(t, err)
			assert.Equal(t, plaintext, pt)
		})
	}
}

func TestOpen_RejectsTamperedCiphertext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := New(config.EncryptionAES256GCM, key)
	require.NoError(t, err)

	nonce, ct, err := c.Seal([]byte("secret"), nil)
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = c.Open(nonce, ct, nil)
	assert.Error(t, err)
}

func TestOpen_RejectsMismatchedAAD(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := New(config.EncryptionChaCha20Poly1305, key)
	require.NoError(t, err)

	nonce, ct, err := c.Seal([]byte("secret"), []byte("aad-1"))
	require.NoError(t, err)

	_, err = c.Open(nonce, ct, []byte("aad-2"))
	assert.Error(t, err)
}

func TestSealAt_IsDeterministic(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := New(config.EncryptionAES256GCM, key)
	require.NoError(t, err)

	nonce := SequenceNonce(0x01, 7)
	ct1, err := c.SealAt(nonce, []byte("payload"), nil)
	require.NoError(t, err)
	ct2, err := c.SealAt(nonce, []byte("payload"), nil)
	require.NoError(t, err)
	assert.Equal(t, ct1, ct2)

	pt, err := c.Open(nonce, ct1, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), pt)
}

func TestSealAt_RejectsBadNonceSize(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := New(config.EncryptionAES256GCM, key)
	require.NoError(t, err)

	_, err = c.SealAt([]byte("short"), []byte("payload"), nil)
	assert.Error(t, err)
}

func TestSequenceNonce_VariesByDirectionAndSequence(t *testing.T) {
	a := SequenceNonce(0, 1)
	b := SequenceNonce(1, 1)
	c := SequenceNonce(0, 2)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNew_RejectsWrongKeySize(t *testing.T) {
	_, err := New(config.EncryptionAES256GCM, []byte("tooshort"))
	assert.Error(t, err)
}

func TestNew_RejectsUnknownEncryption(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	_, err = New(config.Encryption("rot13"), key)
	assert.Error(t, err)
}
