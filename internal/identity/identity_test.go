package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestLoad_GeneratesOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")

	id, err := Load(keyPath)
	require.NoError(t, err)
	assert.Len(t, id.PublicKey, ed25519.PublicKeySize)
	assert.Contains(t, id.Fingerprint, "SHA256:")

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = os.Stat(keyPath + ".pub")
	require.NoError(t, err)
}

func TestLoad_IsStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")

	id1, err := Load(keyPath)
	require.NoError(t, err)

	id2, err := Load(keyPath)
	require.NoError(t, err)

	assert.Equal(t, id1.Fingerprint, id2.Fingerprint)
	assert.Equal(t, id1.PublicKey, id2.PublicKey)
	assert.Equal(t, id1.PeerID, id2.PeerID)
}

func TestLoad_PeerIDIsDistinctFromFingerprintAndPersisted(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")

	id, err := Load(keyPath)
	require.NoError(t, err)
	assert.NotEmpty(t, id.PeerID)
	assert.NotEqual(t, id.PeerID, id.Fingerprint)

	raw, err := os.ReadFile(keyPath + ".peerid")
	require.NoError(t, err)
	assert.Equal(t, id.PeerID, string(raw))
}

func TestLoad_PeerIDSurvivesKeyRotation(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")

	id1, err := Load(keyPath)
	require.NoError(t, err)

	require.NoError(t, os.Remove(keyPath))
	require.NoError(t, os.Remove(keyPath+".pub"))

	id2, err := Load(keyPath)
	require.NoError(t, err)

	assert.NotEqual(t, id1.Fingerprint, id2.Fingerprint, "rotating the key must change the fingerprint")
	assert.Equal(t, id1.PeerID, id2.PeerID, "peer_id must survive key rotation")
}

func TestSignVerify_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := Load(filepath.Join(dir, "id_ed25519"))
	require.NoError(t, err)

	msg := []byte("handshake challenge")
	sig := id.Sign(msg)
	assert.True(t, Verify(id.PublicKey, msg, sig))
	assert.False(t, Verify(id.PublicKey, []byte("tampered"), sig))
}

func TestVerify_RejectsWrongKeySize(t *testing.T) {
	assert.False(t, Verify(ed25519.PublicKey{1, 2, 3}, []byte("m"), []byte("s")))
}

func TestZeroize_ClearsPrivateKey(t *testing.T) {
	dir := t.TempDir()
	id, err := Load(filepath.Join(dir, "id_ed25519"))
	require.NoError(t, err)

	msg := []byte("pre-zeroize")
	sig := id.Sign(msg)
	require.True(t, Verify(id.PublicKey, msg, sig))

	id.Zeroize()
	zeroSig := id.Sign(msg)
	assert.NotEqual(t, sig, zeroSig)
	assert.False(t, Verify(id.PublicKey, msg, zeroSig))
}

func TestFingerprint_MatchesSSHKeygenConvention(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	fp := Fingerprint(sshPub)
	assert.Regexp(t, `^SHA256:[A-Za-z0-9+/]{43}$`, fp)
}

func TestLoad_RejectsEncryptedKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "clipsync", []byte("hunter2"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	_, err = Load(keyPath)
	require.Error(t, err)
}
