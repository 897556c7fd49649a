package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// authorizedKeyLine generates a throwaway ed25519 key and renders it as an
// authorized_keys line, the same way identity.generate does.
func authorizedKeyLine(t *testing.T) (line, fingerprint string) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	rendered := string(ssh.MarshalAuthorizedKey(sshPub))
	fp, err := ParseAuthorizedKeyLine(rendered)
	require.NoError(t, err)
	return rendered[:len(rendered)-1], fp // strip trailing newline MarshalAuthorizedKey adds
}

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "trusted_devices.json"), filepath.Join(dir, "authorized_keys"))
	require.NoError(t, err)
	assert.Empty(t, s.All())
}

func TestTrustThenLookup(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "trusted_devices.json")
	akPath := filepath.Join(dir, "authorized_keys")

	s, err := Open(statePath, akPath)
	require.NoError(t, err)

	line, fp := authorizedKeyLine(t)
	require.NoError(t, s.Trust(fp, line, "laptop"))

	assert.True(t, s.IsTrusted(fp))
	rec, ok := s.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, DecisionTrusted, rec.Decision)
	assert.Equal(t, "laptop", rec.Name)

	akContents, err := os.ReadFile(akPath)
	require.NoError(t, err)
	assert.Contains(t, string(akContents), line)
}

func TestTrust_IsDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "trusted_devices.json")
	akPath := filepath.Join(dir, "authorized_keys")

	s1, err := Open(statePath, akPath)
	require.NoError(t, err)
	line, fp := authorizedKeyLine(t)
	require.NoError(t, s1.Trust(fp, line, "desktop"))

	s2, err := Open(statePath, akPath)
	require.NoError(t, err)
	assert.True(t, s2.IsTrusted(fp))
}

func TestRevoke_ThenNotTrusted(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "trusted_devices.json"), filepath.Join(dir, "authorized_keys"))
	require.NoError(t, err)

	line, fp := authorizedKeyLine(t)
	require.NoError(t, s.Trust(fp, line, "phone"))
	require.NoError(t, s.Revoke(fp))

	assert.False(t, s.IsTrusted(fp))
	rec, ok := s.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, DecisionRevoked, rec.Decision)
}

func TestRevoke_UnknownFingerprintErrors(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "trusted_devices.json"), filepath.Join(dir, "authorized_keys"))
	require.NoError(t, err)
	assert.Error(t, s.Revoke("SHA256:doesnotexist"))
}

func TestAppendAuthorizedKey_Deduplicates(t *testing.T) {
	dir := t.TempDir()
	akPath := filepath.Join(dir, "authorized_keys")
	s, err := Open(filepath.Join(dir, "trusted_devices.json"), akPath)
	require.NoError(t, err)

	line, fp := authorizedKeyLine(t)
	require.NoError(t, s.Trust(fp, line, "a"))
	require.NoError(t, s.Touch(fp))
	require.NoError(t, s.appendAuthorizedKey(line))

	contents, err := os.ReadFile(akPath)
	require.NoError(t, err)
	assert.Equal(t, 1, countOccurrences(string(contents), line))
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}
