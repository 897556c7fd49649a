package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate_RejectsEmptyListenAddr(t *testing.T) {
	cfg := Default()
	cfg.ListenAddr = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsTooShortSyncInterval(t *testing.T) {
	cfg := Default()
	cfg.SyncInterval = 50 * time.Millisecond
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnrecognizedEncryption(t *testing.T) {
	cfg := Default()
	cfg.Encryption = Encryption("rot13")
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyMIMEAllowList(t *testing.T) {
	cfg := Default()
	cfg.AllowedMIMETypes = nil
	assert.Error(t, cfg.Validate())
}

func TestAllowsMIME(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.AllowsMIME("text/plain"))
	assert.False(t, cfg.AllowsMIME("application/x-executable"))
}

func TestFromViper_OverridesDefaults(t *testing.T) {
	v := viper.New()
	v.Set("listen_addr", "127.0.0.1:9999")
	v.Set("security.encryption", "chacha20-poly1305")
	v.Set("clipboard.max_size", int64(1024))

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, EncryptionChaCha20Poly1305, cfg.Encryption)
	assert.Equal(t, int64(1024), cfg.MaxSize)
}

func TestFromViper_RejectsInvalidResult(t *testing.T) {
	v := viper.New()
	v.Set("listen_addr", "")
	_, err := FromViper(v)
	assert.Error(t, err)
}

func TestFromViper_UnmarshalsStaticPeers(t *testing.T) {
	v := viper.New()
	v.Set("peers", []map[string]string{
		{"name": "desktop", "address": "192.168.1.5:8484", "public_key": "ssh-ed25519 AAAA desktop"},
	})

	cfg, err := FromViper(v)
	require.NoError(t, err)
	require.Len(t, cfg.StaticPeers, 1)
	assert.Equal(t, "desktop", cfg.StaticPeers[0].Name)
}

func TestDerivedPaths_AreRootedAtDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data/clipsync"
	assert.Equal(t, "/data/clipsync/history.db", cfg.HistoryDBPath())
	assert.Equal(t, "/data/clipsync/history.key", cfg.HistoryKeyPath())
	assert.Equal(t, "/data/clipsync/trusted_devices.json", cfg.TrustedDevicesPath())
}
