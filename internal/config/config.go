// Package config loads and validates the typed settings every other
// ClipSync component is built from. It is the only package allowed to
// know about the on-disk/env/flag representation (github.com/spf13/viper);
// everything downstream receives a validated Config value, never a
// *viper.Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clipsync/clipsync/internal/clipsyncerr"
)

// Encryption selects the AEAD used for history and transport sessions.
type Encryption string

const (
	EncryptionAES256GCM       Encryption = "aes-256-gcm"
	EncryptionChaCha20Poly1305 Encryption = "chacha20-poly1305"
)

// Compression selects whether large plaintexts are compressed before
// encryption in the history store.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionNone Compression = "none"
)

// StaticPeer is one `[[peers]]` entry from the config file: a peer that is
// never expired and is trusted if its public key matches.
type StaticPeer struct {
	Name      string `mapstructure:"name"`
	Address   string `mapstructure:"address"`
	PublicKey string `mapstructure:"public_key"` // OpenSSH authorized_keys line
}

// Config is the fully validated, typed settings set consumed by every
// other component. Construct it with Load or Default; never populate it
// by hand in non-test code.
type Config struct {
	ListenAddr     string
	AdvertiseName  string

	SSHKeyPath        string
	AuthorizedKeysPath string

	MaxSize              int64
	HistorySize          int
	SyncInterval         time.Duration
	CompressionThreshold int64
	AllowedMIMETypes     []string

	Compression Compression
	Encryption  Encryption

	StaticPeers []StaticPeer

	DataDir string

	LostPeerTimeout time.Duration
}

const (
	defaultListenAddr  = ":8484"
	defaultMaxSize     = 5 * 1024 * 1024
	defaultHistorySize = 20
	defaultSyncInterval = time.Second
	defaultCompressionThreshold = 100 * 1024
	defaultLostPeerTimeout = 5 * time.Minute
)

func defaultAllowedMIMETypes() []string {
	return []string{
		"text/plain", "text/html", "text/rtf",
		"image/png", "image/jpeg", "image/tiff",
	}
}

// Default returns a Config with every recognized option at its documented
// default, rooted at the user's standard config directory.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ListenAddr:           defaultListenAddr,
		AdvertiseName:        hostname(),
		SSHKeyPath:           filepath.Join(home, ".ssh", "id_ed25519"),
		AuthorizedKeysPath:   filepath.Join(home, ".config", "clipsync", "authorized_keys"),
		MaxSize:              defaultMaxSize,
		HistorySize:          defaultHistorySize,
		SyncInterval:         defaultSyncInterval,
		CompressionThreshold: defaultCompressionThreshold,
		AllowedMIMETypes:     defaultAllowedMIMETypes(),
		Compression:          CompressionZstd,
		Encryption:           EncryptionAES256GCM,
		DataDir:              filepath.Join(home, ".config", "clipsync"),
		LostPeerTimeout:      defaultLostPeerTimeout,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "clipsync-node"
	}
	return h
}

// BindViper wires a cobra command's flags into v with the standard
// search-path precedence: defaults → config file → CLIPSYNC_* env → flags.
// Grounded on the teacher daemon's own bindViper helper.
func BindViper(cmd *cobra.Command, v *viper.Viper) error {
	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName("clipsync")
		v.SetConfigType("toml")
		for _, p := range searchPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("CLIPSYNC")
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

func searchPaths() []string {
	var paths []string
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "clipsync"))
		}
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			paths = append(paths, filepath.Join(appdata, "clipsync"))
		}
		return paths
	}
	paths = append(paths, "/etc/clipsync")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "clipsync"))
	}
	return paths
}

// FromViper builds a validated Config by reading recognized keys out of v,
// falling back to Default() for anything unset.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Default()

	if v.IsSet("listen_addr") {
		cfg.ListenAddr = v.GetString("listen_addr")
	}
	if v.IsSet("advertise_name") {
		cfg.AdvertiseName = v.GetString("advertise_name")
	}
	if v.IsSet("auth.ssh_key") {
		cfg.SSHKeyPath = v.GetString("auth.ssh_key")
	}
	if v.IsSet("auth.authorized_keys") {
		cfg.AuthorizedKeysPath = v.GetString("auth.authorized_keys")
	}
	if v.IsSet("clipboard.max_size") {
		cfg.MaxSize = v.GetInt64("clipboard.max_size")
	}
	if v.IsSet("clipboard.history_size") {
		cfg.HistorySize = v.GetInt("clipboard.history_size")
	}
	if v.IsSet("clipboard.sync_interval") {
		cfg.SyncInterval = v.GetDuration("clipboard.sync_interval")
	}
	if v.IsSet("clipboard.allowed_mime_types") {
		cfg.AllowedMIMETypes = v.GetStringSlice("clipboard.allowed_mime_types")
	}
	if v.IsSet("clipboard.compression_threshold") {
		cfg.CompressionThreshold = v.GetInt64("clipboard.compression_threshold")
	}
	if v.IsSet("security.compression") {
		cfg.Compression = Compression(v.GetString("security.compression"))
	}
	if v.IsSet("security.encryption") {
		cfg.Encryption = Encryption(v.GetString("security.encryption"))
	}
	if v.IsSet("peers") {
		var peers []StaticPeer
		if err := v.UnmarshalKey("peers", &peers); err != nil {
			return Config{}, clipsyncerr.New(clipsyncerr.KindConfigInvalid, "config.FromViper", err)
		}
		cfg.StaticPeers = peers
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants on recognized options. It never inspects
// filesystem state — only the shape of the values themselves.
func (c Config) Validate() error {
	op := "config.Validate"
	if c.ListenAddr == "" {
		return clipsyncerr.New(clipsyncerr.KindConfigInvalid, op, fmt.Errorf("listen_addr must not be empty"))
	}
	if c.MaxSize <= 0 {
		return clipsyncerr.New(clipsyncerr.KindConfigInvalid, op, fmt.Errorf("clipboard.max_size must be positive"))
	}
	if c.HistorySize <= 0 {
		return clipsyncerr.New(clipsyncerr.KindConfigInvalid, op, fmt.Errorf("clipboard.history_size must be positive"))
	}
	if c.SyncInterval < 200*time.Millisecond {
		return clipsyncerr.New(clipsyncerr.KindConfigInvalid, op, fmt.Errorf("clipboard.sync_interval must be >= 200ms"))
	}
	if len(c.AllowedMIMETypes) == 0 {
		return clipsyncerr.New(clipsyncerr.KindConfigInvalid, op, fmt.Errorf("clipboard.allowed_mime_types must not be empty"))
	}
	switch c.Compression {
	case CompressionZstd, CompressionNone:
	default:
		return clipsyncerr.New(clipsyncerr.KindConfigInvalid, op, fmt.Errorf("security.compression %q unrecognized", c.Compression))
	}
	switch c.Encryption {
	case EncryptionAES256GCM, EncryptionChaCha20Poly1305:
	default:
		return clipsyncerr.New(clipsyncerr.KindConfigInvalid, op, fmt.Errorf("security.encryption %q unrecognized", c.Encryption))
	}
	return nil
}

// AllowsMIME reports whether mime is in the configured allow-list.
func (c Config) AllowsMIME(mime string) bool {
	for _, m := range c.AllowedMIMETypes {
		if m == mime {
			return true
		}
	}
	return false
}

// HistoryDBPath returns the path to the history database file.
func (c Config) HistoryDBPath() string { return filepath.Join(c.DataDir, "history.db") }

// HistoryKeyPath returns the path to the history encryption key file.
func (c Config) HistoryKeyPath() string { return filepath.Join(c.DataDir, "history.key") }

// TrustedDevicesPath returns the path to the TrustStore snapshot file.
func (c Config) TrustedDevicesPath() string { return filepath.Join(c.DataDir, "trusted_devices.json") }
