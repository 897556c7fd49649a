package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clipsync/clipsync/internal/config"
	"github.com/clipsync/clipsync/internal/daemon"
)

func newRunCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the clipboard sync node",
		Long: `Starts the clipsync node: loads or generates an SSH identity, opens the
encrypted history store, listens for peer connections, and begins local
clipboard watching and mDNS/broadcast discovery.

Newly discovered devices must be trusted interactively (or pre-authorized
via the config file's [[peers]] list) before any clipboard content is
exchanged with them.

Flags, environment variables, and config-file keys
  Flag            Env var               Config key
  ─────────────────────────────────────────────────
  --listen-addr   CLIPSYNC_LISTEN_ADDR  listen_addr
  --advertise     CLIPSYNC_ADVERTISE    advertise_name
  --data-dir      CLIPSYNC_DATA_DIR     (derives ssh_key/authorized_keys defaults)
  --log-level     CLIPSYNC_LOG_LEVEL    log-level    (debug|info|warn|error)
  --log-format    CLIPSYNC_LOG_FORMAT   log-format   (auto|text|json)
  --config        (flag only)

Config file search order (first found wins)
  /etc/clipsync/clipsync.toml
  $HOME/.config/clipsync/clipsync.toml
  path supplied via --config

Precedence: defaults → config file → CLIPSYNC_* env vars → CLI flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return config.BindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runNode(v) },
	}

	f := cmd.Flags()
	f.String("listen-addr", "", "TCP listen address for peer connections (default :8484)")
	f.String("advertise-name", "", "name advertised to other peers via mDNS (default: hostname)")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runNode(v *viper.Viper) error {
	setupLogging(v)

	cfg, err := config.FromViper(v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if la := v.GetString("listen-addr"); la != "" {
		cfg.ListenAddr = la
	}
	if an := v.GetString("advertise-name"); an != "" {
		cfg.AdvertiseName = an
	}

	slog.Info("clipsyncd starting", "version", Version, "listen_addr", cfg.ListenAddr, "advertise_name", cfg.AdvertiseName)

	node := daemon.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := node.Start(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	go promptTrustDecisions(node)

	handle.Wait()
	return node.Stop()
}

// promptTrustDecisions serves Core.TrustPrompts on the controlling terminal,
// accepting a device only when the operator confirms its fingerprint.
func promptTrustDecisions(node *daemon.Node) {
	reader := bufio.NewReader(os.Stdin)
	for prompt := range node.TrustPrompts() {
		fmt.Fprintf(os.Stderr, "\nnew device %q wants to sync (fingerprint %s)\ntrust it? [y/N] ", prompt.Name, prompt.Fingerprint)
		line, err := reader.ReadString('\n')
		accept := err == nil && strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
		prompt.Resolve(accept)
	}
}
