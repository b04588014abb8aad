// Command gsv runs the agent gateway: a single long-lived process that
// multiplexes WebSocket clients, nodes, and channel adapters, routes
// tool calls and chat, and owns the durable schedules (cron, heartbeat,
// pending-op TTLs) behind one alarm.
//
// Start the gateway:
//
//	gsv serve --config gsv.json5 --data-dir ~/.gsv
//
// Configuration can also come from the GSV_CONFIG environment variable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gsvhq/gsv/internal/blob"
	"github.com/gsvhq/gsv/internal/config"
	"github.com/gsvhq/gsv/internal/gateway"
	"github.com/gsvhq/gsv/internal/observability"
	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/store"
)

// Populated by ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:           "gsv",
		Short:         "gsv is the agent gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gsv %s (%s)\n", version, commit)
		},
	}
}

func serveCommand() *cobra.Command {
	var (
		configPath string
		dataDir    string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, dataDir, addr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("GSV_CONFIG"), "path to a JSON5/YAML config file")
	cmd.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory for the sqlite store and blobs")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gsv"
	}
	return filepath.Join(home, ".gsv")
}

func serve(ctx context.Context, configPath, dataDir, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var seed map[string]any
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		seed = loaded
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	kv, err := store.OpenSQLite(filepath.Join(dataDir, "gsv.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	cfg, err := config.NewStore(ctx, kv, seed)
	if err != nil {
		return fmt.Errorf("config store: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  stringAt(cfg, "log.level", "info"),
		Format: stringAt(cfg, "log.format", "json"),
	})
	metrics := observability.NewMetrics()

	blobs, err := blob.Open(filepath.Join(dataDir, "blobs"))
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	bridgeURL := stringAt(cfg, "session.bridgeUrl", "http://127.0.0.1:18790")
	bridge := session.NewHTTPBridge(bridgeURL, cfg.AuthToken(), logger)

	if addr == "" {
		addr = stringAt(cfg, "gateway.addr", "127.0.0.1:18789")
	}

	srv, err := gateway.New(gateway.Options{
		Addr:     addr,
		Config:   cfg,
		KV:       kv,
		CronDB:   kv.DB(),
		Bridge:   bridge,
		Blobs:    blobs,
		Version:  version,
		Logger:   logger,
		Metrics:  metrics,
		FSSecret: stringAt(cfg, "gateway.fsSecret", ""),
	})
	if err != nil {
		return err
	}

	logger.Info("starting gsv", "version", version, "addr", addr, "data_dir", dataDir)
	return srv.Run(ctx)
}

func stringAt(cfg *config.Store, path, fallback string) string {
	if v, ok := cfg.GetPath(path); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
