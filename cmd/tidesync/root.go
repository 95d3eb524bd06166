package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hyperengineering/tidesync/internal/config"
	"github.com/hyperengineering/tidesync/internal/schema"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "tidesync",
	Short:        "Tidesync - bidirectional local-store sync engine",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides TIDESYNC_CONFIG_PATH)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(authorityCmd)
}

// loadConfig loads the configuration from --config when given, otherwise
// from the default location.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// deriveSchema fetches the remote description and derives the local schema
// for the configured scope.
func deriveSchema(ctx context.Context, cfg *config.Config) (*schema.Schema, error) {
	if err := cfg.ValidateRemote(); err != nil {
		return nil, err
	}
	remote, err := schema.NewFetcher(cfg.Remote.BaseURL, cfg.Remote.SchemaPath, nil).
		WithAPIKey(cfg.Remote.APIKey).
		Fetch(ctx)
	if err != nil {
		return nil, err
	}
	sch, err := schema.Derive(remote, cfg.Sync.Scope)
	if err != nil {
		return nil, fmt.Errorf("derive schema: %w", err)
	}
	return sch, nil
}
