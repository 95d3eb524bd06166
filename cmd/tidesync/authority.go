package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/tidesync/internal/authority"
	"github.com/hyperengineering/tidesync/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var authorityCmd = &cobra.Command{
	Use:   "authority",
	Short: "Run the in-memory development authority",
	Args:  cobra.NoArgs,
	RunE:  runAuthority,
}

func runAuthority(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stdout))
	slog.Info("configuration loaded")

	srv, err := newAuthorityServer(cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("authority server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown initiated")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Authority.ShutdownTimeout.Std())
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}

// newAuthorityServer builds the HTTP server of the development authority.
func newAuthorityServer(cfg *config.Config) (*http.Server, error) {
	if cfg.Authority.SchemaFile == "" {
		return nil, errors.New("authority.schema_file is required (or set TIDESYNC_AUTHORITY_SCHEMA_FILE)")
	}
	remote, err := authority.LoadScheme(cfg.Authority.SchemaFile)
	if err != nil {
		return nil, err
	}

	hub := authority.NewHub(remote)
	router := authority.NewRouter(authority.NewHandler(hub, cfg.Authority.APIKey, Version), cfg.Remote.SyncPath)
	slog.Info("router initialized", "tables", len(remote.Tables), "sync_path", cfg.Remote.SyncPath)

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Authority.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}
