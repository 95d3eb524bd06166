package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hyperengineering/tidesync/internal/engine"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runWatch []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine against the remote authority",
	Long: "Start the sync engine, capture local edits of the watched tables and keep the " +
		"local store in step with the remote until interrupted. SIGHUP reloads the schema.",
	Args: cobra.NoArgs,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringSliceVar(&runWatch, "watch", nil,
		"Tables to capture (default: every synced table)")
}

func runEngine(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateRemote(); err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stdout))
	slog.Info("configuration loaded", "remote", cfg.Remote.BaseURL, "store_dir", cfg.Store.Dir)

	e := engine.New(*cfg, engine.Deps{})
	if err := e.Start(ctx); err != nil {
		return err
	}

	releases, err := watchTables(e, runWatch)
	if err != nil {
		_ = e.Close()
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reloadOnSignal(gctx, e, hup, &releases)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("engine error", "error", err)
	}

	slog.Info("shutdown initiated")
	for _, release := range releases {
		release()
	}
	if err := e.Close(); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// watchTables starts capture for tables, or for every synced table when
// tables is empty. In degraded mode nothing is watched.
func watchTables(e *engine.Engine, tables []string) ([]func(), error) {
	sch := e.Schema()
	if sch == nil {
		slog.Warn("no schema loaded, capture idle until reload", "error", e.Degraded())
		return nil, nil
	}
	if len(tables) == 0 {
		for _, td := range sch.UserTables() {
			if sch.IsTableSynced(td.Name) {
				tables = append(tables, td.Name)
			}
		}
	}

	releases := make([]func(), 0, len(tables))
	for _, table := range tables {
		release, err := e.Watch(table)
		if err != nil {
			for _, r := range releases {
				r()
			}
			return nil, err
		}
		releases = append(releases, release)
	}
	slog.Info("capture attached", "tables", tables)
	return releases, nil
}

// reloadOnSignal reloads the schema on every signal received on sig until
// ctx ends. Watches are re-established against the new schema.
func reloadOnSignal(ctx context.Context, e *engine.Engine, sig <-chan os.Signal, releases *[]func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sig:
		}

		slog.Info("schema reload requested")
		if err := e.ReloadSchema(ctx); err != nil {
			slog.Warn("schema reload failed", "error", err)
			continue
		}
		for _, release := range *releases {
			release()
		}
		next, err := watchTables(e, runWatch)
		if err != nil {
			return err
		}
		*releases = next
	}
}
