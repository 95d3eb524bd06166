package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperengineering/tidesync/internal/store"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
	"github.com/spf13/cobra"
)

var (
	logJSONOutput bool
	logLimit      int
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "List pending outbound transactions of the local store",
	Args:  cobra.NoArgs,
	RunE:  runLog,
}

func init() {
	logCmd.Flags().BoolVar(&logJSONOutput, "json", false, "Output in JSON format")
	logCmd.Flags().IntVar(&logLimit, "limit", 100, "Maximum number of entries to list")
}

func runLog(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sch, err := deriveSchema(ctx, cfg)
	if err != nil {
		return err
	}

	pair := store.New(store.Options{
		Dir:          cfg.Store.Dir,
		LiveName:     cfg.Store.LiveName,
		SnapshotName: cfg.Store.SnapshotName,
	})
	if err := pair.Open(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer pair.Release()
	if err := pair.InstallSchema(ctx, sch); err != nil {
		return fmt.Errorf("install schema: %w", err)
	}

	var (
		txns   []tidesync.Transaction
		total  int
		cursor string
	)
	err = pair.Read(ctx, func(tx *store.Tx) error {
		var err error
		if txns, err = tx.PendingTransactions(logLimit); err != nil {
			return err
		}
		if total, err = tx.CountPending(); err != nil {
			return err
		}
		cursor, err = tx.Cursor()
		return err
	})
	if err != nil {
		return fmt.Errorf("read transaction log: %w", err)
	}

	if logJSONOutput {
		items := make([]tidesync.TransactionDTO, len(txns))
		for i, t := range txns {
			items[i] = t.ToDTO(sch.Identity(t.TableName))
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"transactions": items,
			"total":        total,
			"cursor":       cursor,
		})
	}

	if len(txns) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending transactions.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tTYPE\tTABLE\tINSTANCE\tFIELDS\tCREATED")
	for _, t := range txns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			t.ID,
			t.ChangeType,
			t.TableName,
			t.InstanceID,
			len(t.Changes),
			t.CreationDate.Format(time.RFC3339),
		)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d pending, cursor %q\n", len(txns), total, cursor)
	return nil
}
