package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hyperengineering/tidesync/internal/schema"
)

// sync_meta keys owned by the store.
const (
	metaFingerprint = "schema_fingerprint"
	metaTables      = "schema_tables"
)

// InstallSchema creates the local tables for s in both stores. When the
// schema's fingerprint differs from the one the files were created with, the
// previous user tables are dropped and the sync state is reset so the remote
// replays from the beginning.
func (p *Pair) InstallSchema(ctx context.Context, s *schema.Schema) error {
	if s == nil {
		return ErrSchemaNotLoaded
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	db := p.db
	p.mu.Unlock()
	if db == nil {
		return ErrNotOpen
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema install: %w", err)
	}
	defer tx.Rollback()

	fingerprint := s.Fingerprint()
	previous, err := getMeta(ctx, tx, metaFingerprint)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if previous != "" && previous != fingerprint {
		slog.Info("schema changed, recreating local tables",
			"component", "store",
			"action", "recreate",
			"previous", previous,
			"fingerprint", fingerprint,
		)
		if err := dropUserTables(ctx, tx); err != nil {
			return err
		}
		if err := resetSyncState(ctx, tx); err != nil {
			return err
		}
	}

	var names []string
	for _, td := range s.UserTables() {
		if _, err := tx.ExecContext(ctx, createTableSQL("main", td, td.AttributeNames())); err != nil {
			return fmt.Errorf("create live table %s: %w", td.Name, err)
		}
		if s.IsTableSynced(td.Name) {
			if _, err := tx.ExecContext(ctx, createTableSQL(snapshotSchema, td, s.SyncedFields(td.Name))); err != nil {
				return fmt.Errorf("create snapshot table %s: %w", td.Name, err)
			}
		}
		names = append(names, td.Name)
	}

	tablesJSON, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("marshal table list: %w", err)
	}
	if err := setMeta(ctx, tx, metaTables, string(tablesJSON)); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, metaFingerprint, fingerprint); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema install: %w", err)
	}

	p.mu.Lock()
	p.schema = s
	p.mu.Unlock()

	slog.Debug("schema installed",
		"component", "store",
		"tables", len(names),
		"fingerprint", fingerprint,
	)
	return nil
}

func dropUserTables(ctx context.Context, tx *sql.Tx) error {
	raw, err := getMeta(ctx, tx, metaTables)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return fmt.Errorf("decode table list: %w", err)
	}
	for _, name := range names {
		for _, db := range []string{"main", snapshotSchema} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", db, quoteIdent(name))); err != nil {
				return fmt.Errorf("drop %s.%s: %w", db, name, err)
			}
		}
	}
	return nil
}

func resetSyncState(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range []string{
		"DELETE FROM Transactions",
		"DELETE FROM SyncCursor",
		"DELETE FROM applied_inbound",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset sync state: %w", err)
		}
	}
	return nil
}

func createTableSQL(db string, td schema.TableDescriptor, fields []string) string {
	pk := primaryKey(td)
	cols := []string{quoteIdent(pk) + " " + columnType(td, pk) + " PRIMARY KEY"}
	for _, name := range fields {
		if name == pk {
			continue
		}
		cols = append(cols, quoteIdent(name)+" "+columnType(td, name))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (%s)", db, quoteIdent(td.Name), strings.Join(cols, ", "))
}

func columnType(td schema.TableDescriptor, field string) string {
	attr, ok := td.Attributes[field]
	if !ok {
		return "TEXT"
	}
	switch attr.Kind {
	case schema.KindInt, schema.KindBool:
		return "INTEGER"
	case schema.KindDouble:
		return "REAL"
	default:
		return "TEXT"
	}
}

func primaryKey(td schema.TableDescriptor) string {
	if td.PrimaryKey == "" {
		return schema.DefaultPrimaryKey
	}
	return td.PrimaryKey
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
