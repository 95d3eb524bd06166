package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperengineering/tidesync/internal/schema"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

// snapshotSchema is the name the snapshot file is attached under.
const snapshotSchema = "snapshot"

// Options locate the two store files. Reopening with the same options reuses
// the state persisted by a previous process.
type Options struct {
	Dir          string
	LiveName     string
	SnapshotName string
}

// LivePath returns the path of the live store file.
func (o Options) LivePath() string { return filepath.Join(o.Dir, o.LiveName) }

// SnapshotPath returns the path of the snapshot store file.
func (o Options) SnapshotPath() string { return filepath.Join(o.Dir, o.SnapshotName) }

// Pair is the live store plus its snapshot mirror. Both files are served by a
// single sqlite connection with the snapshot ATTACHed, so one SQL transaction
// spans both stores.
type Pair struct {
	opts Options

	mu     sync.Mutex // guards db, refs, schema, listeners
	db     *sql.DB
	refs   int
	schema *schema.Schema

	listeners map[string][]*listenerEntry
	nextLID   uint64

	writeMu sync.Mutex
	gen     uint64 // guarded by writeMu
}

// New returns an unopened Pair.
func New(opts Options) *Pair {
	return &Pair{
		opts:      opts,
		listeners: make(map[string][]*listenerEntry),
	}
}

// Options returns the file locations of the pair.
func (p *Pair) Options() Options { return p.opts }

// Open opens both store files if they are not open yet and takes a
// reference. Calling Open on an open pair only takes another reference.
func (p *Pair) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		p.refs++
		return nil
	}

	db, err := openFiles(ctx, p.opts)
	if err != nil {
		return err
	}
	p.db = db
	p.refs = 1

	slog.Debug("store pair opened",
		"component", "store",
		"live", p.opts.LivePath(),
		"snapshot", p.opts.SnapshotPath(),
	)
	return nil
}

func openFiles(ctx context.Context, opts Options) (*sql.DB, error) {
	if opts.Dir != "" && opts.Dir != "." {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.LivePath())
	if err != nil {
		return nil, fmt.Errorf("open live store: %w", err)
	}

	// The attached snapshot belongs to one connection; keep exactly one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := enablePragmas(ctx, db, "main"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if _, err := db.ExecContext(ctx, "ATTACH DATABASE ? AS "+snapshotSchema, opts.SnapshotPath()); err != nil {
		db.Close()
		return nil, fmt.Errorf("attach snapshot store: %w", err)
	}
	if err := enablePragmas(ctx, db, snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable snapshot pragmas: %w", err)
	}

	return db, nil
}

// enablePragmas configures one attached database. Multi-file commits are
// only atomic with a rollback journal, so WAL is not used here.
func enablePragmas(ctx context.Context, db *sql.DB, schemaName string) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA %s.journal_mode=TRUNCATE", schemaName),
		fmt.Sprintf("PRAGMA %s.synchronous=FULL", schemaName),
	}
	if schemaName == "main" {
		pragmas = append(pragmas, "PRAGMA busy_timeout=5000")
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// IsOpen reports whether the pair currently holds open files.
func (p *Pair) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db != nil
}

// Release drops one reference and closes the pair when the last one goes.
func (p *Pair) Release() error {
	p.mu.Lock()
	if p.db == nil {
		p.mu.Unlock()
		return ErrNotOpen
	}
	p.refs--
	last := p.refs <= 0
	p.mu.Unlock()

	if !last {
		return nil
	}
	return p.Close()
}

// Close releases both stores regardless of outstanding references. It is an
// error to close while a write is in progress.
func (p *Pair) Close() error {
	if !p.writeMu.TryLock() {
		return ErrWriteInProgress
	}
	defer p.writeMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}

	var err error
	if _, detachErr := p.db.Exec("DETACH DATABASE " + snapshotSchema); detachErr != nil {
		err = multierr.Append(err, fmt.Errorf("detach snapshot store: %w", detachErr))
	}
	err = multierr.Append(err, p.db.Close())

	p.db = nil
	p.refs = 0
	p.schema = nil
	return err
}

// Schema returns the installed schema, or nil before InstallSchema.
func (p *Pair) Schema() *schema.Schema {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.schema
}

func (p *Pair) handle() (*sql.DB, *schema.Schema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, nil, ErrNotOpen
	}
	if p.schema == nil {
		return nil, nil, ErrSchemaNotLoaded
	}
	return p.db, p.schema, nil
}
