// Package engine wires schema derivation, the store pair, change capture,
// the outbound flusher, the transport and the inbound applier into one
// explicitly constructed sync engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hyperengineering/tidesync/internal/applier"
	"github.com/hyperengineering/tidesync/internal/capture"
	"github.com/hyperengineering/tidesync/internal/config"
	"github.com/hyperengineering/tidesync/internal/schema"
	"github.com/hyperengineering/tidesync/internal/store"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
	"github.com/hyperengineering/tidesync/internal/transport"
	"github.com/hyperengineering/tidesync/internal/worker"
	"go.uber.org/multierr"
)

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNotStarted     = errors.New("engine not started")
)

// SchemaSource yields the remote relational description.
type SchemaSource interface {
	Fetch(ctx context.Context) (*schema.DbScheme, error)
}

// Deps overrides collaborators. Zero fields get the defaults built from the
// configuration.
type Deps struct {
	Schema     SchemaSource
	HTTPClient *http.Client
}

// Engine is the client-side sync engine. Construct it with New, then Start.
type Engine struct {
	cfg    config.Config
	source SchemaSource

	pair    *store.Pair
	index   *capture.AppliedIndex
	capture *capture.Manager
	applier *applier.Applier
	flusher *worker.Flusher
	client  *transport.Client
	cleaner *worker.IdempotencyCleaner

	mu        sync.Mutex
	started   bool
	runCtx    context.Context
	cancel    context.CancelFunc
	detach    func()
	schemaErr error
	wg        sync.WaitGroup
}

// New builds an Engine from cfg. Nothing is opened or dialed until Start.
func New(cfg config.Config, deps Deps) *Engine {
	e := &Engine{cfg: cfg, source: deps.Schema}
	if e.source == nil {
		e.source = schema.NewFetcher(cfg.Remote.BaseURL, cfg.Remote.SchemaPath, deps.HTTPClient).
			WithAPIKey(cfg.Remote.APIKey)
	}

	e.pair = store.New(store.Options{
		Dir:          cfg.Store.Dir,
		LiveName:     cfg.Store.LiveName,
		SnapshotName: cfg.Store.SnapshotName,
	})
	e.index = capture.NewAppliedIndex()
	e.capture = capture.NewManager(e.pair, e.index)
	e.applier = applier.New(e.pair, e.index, cfg.Sync.AppliedTTL.Std())

	e.client = transport.New(transport.Config{
		BaseURL:       cfg.Remote.BaseURL,
		SyncPath:      cfg.Remote.SyncPath,
		APIKey:        cfg.Remote.APIKey,
		InvokeTimeout: cfg.Remote.InvokeTimeout.Std(),
		ReconnectMin:  cfg.Remote.ReconnectMin.Std(),
		ReconnectMax:  cfg.Remote.ReconnectMax.Std(),
	}, e.pair, transport.Handlers{
		OnTransactions: e.receive,
		OnConnect:      func(uint64) { e.flusher.Trigger() },
	})

	e.flusher = worker.NewFlusher(e.pair, e.client, worker.FlusherConfig{
		Window:        cfg.Sync.FlushWindow.Std(),
		AckPolicy:     worker.AckPolicy(cfg.Sync.AckPolicy),
		InvokeTimeout: cfg.Remote.InvokeTimeout.Std(),
	})
	e.applier.WithInFlight(e.flusher)
	e.cleaner = worker.NewIdempotencyCleaner(e.pair, cfg.Sync.CleanupInterval.Std())
	return e
}

// Start opens the stores, starts the background workers and loads the
// schema. A schema that cannot be fetched leaves the engine running in
// degraded mode until ReloadSchema succeeds; Start still returns nil.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := e.pair.Open(ctx); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("open store pair: %w", err)
	}
	e.runCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.detach = e.flusher.Attach()
	e.started = true

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.flusher.Run(e.runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.cleaner.Run(e.runCtx)
	}()
	e.mu.Unlock()

	slog.Info("engine started",
		"component", "engine",
		"action", "start",
		"remote", e.cfg.Remote.BaseURL,
		"store", e.pair.Options().LivePath(),
	)

	if err := e.ReloadSchema(ctx); err != nil {
		if errors.Is(err, schema.ErrSchemaUnavailable) {
			return nil
		}
		return err
	}
	return nil
}

// ReloadSchema fetches and derives the schema, installs it into both stores
// and (re)connects the transport so the remote replays from the current
// cursor.
func (e *Engine) ReloadSchema(ctx context.Context) error {
	e.mu.Lock()
	runCtx, started := e.runCtx, e.started
	e.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	remote, err := e.source.Fetch(ctx)
	if err != nil {
		e.setSchemaErr(err)
		slog.Warn("schema unavailable, sync degraded",
			"component", "engine",
			"action", "reload_schema",
			"error", err,
		)
		return err
	}
	sch, err := schema.Derive(remote, e.cfg.Sync.Scope)
	if err != nil {
		e.setSchemaErr(err)
		return fmt.Errorf("derive schema: %w", err)
	}

	e.client.Stop()
	if err := e.pair.InstallSchema(ctx, sch); err != nil {
		e.setSchemaErr(err)
		return fmt.Errorf("install schema: %w", err)
	}
	e.setSchemaErr(nil)

	if err := e.client.Start(runCtx); err != nil {
		return err
	}
	slog.Info("schema loaded",
		"component", "engine",
		"action", "reload_schema",
		"tables", len(sch.UserTables()),
		"fingerprint", sch.Fingerprint(),
	)
	return nil
}

func (e *Engine) setSchemaErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.schemaErr = err
}

// Degraded returns the reason the engine has no schema, or nil.
func (e *Engine) Degraded() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.schemaErr != nil {
		return e.schemaErr
	}
	if e.started && e.pair.Schema() == nil {
		return store.ErrSchemaNotLoaded
	}
	return nil
}

// Schema returns the installed schema, or nil while degraded.
func (e *Engine) Schema() *schema.Schema { return e.pair.Schema() }

// Watch starts change capture for table. Local edits to a watched table are
// queued for delivery until every returned release function has been called.
func (e *Engine) Watch(table string) (release func(), err error) {
	sch := e.pair.Schema()
	if sch == nil {
		return nil, store.ErrSchemaNotLoaded
	}
	if _, ok := sch.Table(table); !ok {
		return nil, fmt.Errorf("watch %s: %w", table, schema.ErrUnknownTable)
	}
	return e.capture.Watch(table), nil
}

// Write runs fn in a write scope on the live store. Watched tables are
// captured when the scope commits.
func (e *Engine) Write(ctx context.Context, fn func(*store.Tx) error) error {
	return e.pair.Write(ctx, fn)
}

// Read runs fn against a consistent view of both stores.
func (e *Engine) Read(ctx context.Context, fn func(*store.Tx) error) error {
	return e.pair.Read(ctx, fn)
}

// Related resolves a derived relationship field of one record.
func (e *Engine) Related(ctx context.Context, table, id, field string) ([]store.Record, error) {
	return e.pair.Related(ctx, table, id, field)
}

// Flush triggers an outbound flush without waiting for the window.
func (e *Engine) Flush() { e.flusher.Trigger() }

// State returns the transport state.
func (e *Engine) State() transport.State { return e.client.State() }

// Cursor returns the last round-tripped transaction id.
func (e *Engine) Cursor(ctx context.Context) (string, error) { return e.pair.Cursor(ctx) }

// Invoke sends a diagnostic message and returns the remote echo.
func (e *Engine) Invoke(ctx context.Context, message any) (json.RawMessage, error) {
	return e.client.Invoke(ctx, message)
}

// Send delivers a diagnostic message without waiting for a reply.
func (e *Engine) Send(ctx context.Context, message any) error {
	return e.client.Send(ctx, message)
}

// receive applies one inbound batch pushed by the remote.
func (e *Engine) receive(ctx context.Context, batch []tidesync.TransactionDTO) error {
	if e.pair.Schema() == nil {
		return store.ErrSchemaNotLoaded
	}
	txns := make([]tidesync.Transaction, len(batch))
	for i, d := range batch {
		txns[i] = tidesync.FromDTO(d)
	}
	_, err := e.applier.Apply(ctx, txns)
	return err
}

// Close stops the transport and workers and releases the store pair. A
// closed engine cannot be started again.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel, detach := e.cancel, e.detach
	e.mu.Unlock()

	start := time.Now()
	detach()
	err := e.client.Close()
	cancel()
	e.wg.Wait()
	err = multierr.Append(err, e.pair.Release())

	slog.Info("engine stopped",
		"component", "engine",
		"action", "close",
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return err
}
