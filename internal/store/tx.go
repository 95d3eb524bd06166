package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hyperengineering/tidesync/internal/schema"
)

type sessionKey struct{}

// session marks a context as running under a pair's write scope. tx is nil
// while post-commit listeners run, so their writes open a fresh transaction
// without taking the lock again.
type session struct {
	pair *Pair
	tx   *Tx
}

// Tx is one write scope over both stores.
type Tx struct {
	ctx     context.Context
	pair    *Pair
	sqlTx   *sql.Tx
	schema  *schema.Schema
	gen     uint64
	changes *changeTracker
	after   []func(committed bool)
}

// Context returns the context the scope runs under. Writes started with it
// run inline.
func (t *Tx) Context() context.Context { return t.ctx }

// Schema returns the schema installed when the scope began.
func (t *Tx) Schema() *schema.Schema { return t.schema }

// Generation identifies the commit this scope will produce. Nested scopes
// share the generation of the outermost one.
func (t *Tx) Generation() uint64 { return t.gen }

// Live returns the live store view. Mutations through it are reported to
// listeners after commit.
func (t *Tx) Live() *View { return &View{tx: t, db: "main", live: true} }

// Snapshot returns the snapshot view. It only holds synced tables and
// fields; mutations through it are never reported.
func (t *Tx) Snapshot() *View { return &View{tx: t, db: snapshotSchema} }

// AfterDispatch registers fn to run once the outermost scope has committed
// and its listeners have returned, or has rolled back.
func (t *Tx) AfterDispatch(fn func(committed bool)) {
	t.after = append(t.after, fn)
}

// HasListener reports whether any listener is registered for table.
func (t *Tx) HasListener(table string) bool { return t.pair.HasListener(table) }

// Write runs fn inside a transaction spanning both stores. The transaction
// commits when fn returns nil and rolls back when it returns an error or
// panics. A Write issued with a context derived from an active scope runs
// inline on that scope. Listeners for the committed changes run before Write
// returns.
func (p *Pair) Write(ctx context.Context, fn func(*Tx) error) error {
	if s, ok := ctx.Value(sessionKey{}).(*session); ok && s.pair == p {
		if s.tx != nil {
			return fn(s.tx)
		}
		return p.run(ctx, s, fn)
	}

	if _, _, err := p.handle(); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	s := &session{pair: p}
	return p.run(context.WithValue(ctx, sessionKey{}, s), s, fn)
}

// Read runs fn inside a write scope. It exists for call sites that only
// query and reads better than Write there.
func (p *Pair) Read(ctx context.Context, fn func(*Tx) error) error {
	return p.Write(ctx, fn)
}

func (p *Pair) run(ctx context.Context, s *session, fn func(*Tx) error) error {
	db, sch, err := p.handle()
	if err != nil {
		return err
	}

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}

	p.gen++
	tx := &Tx{
		ctx:     ctx,
		pair:    p,
		sqlTx:   sqlTx,
		schema:  sch,
		gen:     p.gen,
		changes: newChangeTracker(),
	}
	s.tx = tx

	committed := false
	defer func() {
		s.tx = nil
		if !committed {
			// Also covers panics and runtime.Goexit in fn.
			_ = sqlTx.Rollback()
			tx.finish(false)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit write: %w", err)
	}
	committed = true
	s.tx = nil

	p.dispatch(ctx, tx.changes.notifications(tx.gen))
	tx.finish(true)
	return nil
}

func (t *Tx) finish(committed bool) {
	for _, fn := range t.after {
		fn(committed)
	}
	t.after = nil
}
