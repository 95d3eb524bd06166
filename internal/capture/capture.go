// Package capture turns committed live-store changes into outbound
// transactions, keeping the snapshot store in step and suppressing the
// echoes of inbound changes.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hyperengineering/tidesync/internal/schema"
	"github.com/hyperengineering/tidesync/internal/store"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
)

// Manager attaches one capture listener per watched table and detaches it
// when the last watcher releases.
type Manager struct {
	pair  *store.Pair
	index *AppliedIndex
	now   func() time.Time

	mu       sync.Mutex
	watchers map[string]*watcher
}

type watcher struct {
	refs   int
	remove func()
}

// NewManager creates a Manager for pair using index for echo suppression.
func NewManager(pair *store.Pair, index *AppliedIndex) *Manager {
	return &Manager{
		pair:     pair,
		index:    index,
		now:      func() time.Time { return time.Now().UTC() },
		watchers: make(map[string]*watcher),
	}
}

// Watch starts capturing table and returns a release function. Capture is
// attached on the first watch and detached after the last release.
func (m *Manager) Watch(table string) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchers[table]
	if !ok {
		w = &watcher{remove: m.pair.Listen(table, m.handle)}
		m.watchers[table] = w
		slog.Debug("capture attached", "component", "capture", "table", table)
	}
	w.refs++

	var once sync.Once
	return func() {
		once.Do(func() { m.release(table) })
	}
}

func (m *Manager) release(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchers[table]
	if !ok {
		return
	}
	w.refs--
	if w.refs > 0 {
		return
	}
	w.remove()
	delete(m.watchers, table)
	slog.Debug("capture detached", "component", "capture", "table", table)
}

// Watching reports whether table currently has capture attached.
func (m *Manager) Watching(table string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[table]
	return ok
}

// handle processes one committed change batch inside a single write scope.
func (m *Manager) handle(ctx context.Context, n store.Notification) error {
	return m.pair.Write(ctx, func(tx *store.Tx) error {
		sch := tx.Schema()
		if !sch.IsTableSynced(n.Table) {
			return nil
		}
		td, ok := sch.Table(n.Table)
		if !ok {
			return fmt.Errorf("capture %s: %w", n.Table, schema.ErrUnknownTable)
		}
		c := &batch{m: m, tx: tx, sch: sch, td: td}

		for _, id := range n.Deleted {
			if err := c.deleted(id); err != nil {
				return err
			}
		}
		for _, id := range n.Inserted {
			if err := c.inserted(id); err != nil {
				return err
			}
		}
		for _, id := range n.Modified {
			if err := c.modified(id); err != nil {
				return err
			}
		}
		return nil
	})
}

type batch struct {
	m   *Manager
	tx  *store.Tx
	sch *schema.Schema
	td  schema.TableDescriptor
}

func (c *batch) deleted(id string) error {
	if _, err := c.tx.Snapshot().Delete(c.td.Name, id); err != nil {
		return err
	}
	if _, ok := c.m.index.Pop(c.td.Name, tidesync.ChangeDelete, id); ok {
		c.suppressed(tidesync.ChangeDelete, id)
		return nil
	}
	return c.emit(tidesync.ChangeDelete, id, nil)
}

func (c *batch) inserted(id string) error {
	rec, found, err := c.tx.Live().Get(c.td.Name, id)
	if err != nil || !found {
		return err
	}
	if err := c.tx.Snapshot().Put(c.td.Name, rec); err != nil {
		return err
	}
	if _, ok := c.m.index.Pop(c.td.Name, tidesync.ChangeInsert, id); ok {
		c.suppressed(tidesync.ChangeInsert, id)
		return nil
	}
	return c.emit(tidesync.ChangeInsert, id, c.syncedFields(rec))
}

func (c *batch) modified(id string) error {
	rec, found, err := c.tx.Live().Get(c.td.Name, id)
	if err != nil || !found {
		return err
	}
	snap, _, err := c.tx.Snapshot().Get(c.td.Name, id)
	if err != nil {
		return err
	}

	diff := Diff(c.sch, c.td.Name, snap, rec)

	// Inbound updates for this instance were applied by the commit being
	// handled. Fields that still carry the inbound value are echoes.
	applied := c.m.index.Drain(c.td.Name, tidesync.ChangeUpdate, id)
	for _, a := range applied {
		for field, v := range a.Changes {
			if cur, ok := diff[field]; ok && cmp.Equal(cur, v) {
				delete(diff, field)
			}
		}
	}

	if len(diff) == 0 {
		if len(applied) > 0 {
			c.suppressed(tidesync.ChangeUpdate, id)
		}
		if snap == nil {
			return c.tx.Snapshot().Put(c.td.Name, rec)
		}
		return nil
	}
	if err := c.tx.Snapshot().Put(c.td.Name, rec); err != nil {
		return err
	}
	return c.emit(tidesync.ChangeUpdate, id, diff)
}

// syncedFields restricts a live record to the synced attributes.
func (c *batch) syncedFields(rec store.Record) tidesync.Changeset {
	out := make(tidesync.Changeset)
	for _, f := range c.sch.SyncedFields(c.td.Name) {
		out[f] = rec[f]
	}
	return out
}

func (c *batch) emit(ct tidesync.ChangeType, id string, changes tidesync.Changeset) error {
	txn := &tidesync.Transaction{
		ChangeType:   ct,
		TableName:    c.td.Name,
		InstanceID:   id,
		Changes:      changes,
		CreationDate: c.m.now(),
	}
	if err := c.tx.AppendTransaction(txn); err != nil {
		return err
	}
	slog.Debug("outbound transaction captured",
		"component", "capture",
		"action", ct.String(),
		"table", c.td.Name,
		"instance_id", id,
		"transaction_id", txn.ID,
		"fields", len(changes),
	)
	return nil
}

func (c *batch) suppressed(ct tidesync.ChangeType, id string) {
	slog.Debug("inbound echo suppressed",
		"component", "capture",
		"action", ct.String(),
		"table", c.td.Name,
		"instance_id", id,
	)
}

// Diff returns the synced attributes of table whose live value differs from
// the snapshot value. Values are compared structurally so dates and
// dictionaries compare by content. A nil snapshot differs in every field.
func Diff(sch *schema.Schema, table string, snapshot, live store.Record) tidesync.Changeset {
	diff := make(tidesync.Changeset)
	for _, f := range sch.SyncedFields(table) {
		var before any
		if snapshot != nil {
			before = snapshot[f]
		}
		after := live[f]
		if !cmp.Equal(before, after) {
			diff[f] = after
		}
	}
	return diff
}
