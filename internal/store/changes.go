package store

import (
	"context"
	"log/slog"
)

type changeKind int

const (
	changeInserted changeKind = iota + 1
	changeModified
	changeDeleted
)

// Notification describes the committed live-store changes to one table.
// Each instance id appears in at most one of the three lists.
type Notification struct {
	Table      string
	Deleted    []string
	Inserted   []string
	Modified   []string
	Generation uint64
}

// Empty reports whether the notification carries no changes.
func (n Notification) Empty() bool {
	return len(n.Deleted) == 0 && len(n.Inserted) == 0 && len(n.Modified) == 0
}

// Listener is called synchronously after a commit that changed its table.
// The context carries the pair's write scope, so writes made with it run
// before any other writer gets the lock.
type Listener func(ctx context.Context, n Notification) error

type listenerEntry struct {
	id uint64
	fn Listener
}

// Listen registers fn for table and returns a function removing it.
func (p *Pair) Listen(table string, fn Listener) (remove func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextLID++
	entry := &listenerEntry{id: p.nextLID, fn: fn}
	p.listeners[table] = append(p.listeners[table], entry)

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		entries := p.listeners[table]
		for i, e := range entries {
			if e.id == entry.id {
				p.listeners[table] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(p.listeners[table]) == 0 {
			delete(p.listeners, table)
		}
	}
}

// HasListener reports whether any listener is registered for table.
func (p *Pair) HasListener(table string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners[table]) > 0
}

func (p *Pair) listenersFor(table string) []Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.listeners[table]
	out := make([]Listener, len(entries))
	for i, e := range entries {
		out[i] = e.fn
	}
	return out
}

func (p *Pair) dispatch(ctx context.Context, notes []Notification) {
	for _, n := range notes {
		for _, fn := range p.listenersFor(n.Table) {
			if err := fn(ctx, n); err != nil {
				slog.Error("change listener failed",
					"component", "store",
					"table", n.Table,
					"generation", n.Generation,
					"error", err,
				)
			}
		}
	}
}

// changeTracker collapses the mutations of one scope into per-table sets:
// insert then update stays an insert, insert then delete vanishes, update
// then delete is a delete, and delete then insert is an update.
type changeTracker struct {
	tables []string
	byID   map[string]map[string]changeKind
	order  map[string][]string
}

func newChangeTracker() *changeTracker {
	return &changeTracker{
		byID:  make(map[string]map[string]changeKind),
		order: make(map[string][]string),
	}
}

func (c *changeTracker) record(table, id string, kind changeKind) {
	ids, ok := c.byID[table]
	if !ok {
		ids = make(map[string]changeKind)
		c.byID[table] = ids
		c.tables = append(c.tables, table)
	}

	prev, seen := ids[id]
	if !seen {
		ids[id] = kind
		c.order[table] = append(c.order[table], id)
		return
	}

	switch {
	case prev == changeInserted && kind == changeDeleted:
		delete(ids, id)
	case prev == changeInserted:
		// stays an insert
	case prev == changeDeleted && kind == changeInserted:
		ids[id] = changeModified
	case prev == changeDeleted:
		ids[id] = changeModified
	default:
		ids[id] = kind
	}
}

func (c *changeTracker) notifications(gen uint64) []Notification {
	var out []Notification
	for _, table := range c.tables {
		n := Notification{Table: table, Generation: gen}
		ids := c.byID[table]
		seen := make(map[string]bool, len(ids))
		for _, id := range c.order[table] {
			kind, ok := ids[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			switch kind {
			case changeInserted:
				n.Inserted = append(n.Inserted, id)
			case changeModified:
				n.Modified = append(n.Modified, id)
			case changeDeleted:
				n.Deleted = append(n.Deleted, id)
			}
		}
		if !n.Empty() {
			out = append(out, n)
		}
	}
	return out
}
