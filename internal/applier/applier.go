// Package applier applies inbound transaction batches from the remote
// authority to both local stores in one write scope.
package applier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/tidesync/internal/capture"
	"github.com/hyperengineering/tidesync/internal/store"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
)

// DefaultAppliedTTL is how long an applied inbound id is remembered.
const DefaultAppliedTTL = 24 * time.Hour

// Result summarizes one applied batch.
type Result struct {
	Applied int
	Skipped int
	Missing int
	Purged  int
	Cursor  string
}

// InFlight reports outbound log entries handed to the remote and awaiting
// their acknowledgment.
type InFlight interface {
	IsInFlight(id string) bool
}

// Applier writes inbound transactions into the store pair.
type Applier struct {
	pair     *store.Pair
	index    *capture.AppliedIndex
	ttl      time.Duration
	inFlight InFlight
}

// New creates an Applier. A non-positive ttl uses DefaultAppliedTTL.
func New(pair *store.Pair, index *capture.AppliedIndex, ttl time.Duration) *Applier {
	if ttl <= 0 {
		ttl = DefaultAppliedTTL
	}
	return &Applier{pair: pair, index: index, ttl: ttl}
}

// WithInFlight makes log reconciliation leave the entries reported by f
// untouched, so an acknowledgment never removes changes folded into them.
func (a *Applier) WithInFlight(f InFlight) *Applier {
	a.inFlight = f
	return a
}

func (a *Applier) sending(id string) bool {
	return a.inFlight != nil && a.inFlight.IsInFlight(id)
}

type instanceKey struct {
	table string
	id    string
}

// Apply writes batch to the live and snapshot stores atomically, queues echo
// suppression entries for watched tables, reconciles the outbound log and
// advances the cursor to the last transaction id of the batch.
func (a *Applier) Apply(ctx context.Context, batch []tidesync.Transaction) (Result, error) {
	var res Result
	if len(batch) == 0 {
		return res, nil
	}
	start := time.Now()

	err := a.pair.Write(ctx, func(tx *store.Tx) error {
		res = Result{}
		gen := tx.Generation()
		tx.AfterDispatch(func(bool) {
			if n := a.index.Prune(gen); n > 0 {
				slog.Debug("unconsumed applied entries pruned",
					"component", "applier",
					"generation", gen,
					"entries", n,
				)
			}
		})

		r := &run{
			tx:       tx,
			index:    a.index,
			sending:  a.sending,
			inserted: make(map[instanceKey]bool),
			updates:  make(map[instanceKey][]tidesync.Changeset),
		}

		for _, txn := range batch {
			applied, err := tx.IsApplied(txn.ID)
			if err != nil {
				return err
			}
			if applied {
				res.Skipped++
				slog.Debug("inbound transaction already applied",
					"component", "applier",
					"action", "skip_duplicate",
					"transaction_id", txn.ID,
				)
				continue
			}

			ok, err := r.apply(txn)
			if err != nil {
				return fmt.Errorf("apply %s: %w", txn.ID, err)
			}
			if ok {
				res.Applied++
			} else {
				res.Missing++
			}
			if err := tx.MarkApplied(txn.ID, txn.TableName, txn.InstanceID, a.ttl); err != nil {
				return err
			}
		}

		purged, err := r.reconcileLog()
		if err != nil {
			return err
		}
		res.Purged = purged

		res.Cursor = batch[len(batch)-1].ID
		return tx.SetCursor(res.Cursor)
	})
	if err != nil {
		slog.Error("inbound batch failed",
			"component", "applier",
			"action", "apply_failed",
			"transactions", len(batch),
			"error", err,
		)
		return Result{}, err
	}

	slog.Info("inbound batch applied",
		"component", "applier",
		"action", "apply",
		"transactions", len(batch),
		"applied", res.Applied,
		"skipped", res.Skipped,
		"missing", res.Missing,
		"purged", res.Purged,
		"cursor", res.Cursor,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// run is the state of one Apply scope.
type run struct {
	tx       *store.Tx
	index    *capture.AppliedIndex
	sending  func(id string) bool
	inserted map[instanceKey]bool
	deleted  []instanceKey
	touched  []instanceKey
	updates  map[instanceKey][]tidesync.Changeset
}

// apply writes one transaction. It reports false when the target record was
// not found, which is not an error.
func (r *run) apply(txn tidesync.Transaction) (bool, error) {
	sch := r.tx.Schema()
	td, ok := sch.Table(txn.TableName)
	if !ok || td.System {
		slog.Warn("inbound transaction for unknown table",
			"component", "applier",
			"transaction_id", txn.ID,
			"table", txn.TableName,
		)
		return false, nil
	}
	changes, err := sch.Coerce(txn.TableName, txn.Changes)
	if err != nil {
		return false, err
	}
	txn.Changes = changes

	key := instanceKey{txn.TableName, txn.InstanceID}
	live, snap := r.tx.Live(), r.tx.Snapshot()
	found := true

	switch txn.ChangeType {
	case tidesync.ChangeInsert:
		rec := store.Record(changes.Clone())
		if rec == nil {
			rec = make(store.Record)
		}
		rec[td.PrimaryKey] = txn.InstanceID
		if err := live.Put(txn.TableName, rec); err != nil {
			return false, err
		}
		if err := snap.Put(txn.TableName, rec); err != nil {
			return false, err
		}
		r.inserted[key] = true

	case tidesync.ChangeDelete:
		found, err = live.Delete(txn.TableName, txn.InstanceID)
		if err != nil {
			return false, err
		}
		// Capture only clears the snapshot for rows it sees deleted.
		if !found || !r.tx.HasListener(txn.TableName) || r.inserted[key] {
			if _, err := snap.Delete(txn.TableName, txn.InstanceID); err != nil {
				return false, err
			}
		}
		delete(r.inserted, key)
		r.deleted = append(r.deleted, key)

	case tidesync.ChangeUpdate:
		found, err = live.Merge(txn.TableName, txn.InstanceID, changes)
		if err != nil {
			return false, err
		}
		if !found {
			slog.Warn("inbound update for missing record",
				"component", "applier",
				"transaction_id", txn.ID,
				"table", txn.TableName,
				"instance_id", txn.InstanceID,
			)
		}
		if _, err := snap.Merge(txn.TableName, txn.InstanceID, changes); err != nil {
			return false, err
		}
		if found && r.tx.HasListener(txn.TableName) {
			r.updates[key] = append(r.updates[key], changes)
		}

	default:
		slog.Warn("inbound transaction with unknown change type",
			"component", "applier",
			"transaction_id", txn.ID,
			"change_type", int(txn.ChangeType),
		)
		return false, nil
	}

	r.touched = append(r.touched, key)
	if found && r.tx.HasListener(txn.TableName) {
		r.index.Add(r.tx.Generation(), txn)
	}
	return found, nil
}

// reconcileLog purges pending outbound entries of deleted instances and
// coalesces the pending updates of every other touched instance.
func (r *run) reconcileLog() (int, error) {
	purged := 0
	gone := make(map[instanceKey]bool, len(r.deleted))
	for _, key := range r.deleted {
		if gone[key] {
			continue
		}
		gone[key] = true
		n, err := r.tx.DeleteTransactionsFor(key.table, key.id, r.sending)
		if err != nil {
			return purged, err
		}
		purged += n
	}

	seen := make(map[instanceKey]bool, len(r.touched))
	for _, key := range r.touched {
		if gone[key] || seen[key] {
			continue
		}
		seen[key] = true
		n, err := r.coalesce(key)
		if err != nil {
			return purged, err
		}
		purged += n
	}
	return purged, nil
}

// coalesce folds the pending outbound updates of one instance into the
// oldest of them that is not in flight. Later values win, and fields the
// remote just set are dropped so they are not sent back as local edits.
// In-flight entries are left as sent.
func (r *run) coalesce(key instanceKey) (int, error) {
	pending, err := r.tx.PendingForInstance(key.table, key.id)
	if err != nil {
		return 0, err
	}
	var updates []tidesync.Transaction
	for _, p := range pending {
		if p.ChangeType == tidesync.ChangeUpdate && !r.sending(p.ID) {
			updates = append(updates, p)
		}
	}
	if len(updates) == 0 {
		return 0, nil
	}

	merged := make(tidesync.Changeset)
	for _, u := range updates {
		for f, v := range u.Changes {
			merged[f] = v
		}
	}
	stripped := false
	for _, applied := range r.updates[key] {
		for f := range applied {
			if _, ok := merged[f]; ok {
				delete(merged, f)
				stripped = true
			}
		}
	}
	if len(updates) == 1 && !stripped {
		return 0, nil
	}

	keep := updates[0]
	var drop []string
	if len(merged) == 0 {
		drop = append(drop, keep.ID)
	} else if err := r.tx.ReplaceChanges(keep.ID, merged); err != nil {
		return 0, err
	}
	for _, u := range updates[1:] {
		drop = append(drop, u.ID)
	}
	if len(drop) == 0 {
		return 0, nil
	}
	if _, err := r.tx.DeleteTransactions(drop); err != nil {
		return 0, err
	}
	slog.Debug("pending updates coalesced",
		"component", "applier",
		"table", key.table,
		"instance_id", key.id,
		"kept", len(merged) > 0,
		"dropped", len(drop),
	)
	return len(drop), nil
}
