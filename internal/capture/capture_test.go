package capture

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hyperengineering/tidesync/internal/schema"
	"github.com/hyperengineering/tidesync/internal/store"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	str := schema.AttributeScheme{Type: "String"}
	remote := &schema.DbScheme{Tables: map[string]schema.TableScheme{
		"Orders": {
			Name:        "Orders",
			PrimaryKeys: []string{"Id"},
			Attributes: map[string]schema.Attribute{
				"Id":     {Scheme: str},
				"Title":  {Scheme: str},
				"Total":  {Scheme: schema.AttributeScheme{Type: "Double"}},
				"Placed": {Scheme: schema.AttributeScheme{Type: "Date"}, IsNullable: true},
				"Meta":   {Scheme: schema.AttributeScheme{Type: "Dictionary"}, IsNullable: true},
				"Note":   {Scheme: str, IsNullable: true},
			},
		},
	}}
	s, err := schema.Derive(remote, schema.FieldScope(map[string][]string{
		"Orders": {"Title", "Total", "Placed", "Meta"},
	}))
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	return s
}

type fixture struct {
	pair    *store.Pair
	index   *AppliedIndex
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	pair := store.New(store.Options{Dir: t.TempDir(), LiveName: "live.db", SnapshotName: "live.db.snapshot"})
	if err := pair.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = pair.Close() })
	if err := pair.InstallSchema(ctx, testSchema(t)); err != nil {
		t.Fatalf("InstallSchema() error = %v", err)
	}
	index := NewAppliedIndex()
	return &fixture{pair: pair, index: index, manager: NewManager(pair, index)}
}

func (f *fixture) write(t *testing.T, fn func(*store.Tx) error) {
	t.Helper()
	if err := f.pair.Write(context.Background(), fn); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func (f *fixture) pending(t *testing.T) []tidesync.Transaction {
	t.Helper()
	var out []tidesync.Transaction
	f.write(t, func(tx *store.Tx) error {
		var err error
		out, err = tx.PendingTransactions(0)
		return err
	})
	return out
}

func (f *fixture) clearLog(t *testing.T) {
	t.Helper()
	f.write(t, func(tx *store.Tx) error {
		pending, err := tx.PendingTransactions(0)
		if err != nil {
			return err
		}
		ids := make([]string, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
		}
		_, err = tx.DeleteTransactions(ids)
		return err
	})
}

// applyInbound mimics the applier: one scope writing both stores and
// recording the applied transaction in the index.
func (f *fixture) applyInbound(t *testing.T, txn tidesync.Transaction, local func(*store.Tx) error) {
	t.Helper()
	f.write(t, func(tx *store.Tx) error {
		gen := tx.Generation()
		tx.AfterDispatch(func(bool) { f.index.Prune(gen) })
		switch txn.ChangeType {
		case tidesync.ChangeUpdate:
			if _, err := tx.Live().Merge(txn.TableName, txn.InstanceID, txn.Changes); err != nil {
				return err
			}
			if _, err := tx.Snapshot().Merge(txn.TableName, txn.InstanceID, txn.Changes); err != nil {
				return err
			}
		case tidesync.ChangeInsert:
			rec := store.Record(txn.Changes.Clone())
			rec["Id"] = txn.InstanceID
			if err := tx.Live().Put(txn.TableName, rec); err != nil {
				return err
			}
			if err := tx.Snapshot().Put(txn.TableName, rec); err != nil {
				return err
			}
		case tidesync.ChangeDelete:
			if _, err := tx.Live().Delete(txn.TableName, txn.InstanceID); err != nil {
				return err
			}
		}
		f.index.Add(gen, txn)
		if local != nil {
			return local(tx)
		}
		return nil
	})
}

func TestCapture_InsertEmitsSyncedFieldsOnly(t *testing.T) {
	f := newFixture(t)
	release := f.manager.Watch("Orders")
	defer release()

	// When: the UI inserts an order with an unsynced Note
	f.write(t, func(tx *store.Tx) error {
		return tx.Live().Put("Orders", store.Record{"Id": "o1", "Title": "Desk", "Total": 120.0, "Note": "local"})
	})

	// Then: exactly one Insert with only synced fields
	pending := f.pending(t)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	got := pending[0]
	if got.ChangeType != tidesync.ChangeInsert || got.InstanceID != "o1" || got.TableName != "Orders" {
		t.Errorf("transaction = %+v", got)
	}
	want := tidesync.Changeset{"Title": "Desk", "Total": 120.0, "Placed": nil, "Meta": nil}
	if diff := cmp.Diff(want, got.Changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	// And: the snapshot mirrors the synced subset
	f.write(t, func(tx *store.Tx) error {
		snap, found, err := tx.Snapshot().Get("Orders", "o1")
		if err != nil || !found {
			t.Errorf("snapshot Get() = %v, %v", found, err)
			return nil
		}
		if snap["Title"] != "Desk" {
			t.Errorf("snapshot Title = %v", snap["Title"])
		}
		return nil
	})
}

func TestCapture_UpdateEmitsMinimalDiff(t *testing.T) {
	f := newFixture(t)
	defer f.manager.Watch("Orders")()
	placed := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)

	f.write(t, func(tx *store.Tx) error {
		return tx.Live().Put("Orders", store.Record{"Id": "o1", "Title": "Desk", "Total": 1.0, "Placed": placed, "Meta": map[string]any{"a": 1.0}})
	})
	f.clearLog(t)

	// When: rewriting equal date and dictionary values, changing Total and
	// the unsynced Note
	f.write(t, func(tx *store.Tx) error {
		_, err := tx.Live().Merge("Orders", "o1", tidesync.Changeset{
			"Total":  2.0,
			"Placed": placed.In(time.FixedZone("X", 3600)),
			"Meta":   map[string]any{"a": 1.0},
			"Note":   "changed",
		})
		return err
	})

	// Then: only Total is sent
	pending := f.pending(t)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if diff := cmp.Diff(tidesync.Changeset{"Total": 2.0}, pending[0].Changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	// When: only the unsynced field changes
	f.clearLog(t)
	f.write(t, func(tx *store.Tx) error {
		_, err := tx.Live().Merge("Orders", "o1", tidesync.Changeset{"Note": "again"})
		return err
	})
	if n := len(f.pending(t)); n != 0 {
		t.Errorf("unsynced-only edit produced %d transactions", n)
	}
}

func TestCapture_DeleteEmitsWithoutChanges(t *testing.T) {
	f := newFixture(t)
	defer f.manager.Watch("Orders")()

	f.write(t, func(tx *store.Tx) error {
		return tx.Live().Put("Orders", store.Record{"Id": "o1", "Title": "Desk"})
	})
	f.clearLog(t)

	f.write(t, func(tx *store.Tx) error {
		_, err := tx.Live().Delete("Orders", "o1")
		return err
	})

	pending := f.pending(t)
	if len(pending) != 1 || pending[0].ChangeType != tidesync.ChangeDelete || pending[0].Changes != nil {
		t.Fatalf("pending = %+v, want one Delete without changes", pending)
	}
	f.write(t, func(tx *store.Tx) error {
		if _, found, _ := tx.Snapshot().Get("Orders", "o1"); found {
			t.Error("snapshot record not removed")
		}
		return nil
	})
}

func TestCapture_InboundUpdateIsSuppressed(t *testing.T) {
	f := newFixture(t)
	defer f.manager.Watch("Orders")()

	f.write(t, func(tx *store.Tx) error {
		return tx.Live().Put("Orders", store.Record{"Id": "o1", "Title": "Desk", "Total": 1.0})
	})
	f.clearLog(t)

	// When: an inbound Update sets Title
	f.applyInbound(t, tidesync.Transaction{
		ID: "in-1", ChangeType: tidesync.ChangeUpdate, TableName: "Orders", InstanceID: "o1",
		Changes: tidesync.Changeset{"Title": "Standing desk"},
	}, nil)

	// Then: no outbound transaction and the index entry was consumed
	if n := len(f.pending(t)); n != 0 {
		t.Errorf("echo produced %d outbound transactions", n)
	}
	if f.index.Len() != 0 {
		t.Errorf("index still holds %d entries", f.index.Len())
	}
}

func TestCapture_ConcurrentLocalEditStillEmitted(t *testing.T) {
	f := newFixture(t)
	defer f.manager.Watch("Orders")()

	f.write(t, func(tx *store.Tx) error {
		return tx.Live().Put("Orders", store.Record{"Id": "o1", "Title": "Desk", "Total": 1.0})
	})
	f.clearLog(t)

	// When: an inbound Update to Title commits together with a local edit
	// to Total on the same instance
	f.applyInbound(t, tidesync.Transaction{
		ID: "in-1", ChangeType: tidesync.ChangeUpdate, TableName: "Orders", InstanceID: "o1",
		Changes: tidesync.Changeset{"Title": "Standing desk"},
	}, func(tx *store.Tx) error {
		_, err := tx.Live().Merge("Orders", "o1", tidesync.Changeset{"Total": 5.0})
		return err
	})

	// Then: one Update carrying only Total
	pending := f.pending(t)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if diff := cmp.Diff(tidesync.Changeset{"Total": 5.0}, pending[0].Changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestCapture_InboundUpdateWithoutSnapshotRowIsStripped(t *testing.T) {
	f := newFixture(t)

	// Given: a record that exists only in the live store
	f.write(t, func(tx *store.Tx) error {
		return tx.Live().Put("Orders", store.Record{"Id": "o1", "Title": "Desk", "Total": 1.0})
	})
	defer f.manager.Watch("Orders")()

	// When: an inbound Update to Title is applied to the live store only
	f.write(t, func(tx *store.Tx) error {
		gen := tx.Generation()
		tx.AfterDispatch(func(bool) { f.index.Prune(gen) })
		if _, err := tx.Live().Merge("Orders", "o1", tidesync.Changeset{"Title": "Standing desk"}); err != nil {
			return err
		}
		f.index.Add(gen, tidesync.Transaction{
			ID: "in-1", ChangeType: tidesync.ChangeUpdate, TableName: "Orders", InstanceID: "o1",
			Changes: tidesync.Changeset{"Title": "Standing desk"},
		})
		return nil
	})

	// Then: the inbound field is not echoed; the other fields the snapshot
	// never saw are sent
	pending := f.pending(t)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if _, ok := pending[0].Changes["Title"]; ok {
		t.Errorf("inbound field echoed: %v", pending[0].Changes)
	}
	if pending[0].Changes["Total"] != 1.0 {
		t.Errorf("changes = %v, want Total", pending[0].Changes)
	}
}

func TestCapture_InboundInsertAndDeleteSuppressed(t *testing.T) {
	f := newFixture(t)
	defer f.manager.Watch("Orders")()

	f.applyInbound(t, tidesync.Transaction{
		ID: "in-1", ChangeType: tidesync.ChangeInsert, TableName: "Orders", InstanceID: "o9",
		Changes: tidesync.Changeset{"Title": "Lamp"},
	}, nil)
	if n := len(f.pending(t)); n != 0 {
		t.Fatalf("inbound insert echoed %d transactions", n)
	}

	f.applyInbound(t, tidesync.Transaction{
		ID: "in-2", ChangeType: tidesync.ChangeDelete, TableName: "Orders", InstanceID: "o9",
	}, nil)
	if n := len(f.pending(t)); n != 0 {
		t.Fatalf("inbound delete echoed %d transactions", n)
	}
	f.write(t, func(tx *store.Tx) error {
		if _, found, _ := tx.Snapshot().Get("Orders", "o9"); found {
			t.Error("snapshot kept a remotely deleted record")
		}
		return nil
	})
}

func TestCapture_StaleIndexEntryIsPruned(t *testing.T) {
	f := newFixture(t)
	defer f.manager.Watch("Orders")()

	f.write(t, func(tx *store.Tx) error {
		return tx.Live().Put("Orders", store.Record{"Id": "o1", "Title": "Desk"})
	})
	f.clearLog(t)

	// Given: an inbound Update whose target vanished, leaving nothing to
	// notify about
	f.applyInbound(t, tidesync.Transaction{
		ID: "in-1", ChangeType: tidesync.ChangeUpdate, TableName: "Orders", InstanceID: "ghost",
		Changes: tidesync.Changeset{"Title": "Chair"},
	}, nil)
	if f.index.Len() != 0 {
		t.Fatalf("unconsumed entry survived its commit: %d", f.index.Len())
	}

	// When: a later genuine local edit
	f.write(t, func(tx *store.Tx) error {
		_, err := tx.Live().Merge("Orders", "o1", tidesync.Changeset{"Title": "Chair"})
		return err
	})

	// Then: it is sent
	if n := len(f.pending(t)); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestManager_WatchRefcount(t *testing.T) {
	f := newFixture(t)

	r1 := f.manager.Watch("Orders")
	r2 := f.manager.Watch("Orders")
	if !f.pair.HasListener("Orders") {
		t.Fatal("capture not attached")
	}

	r1()
	r1()
	if !f.manager.Watching("Orders") {
		t.Fatal("capture detached while a watcher remains")
	}

	r2()
	if f.manager.Watching("Orders") || f.pair.HasListener("Orders") {
		t.Error("capture still attached after last release")
	}

	// Unwatched edits are not captured
	f.write(t, func(tx *store.Tx) error {
		return tx.Live().Put("Orders", store.Record{"Id": "o1", "Title": "Desk"})
	})
	if n := len(f.pending(t)); n != 0 {
		t.Errorf("unwatched edit produced %d transactions", n)
	}
}
