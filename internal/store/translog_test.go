package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hyperengineering/tidesync/internal/schema"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
)

func TestNewID(t *testing.T) {
	hex32 := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if !hex32.MatchString(id) {
			t.Fatalf("NewID() = %q, want 32 hex characters", id)
		}
		if seen[id] {
			t.Fatalf("NewID() returned duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestNewTransactionID_Ordered(t *testing.T) {
	prev := NewTransactionID()
	for i := 0; i < 100; i++ {
		next := NewTransactionID()
		if next <= prev {
			t.Fatalf("transaction ids not increasing: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestTransactionLog_AppendAndPendingOrder(t *testing.T) {
	p := openTestPair(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Given: transactions appended out of creation order, including a
	// whole-second timestamp that must still sort before fractional ones
	mustWrite(t, p, func(tx *Tx) error {
		for _, txn := range []*tidesync.Transaction{
			{ID: "t3", ChangeType: tidesync.ChangeDelete, TableName: "Orders", InstanceID: "o1", CreationDate: base.Add(1500 * time.Millisecond)},
			{ID: "t1", ChangeType: tidesync.ChangeInsert, TableName: "Orders", InstanceID: "o1", CreationDate: base, Changes: tidesync.Changeset{"Total": 1.5, "Qty": int64(2)}},
			{ID: "t2", ChangeType: tidesync.ChangeUpdate, TableName: "Orders", InstanceID: "o1", CreationDate: base.Add(time.Second), Changes: tidesync.Changeset{"Placed": base}},
		} {
			if err := tx.AppendTransaction(txn); err != nil {
				return err
			}
		}
		return nil
	})

	// When
	var pending []tidesync.Transaction
	mustWrite(t, p, func(tx *Tx) error {
		var err error
		pending, err = tx.PendingTransactions(0)
		return err
	})

	// Then: ordered by creation date with canonical change values
	var ids []string
	for _, txn := range pending {
		ids = append(ids, txn.ID)
	}
	if diff := cmp.Diff([]string{"t1", "t2", "t3"}, ids); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tidesync.Changeset{"Total": 1.5, "Qty": int64(2)}, pending[0].Changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
	if got := pending[1].Changes["Placed"]; !base.Equal(got.(time.Time)) {
		t.Errorf("Placed = %v, want %v", got, base)
	}
	if pending[2].Changes != nil {
		t.Errorf("delete carries changes %v", pending[2].Changes)
	}
	if !pending[2].CreationDate.Equal(base.Add(1500 * time.Millisecond)) {
		t.Errorf("creation date = %v", pending[2].CreationDate)
	}
}

func TestTransactionLog_LimitAndDelete(t *testing.T) {
	p := openTestPair(t)

	mustWrite(t, p, func(tx *Tx) error {
		for i := 0; i < 5; i++ {
			if err := tx.AppendTransaction(&tidesync.Transaction{ChangeType: tidesync.ChangeInsert, TableName: "Orders", InstanceID: NewID()}); err != nil {
				return err
			}
		}
		return nil
	})

	mustWrite(t, p, func(tx *Tx) error {
		batch, err := tx.PendingTransactions(3)
		if err != nil {
			return err
		}
		if len(batch) != 3 {
			t.Errorf("PendingTransactions(3) returned %d", len(batch))
		}

		missing, err := tx.DeleteTransactions([]string{batch[0].ID, batch[1].ID, "unknown"})
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]string{"unknown"}, missing); diff != "" {
			t.Errorf("missing mismatch (-want +got):\n%s", diff)
		}

		n, err := tx.CountPending()
		if err != nil {
			return err
		}
		if n != 3 {
			t.Errorf("CountPending() = %d, want 3", n)
		}
		return nil
	})
}

func TestTransactionLog_PurgeAndReplaceForInstance(t *testing.T) {
	p := openTestPair(t)

	mustWrite(t, p, func(tx *Tx) error {
		for _, txn := range []*tidesync.Transaction{
			{ID: "a1", ChangeType: tidesync.ChangeUpdate, TableName: "Orders", InstanceID: "o1", Changes: tidesync.Changeset{"Total": 1.0}},
			{ID: "a2", ChangeType: tidesync.ChangeUpdate, TableName: "Orders", InstanceID: "o2", Changes: tidesync.Changeset{"Total": 2.0}},
			{ID: "a3", ChangeType: tidesync.ChangeUpdate, TableName: "Orders", InstanceID: "o1", Changes: tidesync.Changeset{"Qty": int64(1)}},
		} {
			if err := tx.AppendTransaction(txn); err != nil {
				return err
			}
		}
		return nil
	})

	mustWrite(t, p, func(tx *Tx) error {
		if err := tx.ReplaceChanges("a2", tidesync.Changeset{"Total": 9.0}); err != nil {
			return err
		}
		n, err := tx.DeleteTransactionsFor("Orders", "o1", nil)
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("DeleteTransactionsFor() = %d, want 2", n)
		}
		rest, err := tx.PendingTransactions(0)
		if err != nil {
			return err
		}
		if len(rest) != 1 || rest[0].ID != "a2" || rest[0].Changes["Total"] != 9.0 {
			t.Errorf("remaining = %+v", rest)
		}
		return nil
	})
}

func TestCursor(t *testing.T) {
	p := openTestPair(t)
	ctx := context.Background()

	// Initially empty
	if c, err := p.Cursor(ctx); err != nil || c != "" {
		t.Fatalf("Cursor() = %q, %v; want empty", c, err)
	}

	mustWrite(t, p, func(tx *Tx) error { return tx.SetCursor("A") })
	mustWrite(t, p, func(tx *Tx) error { return tx.SetCursor("B") })
	mustWrite(t, p, func(tx *Tx) error { return tx.SetCursor("") })

	c, err := p.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if c != "B" {
		t.Errorf("Cursor() = %q, want B", c)
	}

	var rows int
	if err := p.db.QueryRow(`SELECT COUNT(*) FROM SyncCursor`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("SyncCursor rows = %d, want 1", rows)
	}
}

func TestTransactionLog_PurgeKeepsSelectedEntries(t *testing.T) {
	p := openTestPair(t)

	mustWrite(t, p, func(tx *Tx) error {
		for _, id := range []string{"k1", "k2", "k3"} {
			txn := &tidesync.Transaction{ID: id, ChangeType: tidesync.ChangeUpdate, TableName: "Orders", InstanceID: "o1", Changes: tidesync.Changeset{"Qty": int64(1)}}
			if err := tx.AppendTransaction(txn); err != nil {
				return err
			}
		}
		return nil
	})

	// When: k2 must survive the purge
	mustWrite(t, p, func(tx *Tx) error {
		n, err := tx.DeleteTransactionsFor("Orders", "o1", func(id string) bool { return id == "k2" })
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("DeleteTransactionsFor() = %d, want 2", n)
		}
		return nil
	})

	// Then
	mustWrite(t, p, func(tx *Tx) error {
		rest, err := tx.PendingTransactions(0)
		if err != nil {
			return err
		}
		if len(rest) != 1 || rest[0].ID != "k2" {
			t.Errorf("remaining = %+v, want only k2", rest)
		}
		return nil
	})
}

func TestCursor_CompareAndSetNeverRewinds(t *testing.T) {
	p := openTestPair(t)
	ctx := context.Background()

	// Given: a flush read the cursor as "A" before an inbound batch moved it to "C"
	mustWrite(t, p, func(tx *Tx) error { return tx.SetCursor("A") })
	mustWrite(t, p, func(tx *Tx) error { return tx.SetCursor("C") })

	// When: the flush acknowledges "B"
	mustWrite(t, p, func(tx *Tx) error {
		moved, err := tx.CompareAndSetCursor("A", "B")
		if err != nil {
			return err
		}
		if moved {
			t.Error("CompareAndSetCursor() wrote over a newer position")
		}
		return nil
	})

	// Then: the newer position is kept
	if c, err := p.Cursor(ctx); err != nil || c != "C" {
		t.Errorf("Cursor() = %q, %v; want C", c, err)
	}

	// And: an unchanged cursor advances, including the first write
	mustWrite(t, p, func(tx *Tx) error {
		moved, err := tx.CompareAndSetCursor("C", "D")
		if err != nil {
			return err
		}
		if !moved {
			t.Error("CompareAndSetCursor() did not advance an unchanged cursor")
		}
		return nil
	})
	if c, _ := p.Cursor(ctx); c != "D" {
		t.Errorf("Cursor() = %q, want D", c)
	}

	empty := openTestPair(t)
	mustWrite(t, empty, func(tx *Tx) error {
		moved, err := tx.CompareAndSetCursor("", "first")
		if err != nil || !moved {
			t.Errorf("CompareAndSetCursor() on empty cursor = %v, %v", moved, err)
		}
		return nil
	})
}

func TestAppliedInbound(t *testing.T) {
	p := openTestPair(t)
	ctx := context.Background()

	mustWrite(t, p, func(tx *Tx) error {
		if err := tx.MarkApplied("in-1", "Orders", "o1", time.Hour); err != nil {
			return err
		}
		return tx.MarkApplied("in-2", "Orders", "o2", -time.Minute)
	})

	mustWrite(t, p, func(tx *Tx) error {
		if ok, _ := tx.IsApplied("in-1"); !ok {
			t.Error("in-1 should be applied")
		}
		if ok, _ := tx.IsApplied("in-2"); ok {
			t.Error("expired in-2 should not count as applied")
		}
		if ok, _ := tx.IsApplied("in-3"); ok {
			t.Error("unknown id should not count as applied")
		}
		return nil
	})

	n, err := p.CleanExpiredApplied(ctx, time.Now())
	if err != nil {
		t.Fatalf("CleanExpiredApplied() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CleanExpiredApplied() = %d, want 1", n)
	}
}

func TestInstallSchema_FingerprintChangeResetsState(t *testing.T) {
	p := openTestPair(t)
	ctx := context.Background()

	mustWrite(t, p, func(tx *Tx) error {
		if err := tx.Live().Put("Customers", Record{"Id": "c1", "Name": "Ada"}); err != nil {
			return err
		}
		if err := tx.AppendTransaction(&tidesync.Transaction{ChangeType: tidesync.ChangeInsert, TableName: "Customers", InstanceID: "c1"}); err != nil {
			return err
		}
		return tx.SetCursor("X")
	})

	// When: the remote adds a column
	remote := testRemote()
	customers := remote.Tables["Customers"]
	customers.Attributes["Email"] = schema.Attribute{Scheme: schema.AttributeScheme{Type: "String"}}
	remote.Tables["Customers"] = customers
	s, err := schema.Derive(remote, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.InstallSchema(ctx, s); err != nil {
		t.Fatalf("InstallSchema() error = %v", err)
	}

	// Then: tables were recreated and sync state reset
	mustWrite(t, p, func(tx *Tx) error {
		if _, found, _ := tx.Live().Get("Customers", "c1"); found {
			t.Error("old rows must be dropped on schema change")
		}
		if err := tx.Live().Put("Customers", Record{"Id": "c2", "Email": "b@example.com"}); err != nil {
			t.Errorf("new column unusable: %v", err)
		}
		if n, _ := tx.CountPending(); n != 0 {
			t.Errorf("pending = %d, want 0", n)
		}
		if c, _ := tx.Cursor(); c != "" {
			t.Errorf("cursor = %q, want empty", c)
		}
		return nil
	})
}
