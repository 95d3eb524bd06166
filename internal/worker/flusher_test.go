package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hyperengineering/tidesync/internal/schema"
	"github.com/hyperengineering/tidesync/internal/store"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
	"github.com/hyperengineering/tidesync/internal/transport"
)

// mockInvoker records batches and acknowledges them.
type mockInvoker struct {
	mu      sync.Mutex
	batches [][]tidesync.TransactionDTO
	err     error
	extra   []string // ids appended to every ack
	noAck   bool     // acknowledge nothing
	during  func()   // runs while the call is outstanding
	block   chan struct{}
	called  chan struct{}
}

func newMockInvoker() *mockInvoker {
	return &mockInvoker{called: make(chan struct{}, 100)}
}

func (m *mockInvoker) InvokeTransactions(ctx context.Context, batch []tidesync.TransactionDTO) ([]string, error) {
	m.mu.Lock()
	m.batches = append(m.batches, batch)
	err, extra, block, noAck, during := m.err, m.extra, m.block, m.noAck, m.during
	m.mu.Unlock()
	m.called <- struct{}{}

	if during != nil {
		during()
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if noAck {
		return nil, nil
	}
	ids := make([]string, 0, len(batch)+len(extra))
	for _, d := range batch {
		ids = append(ids, d.ID)
	}
	return append(ids, extra...), nil
}

func (m *mockInvoker) sizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.batches))
	for i, b := range m.batches {
		out[i] = len(b)
	}
	return out
}

func (m *mockInvoker) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockInvoker) waitCalls(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-m.called:
		case <-deadline:
			t.Fatalf("timed out waiting for call %d of %d", i+1, n)
		}
	}
}

func openPair(t *testing.T) *store.Pair {
	t.Helper()
	ctx := context.Background()
	pair := store.New(store.Options{Dir: t.TempDir(), LiveName: "live.db", SnapshotName: "live.db.snapshot"})
	if err := pair.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = pair.Close() })

	remote := &schema.DbScheme{Tables: map[string]schema.TableScheme{
		"Orders": {
			Name:           "Orders",
			PrimaryKeys:    []string{"Id"},
			EntityFullName: "Shop.Order",
			AssemblyName:   "Shop",
			Attributes: map[string]schema.Attribute{
				"Id":    {Scheme: schema.AttributeScheme{Type: "String"}},
				"Title": {Scheme: schema.AttributeScheme{Type: "String"}, IsNullable: true},
			},
		},
	}}
	s, err := schema.Derive(remote, nil)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if err := pair.InstallSchema(ctx, s); err != nil {
		t.Fatalf("InstallSchema() error = %v", err)
	}
	return pair
}

func appendPending(t *testing.T, pair *store.Pair, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := pair.Write(context.Background(), func(tx *store.Tx) error {
		for i := 0; i < n; i++ {
			txn := &tidesync.Transaction{
				ID:           fmt.Sprintf("t%03d", i),
				ChangeType:   tidesync.ChangeInsert,
				TableName:    "Orders",
				InstanceID:   fmt.Sprintf("o%03d", i),
				Changes:      tidesync.Changeset{"Title": "x"},
				CreationDate: base.Add(time.Duration(i) * time.Millisecond),
			}
			if err := tx.AppendTransaction(txn); err != nil {
				return err
			}
			ids = append(ids, txn.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append pending: %v", err)
	}
	return ids
}

func pendingCount(t *testing.T, pair *store.Pair) int {
	t.Helper()
	var n int
	err := pair.Read(context.Background(), func(tx *store.Tx) error {
		var err error
		n, err = tx.CountPending()
		return err
	})
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	return n
}

func TestFlusher_FlushAcksAndAdvancesCursor(t *testing.T) {
	pair := openPair(t)
	ids := appendPending(t, pair, 1)
	inv := newMockInvoker()
	f := NewFlusher(pair, inv, FlusherConfig{})

	res, err := f.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if diff := cmp.Diff(FlushResult{Sent: 1, Acked: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if n := pendingCount(t, pair); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	cursor, err := pair.Cursor(context.Background())
	if err != nil || cursor != ids[0] {
		t.Errorf("Cursor() = %q, %v; want %q", cursor, err, ids[0])
	}

	// The wire record carries the schema identity
	sent := inv.batches[0][0]
	if sent.EntityFullName != "Shop.Order" || sent.AssemblyName != "Shop" {
		t.Errorf("identity = %q/%q", sent.EntityFullName, sent.AssemblyName)
	}
}

func TestFlusher_BatchesOf30WithContinuation(t *testing.T) {
	pair := openPair(t)
	appendPending(t, pair, 45)
	inv := newMockInvoker()
	f := NewFlusher(pair, inv, FlusherConfig{Window: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	// When: a single trigger
	f.Trigger()

	// Then: one invocation of 30, then one of 15
	inv.waitCalls(t, 2, 2*time.Second)
	time.Sleep(150 * time.Millisecond)

	if diff := cmp.Diff([]int{30, 15}, inv.sizes()); diff != "" {
		t.Errorf("batch sizes mismatch (-want +got):\n%s", diff)
	}
	if n := pendingCount(t, pair); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestFlusher_TriggersCoalesceWithinWindow(t *testing.T) {
	pair := openPair(t)
	inv := newMockInvoker()
	f := NewFlusher(pair, inv, FlusherConfig{Window: 100 * time.Millisecond})
	detach := f.Attach()
	defer detach()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	// Given: a first append flushes at once
	appendPending(t, pair, 1)
	inv.waitCalls(t, 1, time.Second)

	// When: several appends land inside the window
	for i := 0; i < 5; i++ {
		err := pair.Write(context.Background(), func(tx *store.Tx) error {
			return tx.AppendTransaction(&tidesync.Transaction{ChangeType: tidesync.ChangeInsert, TableName: "Orders", InstanceID: store.NewID()})
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	// Then: they go out together in one trailing flush
	inv.waitCalls(t, 1, time.Second)
	time.Sleep(250 * time.Millisecond)
	if diff := cmp.Diff([]int{1, 5}, inv.sizes()); diff != "" {
		t.Errorf("batch sizes mismatch (-want +got):\n%s", diff)
	}
}

func TestFlusher_SingleFlightGuard(t *testing.T) {
	pair := openPair(t)
	appendPending(t, pair, 2)
	inv := newMockInvoker()
	inv.block = make(chan struct{})
	f := NewFlusher(pair, inv, FlusherConfig{})

	done := make(chan struct{})
	go func() {
		_, _ = f.Flush(context.Background())
		close(done)
	}()
	inv.waitCalls(t, 1, time.Second)

	if !f.InFlight() {
		t.Error("InFlight() = false while the remote call is outstanding")
	}
	res, err := f.Flush(context.Background())
	if err != nil || res != (FlushResult{}) {
		t.Errorf("concurrent Flush() = %+v, %v; want no-op", res, err)
	}

	close(inv.block)
	<-done
	if f.InFlight() {
		t.Error("InFlight() = true after completion")
	}
	if diff := cmp.Diff([]int{2}, inv.sizes()); diff != "" {
		t.Errorf("batch sizes mismatch (-want +got):\n%s", diff)
	}
}

func TestFlusher_NotReadyReschedules(t *testing.T) {
	pair := openPair(t)
	appendPending(t, pair, 3)
	inv := newMockInvoker()
	inv.setErr(transport.ErrNotReady)
	f := NewFlusher(pair, inv, FlusherConfig{Window: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)
	f.Trigger()

	// Given: the transport refuses twice
	inv.waitCalls(t, 2, time.Second)

	// When: it becomes ready
	inv.setErr(nil)

	// Then: the pending entries eventually go out without another trigger
	deadline := time.Now().Add(time.Second)
	for pendingCount(t, pair) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending transactions never flushed after transport became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFlusher_AckPolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      AckPolicy
		wantErr     error
		wantPending int
	}{
		{"ignore treats unknown ids as duplicates", AckIgnore, nil, 0},
		{"fail rolls back the acknowledgment", AckFail, ErrAckUnknownTransaction, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair := openPair(t)
			appendPending(t, pair, 2)
			inv := newMockInvoker()
			inv.extra = []string{"unknown"}
			f := NewFlusher(pair, inv, FlusherConfig{AckPolicy: tt.policy})

			_, err := f.Flush(context.Background())

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Flush() error = %v, want %v", err, tt.wantErr)
			}
			if n := pendingCount(t, pair); n != tt.wantPending {
				t.Errorf("pending = %d, want %d", n, tt.wantPending)
			}
		})
	}
}

func TestFlusher_AckNeverRewindsCursor(t *testing.T) {
	pair := openPair(t)
	ids := appendPending(t, pair, 1)
	inv := newMockInvoker()
	f := NewFlusher(pair, inv, FlusherConfig{})

	// Given: an inbound batch moves the cursor while the flush is outstanding
	inv.during = func() {
		err := pair.Write(context.Background(), func(tx *store.Tx) error {
			return tx.SetCursor("inbound-later")
		})
		if err != nil {
			t.Errorf("SetCursor() error = %v", err)
		}
	}

	// When
	res, err := f.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	// Then: the entry is acked but the newer cursor is kept
	if res.Acked != 1 || pendingCount(t, pair) != 0 {
		t.Errorf("result = %+v, pending = %d", res, pendingCount(t, pair))
	}
	cursor, err := pair.Cursor(context.Background())
	if err != nil || cursor != "inbound-later" {
		t.Errorf("Cursor() = %q, %v; want inbound-later (not %q)", cursor, err, ids[0])
	}
	if f.IsInFlight(ids[0]) {
		t.Error("entry still reported in flight after the flush")
	}
}

func TestFlusher_InFlightIDsDuringCall(t *testing.T) {
	pair := openPair(t)
	ids := appendPending(t, pair, 2)
	inv := newMockInvoker()
	f := NewFlusher(pair, inv, FlusherConfig{})

	var seen []bool
	inv.during = func() {
		seen = []bool{f.IsInFlight(ids[0]), f.IsInFlight(ids[1]), f.IsInFlight("other")}
	}

	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if diff := cmp.Diff([]bool{true, true, false}, seen); diff != "" {
		t.Errorf("in-flight mismatch (-want +got):\n%s", diff)
	}
}

func TestFlusher_EmptyAckReschedules(t *testing.T) {
	pair := openPair(t)
	appendPending(t, pair, 2)
	inv := newMockInvoker()
	inv.noAck = true
	f := NewFlusher(pair, inv, FlusherConfig{Window: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	// When: a single trigger and a remote that acknowledges nothing
	f.Trigger()

	// Then: the remainder is retried through the window without new triggers
	inv.waitCalls(t, 3, 2*time.Second)
	if n := pendingCount(t, pair); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
}

func TestFlusher_FailedAckReschedules(t *testing.T) {
	pair := openPair(t)
	appendPending(t, pair, 1)
	inv := newMockInvoker()
	inv.extra = []string{"unknown"}
	f := NewFlusher(pair, inv, FlusherConfig{Window: 20 * time.Millisecond, AckPolicy: AckFail})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)
	f.Trigger()

	// Given: the rolled-back acknowledgment
	inv.waitCalls(t, 1, time.Second)

	// When: the remote stops acknowledging unknown ids
	inv.mu.Lock()
	inv.extra = nil
	inv.mu.Unlock()

	// Then: the entry goes out on a retry
	deadline := time.Now().Add(2 * time.Second)
	for pendingCount(t, pair) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending transaction stalled after a failed acknowledgment")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFlusher_EmptyLogDoesNotInvoke(t *testing.T) {
	pair := openPair(t)
	inv := newMockInvoker()
	f := NewFlusher(pair, inv, FlusherConfig{})

	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n := len(inv.sizes()); n != 0 {
		t.Errorf("invocations = %d, want 0", n)
	}
}

func TestAckPolicy_Valid(t *testing.T) {
	for _, p := range []AckPolicy{AckIgnore, AckFail} {
		if !p.Valid() {
			t.Errorf("%q should be valid", p)
		}
	}
	if AckPolicy("retry").Valid() {
		t.Error("unknown policy reported valid")
	}
}
