package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/tidesync/internal/schema"
	"github.com/hyperengineering/tidesync/internal/store"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
	"github.com/hyperengineering/tidesync/internal/transport"
)

// Invoker delivers a batch of outbound transactions and returns the ids the
// remote acknowledged.
type Invoker interface {
	InvokeTransactions(ctx context.Context, batch []tidesync.TransactionDTO) ([]string, error)
}

// AckPolicy decides what an acknowledgment for an absent transaction means.
type AckPolicy string

const (
	// AckIgnore treats it as a duplicate delivery and carries on.
	AckIgnore AckPolicy = "ignore"
	// AckFail rolls the acknowledgment back and reports
	// ErrAckUnknownTransaction.
	AckFail AckPolicy = "fail"
)

// Valid reports whether p is a known policy.
func (p AckPolicy) Valid() bool {
	return p == AckIgnore || p == AckFail
}

const (
	DefaultFlushWindow   = 300 * time.Millisecond
	DefaultInvokeTimeout = 30 * time.Second
)

// FlusherConfig tunes the Flusher. Zero values take defaults.
type FlusherConfig struct {
	Window        time.Duration
	BatchSize     int
	AckPolicy     AckPolicy
	InvokeTimeout time.Duration
}

func (c FlusherConfig) withDefaults() FlusherConfig {
	if c.Window <= 0 {
		c.Window = DefaultFlushWindow
	}
	if c.BatchSize <= 0 || c.BatchSize > tidesync.MaxBatchSize {
		c.BatchSize = tidesync.MaxBatchSize
	}
	if c.AckPolicy == "" {
		c.AckPolicy = AckIgnore
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = DefaultInvokeTimeout
	}
	return c
}

// FlushResult summarizes one flush.
type FlushResult struct {
	Sent      int
	Acked     int
	Remaining int
}

// Flusher drains the outbound log in bounded batches. Triggers inside one
// window coalesce into a single flush, and at most one flush is in flight.
type Flusher struct {
	pair    *store.Pair
	invoker Invoker
	cfg     FlusherConfig

	kick     chan struct{}
	inFlight atomic.Bool
	now      func() time.Time

	mu      sync.Mutex
	sending map[string]struct{}
}

// NewFlusher creates a Flusher delivering pair's log through invoker.
func NewFlusher(pair *store.Pair, invoker Invoker, cfg FlusherConfig) *Flusher {
	return &Flusher{
		pair:    pair,
		invoker: invoker,
		cfg:     cfg.withDefaults(),
		kick:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Attach triggers a flush whenever a transaction is appended to the log and
// returns a function detaching it.
func (f *Flusher) Attach() (detach func()) {
	return f.pair.Listen(schema.TransactionsTable, func(_ context.Context, n store.Notification) error {
		if len(n.Inserted) > 0 || len(n.Modified) > 0 {
			f.Trigger()
		}
		return nil
	})
}

// Trigger requests a flush. It never blocks.
func (f *Flusher) Trigger() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// InFlight reports whether a flush is currently waiting on the remote.
func (f *Flusher) InFlight() bool {
	return f.inFlight.Load()
}

// IsInFlight reports whether the log entry id belongs to the batch handed
// to the remote and not yet acknowledged. Such entries must not be
// rewritten or removed by anyone but the acknowledgment.
func (f *Flusher) IsInFlight(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sending[id]
	return ok
}

func (f *Flusher) markSending(batch []tidesync.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sending = make(map[string]struct{}, len(batch))
	for _, t := range batch {
		f.sending[t.ID] = struct{}{}
	}
}

func (f *Flusher) clearSending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sending = nil
}

// Run drives flushes until ctx is cancelled. The first trigger after an idle
// period flushes at once; later triggers wait out the window.
func (f *Flusher) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "flusher",
		"window", f.cfg.Window.String(),
		"batch_size", f.cfg.BatchSize,
		"ack_policy", string(f.cfg.AckPolicy),
	)

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "flusher",
				"reason", "context_cancelled",
			)
			return
		case <-f.kick:
		}

		if wait := f.cfg.Window - f.now().Sub(last); !last.IsZero() && wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				continue
			case <-timer.C:
			}
		}
		last = f.now()

		res, err := f.Flush(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			f.logFailure(err)
			// Without a schema nothing can be read; the next connect triggers again.
			if !errors.Is(err, store.ErrSchemaNotLoaded) {
				f.Trigger()
			}
			continue
		}
		if res.Remaining > 0 {
			f.Trigger()
		}
	}
}

func (f *Flusher) logFailure(err error) {
	if errors.Is(err, transport.ErrNotReady) || errors.Is(err, transport.ErrStaleEpoch) {
		slog.Debug("flush deferred",
			"component", "worker",
			"worker", "flusher",
			"action", "flush_rescheduled",
			"reason", err.Error(),
		)
		return
	}
	slog.Warn("flush failed, will retry",
		"component", "worker",
		"worker", "flusher",
		"action", "flush_failed",
		"error", err,
	)
}

// Flush sends the oldest pending transactions once. It is a no-op while
// another flush is in flight.
func (f *Flusher) Flush(ctx context.Context) (FlushResult, error) {
	if !f.inFlight.CompareAndSwap(false, true) {
		return FlushResult{}, nil
	}
	defer f.inFlight.Store(false)

	start := time.Now()
	var (
		batch  []tidesync.Transaction
		total  int
		cursor string
	)
	defer f.clearSending()
	err := f.pair.Read(ctx, func(tx *store.Tx) error {
		var err error
		if batch, err = tx.PendingTransactions(f.cfg.BatchSize); err != nil {
			return err
		}
		if total, err = tx.CountPending(); err != nil {
			return err
		}
		if cursor, err = tx.Cursor(); err != nil {
			return err
		}
		// Marked inside the scope so no writer sees the batch unmarked.
		f.markSending(batch)
		return nil
	})
	if err != nil {
		return FlushResult{}, fmt.Errorf("read pending transactions: %w", err)
	}
	if len(batch) == 0 {
		return FlushResult{}, nil
	}

	sch := f.pair.Schema()
	dtos := make([]tidesync.TransactionDTO, len(batch))
	for i, t := range batch {
		dtos[i] = t.ToDTO(sch.Identity(t.TableName))
	}

	callCtx, cancel := context.WithTimeout(ctx, f.cfg.InvokeTimeout)
	acked, err := f.invoker.InvokeTransactions(callCtx, dtos)
	cancel()
	if err != nil {
		return FlushResult{Remaining: total}, fmt.Errorf("invoke transactions: %w", err)
	}

	removed, err := f.acknowledge(ctx, acked, cursor)
	if err != nil {
		return FlushResult{Sent: len(batch), Remaining: total}, err
	}

	res := FlushResult{Sent: len(batch), Acked: removed, Remaining: total - removed}
	slog.Info("outbound batch flushed",
		"component", "worker",
		"worker", "flusher",
		"action", "flush_complete",
		"sent", res.Sent,
		"acked", res.Acked,
		"remaining", res.Remaining,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// acknowledge deletes the acked entries and advances the cursor in one
// scope, returning how many entries were removed. The cursor only moves if
// it still holds the position read with the batch; an inbound batch applied
// meanwhile keeps its newer position.
func (f *Flusher) acknowledge(ctx context.Context, acked []string, cursor string) (int, error) {
	if len(acked) == 0 {
		return 0, nil
	}
	removed := 0
	err := f.pair.Write(ctx, func(tx *store.Tx) error {
		missing, err := tx.DeleteTransactions(acked)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			if f.cfg.AckPolicy == AckFail {
				return fmt.Errorf("%w: %v", ErrAckUnknownTransaction, missing)
			}
			slog.Debug("acknowledgment for absent transactions ignored",
				"component", "worker",
				"worker", "flusher",
				"ids", missing,
			)
		}
		removed = len(acked) - len(missing)
		moved, err := tx.CompareAndSetCursor(cursor, acked[len(acked)-1])
		if err != nil {
			return err
		}
		if !moved {
			slog.Debug("cursor advanced during flush, keeping inbound position",
				"component", "worker",
				"worker", "flusher",
				"read_cursor", cursor,
			)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
