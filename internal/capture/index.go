package capture

import (
	"sync"

	tidesync "github.com/hyperengineering/tidesync/internal/sync"
)

type indexKey struct {
	table      string
	changeType tidesync.ChangeType
	instanceID string
}

type indexEntry struct {
	txn tidesync.Transaction
	gen uint64
}

// AppliedIndex remembers inbound transactions that were just applied so the
// capture of the resulting commit can recognize them as echoes. Entries are
// consumed at most once.
type AppliedIndex struct {
	mu      sync.Mutex
	entries map[indexKey][]indexEntry
}

// NewAppliedIndex returns an empty index.
func NewAppliedIndex() *AppliedIndex {
	return &AppliedIndex{entries: make(map[indexKey][]indexEntry)}
}

// Add queues txn as applied by the commit with generation gen.
func (i *AppliedIndex) Add(gen uint64, txn tidesync.Transaction) {
	i.mu.Lock()
	defer i.mu.Unlock()
	k := indexKey{txn.TableName, txn.ChangeType, txn.InstanceID}
	i.entries[k] = append(i.entries[k], indexEntry{txn: txn, gen: gen})
}

// Pop consumes the oldest pending entry for the key.
func (i *AppliedIndex) Pop(table string, ct tidesync.ChangeType, instanceID string) (tidesync.Transaction, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	k := indexKey{table, ct, instanceID}
	queue := i.entries[k]
	if len(queue) == 0 {
		return tidesync.Transaction{}, false
	}
	head := queue[0]
	if len(queue) == 1 {
		delete(i.entries, k)
	} else {
		i.entries[k] = queue[1:]
	}
	return head.txn, true
}

// Drain consumes every pending entry for the key, oldest first.
func (i *AppliedIndex) Drain(table string, ct tidesync.ChangeType, instanceID string) []tidesync.Transaction {
	i.mu.Lock()
	defer i.mu.Unlock()
	k := indexKey{table, ct, instanceID}
	queue := i.entries[k]
	delete(i.entries, k)
	out := make([]tidesync.Transaction, len(queue))
	for n, e := range queue {
		out[n] = e.txn
	}
	return out
}

// Prune drops the unconsumed entries of generation gen and returns how many
// were dropped.
func (i *AppliedIndex) Prune(gen uint64) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	dropped := 0
	for k, queue := range i.entries {
		kept := queue[:0]
		for _, e := range queue {
			if e.gen == gen {
				dropped++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(i.entries, k)
		} else {
			i.entries[k] = kept
		}
	}
	return dropped
}

// Len returns the number of pending entries.
func (i *AppliedIndex) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, q := range i.entries {
		n += len(q)
	}
	return n
}
