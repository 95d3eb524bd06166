// Package authority is an in-memory remote authority for local development
// and tests. It serves the schema description and a sync hub that keeps one
// ordered transaction log shared by every connected client.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/tidesync/internal/schema"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
	"go.lsp.dev/jsonrpc2"
)

// Hub accepts outbound batches from clients, acknowledges them and fans them
// out to the other connected clients.
type Hub struct {
	remote *schema.DbScheme
	now    func() time.Time

	mu    sync.Mutex
	log   []tidesync.TransactionDTO
	index map[string]int
	peers map[*peer]struct{}
}

type peer struct {
	id     string
	cursor string
	conn   jsonrpc2.Conn
}

// NewHub creates a Hub serving remote as its schema description.
func NewHub(remote *schema.DbScheme) *Hub {
	return &Hub{
		remote: remote,
		now:    time.Now,
		index:  make(map[string]int),
		peers:  make(map[*peer]struct{}),
	}
}

// Scheme returns the served schema description.
func (h *Hub) Scheme() *schema.DbScheme { return h.remote }

// Accept appends the unseen transactions of batch to the log and returns
// every id of the batch as acknowledged. Duplicates are acknowledged again
// without being stored twice. New transactions are pushed to every peer
// except from.
func (h *Hub) Accept(ctx context.Context, from *peer, batch []tidesync.TransactionDTO) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	acked := make([]string, 0, len(batch))
	var fresh []tidesync.TransactionDTO
	synced := h.now().UTC()
	for _, d := range batch {
		if d.ID == "" {
			continue
		}
		acked = append(acked, d.ID)
		if _, dup := h.index[d.ID]; dup {
			continue
		}
		d.SyncDate = &synced
		h.index[d.ID] = len(h.log)
		h.log = append(h.log, d)
		fresh = append(fresh, d)
	}

	if len(fresh) > 0 {
		for p := range h.peers {
			if p == from {
				continue
			}
			h.pushLocked(ctx, p, fresh)
		}
	}
	return acked
}

// Inject records batch as if another client had sent it and pushes it to
// every connected peer.
func (h *Hub) Inject(ctx context.Context, batch []tidesync.TransactionDTO) []string {
	return h.Accept(ctx, nil, batch)
}

// Log returns a copy of the ordered transaction log.
func (h *Hub) Log() []tidesync.TransactionDTO {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]tidesync.TransactionDTO(nil), h.log...)
}

// Peers returns the resume cursor each connected peer presented, in no
// particular order.
func (h *Hub) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, p.cursor)
	}
	return out
}

// DropPeers closes every peer connection.
func (h *Hub) DropPeers() int {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
	return len(peers)
}

// attach registers p and replays the log after its cursor. Unknown cursors
// replay the whole log; clients skip what they already applied.
func (h *Hub) attach(ctx context.Context, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.peers[p] = struct{}{}

	tail := h.log
	if i, ok := h.index[p.cursor]; ok {
		tail = h.log[i+1:]
	}
	for len(tail) > 0 {
		n := min(len(tail), tidesync.MaxBatchSize)
		h.pushLocked(ctx, p, tail[:n])
		tail = tail[n:]
	}
	slog.Info("peer attached",
		"component", "authority",
		"action", "peer_attached",
		"peer_id", p.id,
		"cursor", p.cursor,
		"peers", len(h.peers),
	)
}

func (h *Hub) detach(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p)
	slog.Info("peer detached",
		"component", "authority",
		"action", "peer_detached",
		"peer_id", p.id,
		"peers", len(h.peers),
	)
}

func (h *Hub) pushLocked(ctx context.Context, p *peer, batch []tidesync.TransactionDTO) {
	if err := p.conn.Notify(ctx, tidesync.MethodReceiveTransactions, batch); err != nil {
		slog.Warn("push to peer failed",
			"component", "authority",
			"action", "push_failed",
			"peer_id", p.id,
			"transactions", len(batch),
			"error", err,
		)
	}
}

func newPeer(cursor string) *peer {
	return &peer{id: uuid.NewString(), cursor: cursor}
}

// handler serves the hub methods for one peer.
func (h *Hub) handler(p *peer) jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		switch req.Method() {
		case tidesync.MethodSyncTransactions:
			batch, err := tidesync.DecodeTransactions(req.Params())
			if err != nil {
				return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
			}
			if len(batch) > tidesync.MaxBatchSize {
				return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams,
					fmt.Sprintf("batch of %d exceeds maximum of %d", len(batch), tidesync.MaxBatchSize)))
			}
			start := time.Now()
			acked := h.Accept(ctx, p, batch)
			slog.Info("transactions accepted",
				"component", "authority",
				"action", "sync_transactions",
				"peer_id", PeerIDFromContext(ctx),
				"transactions", len(batch),
				"acked", len(acked),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return reply(ctx, acked, nil)

		case tidesync.MethodSend:
			msg := json.RawMessage(req.Params())
			if len(msg) == 0 {
				msg = json.RawMessage("null")
			}
			if err := p.conn.Notify(ctx, tidesync.MethodTest, msg); err != nil {
				slog.Warn("diagnostic echo failed",
					"component", "authority",
					"peer_id", PeerIDFromContext(ctx),
					"error", err,
				)
			}
			return reply(ctx, msg, nil)

		default:
			return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
		}
	}
}
