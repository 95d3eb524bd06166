package authority

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
	"go.lsp.dev/jsonrpc2"
)

// MaxMessageBytes bounds one websocket message on either side of the hub.
const MaxMessageBytes = 8 << 20

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Peers        int    `json:"peers"`
	Transactions int    `json:"transactions"`
}

// Handler implements the authority HTTP endpoints.
type Handler struct {
	hub     *Hub
	apiKey  string
	version string
}

// NewHandler creates a Handler for hub.
func NewHandler(hub *Hub, apiKey, version string) *Handler {
	return &Handler{hub: hub, apiKey: apiKey, version: version}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		Peers:        len(h.hub.Peers()),
		Transactions: len(h.hub.Log()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Schema handles GET /api/v1/schema
func (h *Handler) Schema(w http.ResponseWriter, r *http.Request) {
	remote := h.hub.Scheme()
	if remote == nil || len(remote.Tables) == 0 {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Schema not configured")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(remote)
}

// Sync upgrades the request to a websocket and serves the hub methods on it
// until the peer disconnects.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed",
			"component", "authority",
			"remote_ip", r.RemoteAddr,
			"error", err,
		)
		return
	}
	ws.SetReadLimit(MaxMessageBytes)

	p := newPeer(r.URL.Query().Get(tidesync.ResumeQueryParam))
	ctx := WithPeerID(r.Context(), p.id)

	p.conn = jsonrpc2.NewConn(jsonrpc2.NewStream(websocket.NetConn(ctx, ws, websocket.MessageText)))
	p.conn.Go(ctx, h.hub.handler(p))

	h.hub.attach(ctx, p)
	defer h.hub.detach(p)

	select {
	case <-p.conn.Done():
	case <-ctx.Done():
		_ = p.conn.Close()
	}
}
