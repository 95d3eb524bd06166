package authority

import "context"

// peerIDContextKey is the context key for the connected peer id (for logging).
type peerIDContextKey struct{}

// WithPeerID returns a new context with the peer id attached.
func WithPeerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, peerIDContextKey{}, id)
}

// PeerIDFromContext extracts the peer id from the context.
// Returns "unknown" if not present or empty.
func PeerIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(peerIDContextKey{}).(string)
	if !ok || id == "" {
		return "unknown"
	}
	return id
}
