package transport

import "errors"

var (
	// ErrNotReady is returned by non-waiting calls while no connection is
	// established.
	ErrNotReady = errors.New("transport not ready")

	// ErrStaleEpoch is returned when the connection a call was issued on was
	// replaced before the call completed. The result must be discarded.
	ErrStaleEpoch = errors.New("connection epoch changed during call")

	// ErrStopped is returned once the client has been closed.
	ErrStopped = errors.New("transport stopped")
)
