package worker

import "errors"

// ErrAckUnknownTransaction is returned under AckFail when the remote
// acknowledges a transaction id the log does not hold.
var ErrAckUnknownTransaction = errors.New("acknowledged transaction not in log")
