// Package relayerr holds the error kinds shared by the relay core.
// Call sites wrap them with fmt.Errorf("%w: ...") and callers match with errors.Is.
package relayerr

// Error is a constant error kind.
type Error string

func (e Error) Error() string { return string(e) }

const (
    // ErrConnectionFailed is a generic transport or TCP failure.
    ErrConnectionFailed Error = "connection failed"
    // ErrConnectionTimedOut means virtual socket negotiation exceeded its deadline.
    ErrConnectionTimedOut Error = "connection timed out"
    // ErrIllegalPeerID is returned for malformed peer strings and unknown peers.
    ErrIllegalPeerID Error = "illegal peer id"
    // ErrStartListeningNotActive is returned when connecting before browsing started.
    ErrStartListeningNotActive Error = "start listening not active"
    // ErrDoubleStart is returned when a single-use object is started twice.
    ErrDoubleStart Error = "double start"
    // ErrStartAfterKilled is returned when starting an object that was already torn down.
    ErrStartAfterKilled Error = "start after killed"
)
