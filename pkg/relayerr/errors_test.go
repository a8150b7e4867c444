package relayerr

import (
    "errors"
    "fmt"
    "testing"
)

func TestWrappedKindsMatch(t *testing.T) {
    err := fmt.Errorf("%w: dial 127.0.0.1:9", ErrConnectionFailed)
    if !errors.Is(err, ErrConnectionFailed) { t.Fatalf("expected ErrConnectionFailed, got %v", err) }
    if errors.Is(err, ErrConnectionTimedOut) { t.Fatalf("kinds must not alias") }
    if err.Error() != "connection failed: dial 127.0.0.1:9" { t.Fatalf("unexpected message: %q", err.Error()) }
}
