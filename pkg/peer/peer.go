// Package peer defines the discovery identity of a node: a stable uuid plus
// a generation counter bumped on every advertising restart.
package peer

import (
    "fmt"
    "strconv"
    "strings"

    "github.com/google/uuid"

    "ttrelay/pkg/relayerr"
)

// Peer is immutable; a new advertising cycle derives a new value via NextGeneration.
type Peer struct {
    UUID       string
    Generation uint64
}

// New returns a fresh peer with generation 0.
func New() Peer { return Peer{UUID: uuid.NewString()} }

// NextGeneration returns the same identity one generation later.
func (p Peer) NextGeneration() Peer { return Peer{UUID: p.UUID, Generation: p.Generation + 1} }

// String encodes the peer as "<uuid>:<generation in hex>".
func (p Peer) String() string {
    return p.UUID + ":" + strconv.FormatUint(p.Generation, 16)
}

// IsZero reports whether p is the zero value.
func (p Peer) IsZero() bool { return p.UUID == "" && p.Generation == 0 }

// Parse decodes the String form.
func Parse(s string) (Peer, error) {
    parts := strings.Split(s, ":")
    if len(parts) != 2 || parts[0] == "" {
        return Peer{}, fmt.Errorf("%w: %q", relayerr.ErrIllegalPeerID, s)
    }
    gen, err := strconv.ParseUint(parts[1], 16, 64)
    if err != nil {
        return Peer{}, fmt.Errorf("%w: %q", relayerr.ErrIllegalPeerID, s)
    }
    return Peer{UUID: parts[0], Generation: gen}, nil
}

// Latest returns the highest generation among peers sharing uuid.
func Latest(peers []Peer, uuid string) (Peer, bool) {
    var best Peer
    found := false
    for _, p := range peers {
        if p.UUID != uuid { continue }
        if !found || p.Generation > best.Generation {
            best, found = p, true
        }
    }
    return best, found
}

// Availability is emitted on every found/lost discovery event.
type Availability struct {
    Peer      Peer
    Available bool
}
