package peer

import (
    "errors"
    "testing"

    "ttrelay/pkg/relayerr"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
    for _, p := range []Peer{New(), {UUID: "abc", Generation: 0}, {UUID: "abc", Generation: 0xff}, {UUID: "x-y", Generation: 1 << 40}} {
        got, err := Parse(p.String())
        if err != nil { t.Fatalf("parse %q: %v", p.String(), err) }
        if got != p { t.Fatalf("roundtrip mismatch: %+v != %+v", got, p) }
    }
}

func TestStringUsesHexGeneration(t *testing.T) {
    p := Peer{UUID: "u", Generation: 26}
    if p.String() != "u:1a" { t.Fatalf("unexpected encoding: %q", p.String()) }
    if got, err := Parse("u:1A"); err != nil || got.Generation != 26 {
        t.Fatalf("upper-case hex: %+v %v", got, err)
    }
}

func TestParseRejectsMalformed(t *testing.T) {
    for _, s := range []string{"", "nocolon", "a:b:c", "a:", ":1", "a:xyz", "a:-1", "a:1.5"} {
        if _, err := Parse(s); !errors.Is(err, relayerr.ErrIllegalPeerID) {
            t.Fatalf("Parse(%q): expected ErrIllegalPeerID, got %v", s, err)
        }
    }
}

func TestNextGeneration(t *testing.T) {
    p := New()
    n := p.NextGeneration()
    if n.UUID != p.UUID || n.Generation != p.Generation+1 { t.Fatalf("unexpected next: %+v", n) }
    if n == p { t.Fatalf("generations must differ") }
    if p.Generation != 0 { t.Fatalf("receiver mutated") }
}

func TestLatest(t *testing.T) {
    ps := []Peer{{UUID: "a", Generation: 1}, {UUID: "b", Generation: 9}, {UUID: "a", Generation: 3}, {UUID: "a", Generation: 2}}
    got, ok := Latest(ps, "a")
    if !ok || got.Generation != 3 { t.Fatalf("expected a:3, got %+v ok=%v", got, ok) }
    if _, ok := Latest(ps, "c"); ok { t.Fatalf("unknown uuid must not resolve") }
    if _, ok := Latest(nil, "a"); ok { t.Fatalf("empty set must not resolve") }
}
