package events

import (
    "bytes"
    "errors"
    "io"
    "testing"

    "ttrelay/pkg/codec"
    "ttrelay/pkg/peer"
)

// number normalizes what the different codecs decode integers into.
func number(v any) float64 {
    switch n := v.(type) {
    case float64:
        return n
    case uint64:
        return float64(n)
    case int64:
        return float64(n)
    }
    return -1
}

func TestEmitterFramesEveryCodec(t *testing.T) {
    reg := codec.NewRegistry()
    p := peer.Peer{UUID: "8a7f3f4e-2c1b-4f0e-9d3a-0c1e2b3a4d5f", Generation: 3}

    for _, name := range reg.Names() {
        c, _ := reg.Lookup(name)
        var buf bytes.Buffer
        em := NewEmitter(&buf, c)
        if err := em.Emit(PeerAvailabilityChanged(peer.Availability{Peer: p, Available: true})); err != nil { t.Fatalf("%s: emit: %v", name, err) }
        if err := em.Emit(DiscoveryAdvertisingState(true, false)); err != nil { t.Fatalf("%s: emit: %v", name, err) }
        if err := em.Emit(IncomingConnectionFailed(8080)); err != nil { t.Fatalf("%s: emit: %v", name, err) }

        d := NewDecoder(&buf, c)
        kind, data, err := d.Next()
        if err != nil || kind != KindPeerAvailability { t.Fatalf("%s: first event %q: %v", name, kind, err) }
        list, ok := data.([]any)
        if !ok || len(list) != 1 { t.Fatalf("%s: peers %#v", name, data) }
        entry := list[0].(map[string]any)
        if entry["peerIdentifier"] != p.UUID || number(entry["generation"]) != 3 || entry["peerAvailable"] != true {
            t.Fatalf("%s: entry %#v", name, entry)
        }

        kind, data, err = d.Next()
        if err != nil || kind != KindDiscoveryAdvertisingState { t.Fatalf("%s: second event %q: %v", name, kind, err) }
        st := data.(map[string]any)
        if st["discoveryActive"] != true || st["advertisingActive"] != false { t.Fatalf("%s: state %#v", name, st) }

        kind, data, err = d.Next()
        if err != nil || kind != KindIncomingConnectionFailed { t.Fatalf("%s: third event %q: %v", name, kind, err) }
        if number(data.(map[string]any)["port"]) != 8080 { t.Fatalf("%s: port %#v", name, data) }

        if _, _, err := d.Next(); !errors.Is(err, io.EOF) { t.Fatalf("%s: expected EOF, got %v", name, err) }
    }
}

func TestTextFramesAreLines(t *testing.T) {
    var buf bytes.Buffer
    _ = NewEmitter(&buf, codec.JSON()).Emit(IncomingConnectionFailed(1))
    want := `{"data":{"port":1},"event":"incomingConnectionToPortNumberFailed"}` + "\n"
    if buf.String() != want { t.Fatalf("got %q, want %q", buf.String(), want) }
}

func TestNilWriterOnlyLogs(t *testing.T) {
    if err := NewEmitter(nil, codec.JSON()).Emit(DiscoveryAdvertisingState(false, false)); err != nil {
        t.Fatalf("emit: %v", err)
    }
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
    d := NewDecoder(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}), codec.CBOR())
    if _, _, err := d.Next(); !errors.Is(err, errFrameSize) { t.Fatalf("expected errFrameSize, got %v", err) }
}
