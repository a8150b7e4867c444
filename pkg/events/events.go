// Package events reports relay state changes to the embedding application
// as a stream of encoded frames.
package events

import (
    "bufio"
    "encoding/binary"
    "errors"
    "fmt"
    "io"
    "sync"

    "go.uber.org/zap"
    "google.golang.org/protobuf/types/known/structpb"

    "ttrelay/pkg/codec"
    "ttrelay/pkg/peer"
)

type Kind string

const (
    KindPeerAvailability          Kind = "peerAvailabilityChanged"
    KindDiscoveryAdvertisingState Kind = "discoveryAdvertisingStateUpdateNonTCP"
    KindIncomingConnectionFailed  Kind = "incomingConnectionToPortNumberFailed"
)

const maxFrame = 1 << 20

var errFrameSize = errors.New("events: invalid frame size")

// Event is one notification. Data is a map or list of plain values so every
// codec, including structpb, can carry it.
type Event struct {
    Kind Kind
    Data any
}

func (e Event) envelope() map[string]any {
    return map[string]any{"event": string(e.Kind), "data": e.Data}
}

// PeerAvailabilityChanged lists peers that appeared or went away.
func PeerAvailabilityChanged(as ...peer.Availability) Event {
    list := make([]any, 0, len(as))
    for _, a := range as {
        list = append(list, map[string]any{
            "peerIdentifier": a.Peer.UUID,
            "generation":     a.Peer.Generation,
            "peerAvailable":  a.Available,
        })
    }
    return Event{Kind: KindPeerAvailability, Data: list}
}

func DiscoveryAdvertisingState(discoveryActive, advertisingActive bool) Event {
    return Event{Kind: KindDiscoveryAdvertisingState, Data: map[string]any{
        "discoveryActive":   discoveryActive,
        "advertisingActive": advertisingActive,
    }}
}

// IncomingConnectionFailed reports an invitation that could not reach the
// application port.
func IncomingConnectionFailed(port int) Event {
    return Event{Kind: KindIncomingConnectionFailed, Data: map[string]any{"port": port}}
}

// Emitter writes events to w. Text codecs are newline delimited, binary
// codecs get a u32 little-endian length prefix. A nil writer only logs.
type Emitter struct {
    c   codec.Codec
    log *zap.Logger

    mu sync.Mutex
    w  io.Writer
}

func NewEmitter(w io.Writer, c codec.Codec) *Emitter {
    return &Emitter{w: w, c: c, log: zap.L().Named("events")}
}

func (e *Emitter) Emit(ev Event) error {
    e.log.Debug("event", zap.String("kind", string(ev.Kind)), zap.Any("data", ev.Data))
    if e.w == nil { return nil }
    b, err := encode(e.c, ev)
    if err != nil { return fmt.Errorf("events: encode %s: %w", ev.Kind, err) }

    e.mu.Lock()
    defer e.mu.Unlock()
    if e.c.Binary() {
        var lenbuf [4]byte
        binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
        b = append(lenbuf[:], b...)
    } else {
        b = append(b, '\n')
    }
    _, err = e.w.Write(b)
    return err
}

func encode(c codec.Codec, ev Event) ([]byte, error) {
    if c.Name() == "proto" {
        s, err := structpb.NewStruct(ev.envelope())
        if err != nil { return nil, err }
        return c.Marshal(s)
    }
    return c.Marshal(ev.envelope())
}

// Decoder reads frames written by an Emitter using the same codec.
type Decoder struct {
    c  codec.Codec
    br *bufio.Reader
}

func NewDecoder(r io.Reader, c codec.Codec) *Decoder {
    return &Decoder{c: c, br: bufio.NewReader(r)}
}

// Next returns the kind and the decoded data of the next event.
func (d *Decoder) Next() (Kind, any, error) {
    var raw []byte
    if d.c.Binary() {
        var lenbuf [4]byte
        if _, err := io.ReadFull(d.br, lenbuf[:]); err != nil { return "", nil, err }
        n := binary.LittleEndian.Uint32(lenbuf[:])
        if n > maxFrame { return "", nil, fmt.Errorf("%w: %d", errFrameSize, n) }
        raw = make([]byte, n)
        if _, err := io.ReadFull(d.br, raw); err != nil { return "", nil, err }
    } else {
        line, err := d.br.ReadBytes('\n')
        if err != nil { return "", nil, err }
        raw = line
    }

    var env map[string]any
    if d.c.Name() == "proto" {
        var s structpb.Struct
        if err := d.c.Unmarshal(raw, &s); err != nil { return "", nil, err }
        env = s.AsMap()
    } else if err := d.c.Unmarshal(raw, &env); err != nil {
        return "", nil, err
    }
    kind, _ := env["event"].(string)
    return Kind(kind), env["data"], nil
}
