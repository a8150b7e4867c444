package lan

import (
    "encoding/binary"
    "errors"
    "fmt"
    "io"

    "github.com/fxamacker/cbor/v2"
)

// maxFrame bounds control frames; they only carry names and peer ids.
const maxFrame = 1 << 16

var errFrameSize = errors.New("lan: invalid frame size")

// invite is the first frame on the control stream of a new connection.
type invite struct {
    From string `cbor:"1,keyasint"`
    To   string `cbor:"2,keyasint"`
}

// reply answers an invite.
type reply struct {
    OK     bool   `cbor:"1,keyasint"`
    Reason string `cbor:"2,keyasint,omitempty"`
}

// header opens every named stream.
type header struct {
    Name string `cbor:"1,keyasint"`
}

var encMode = func() cbor.EncMode {
    em, err := cbor.CanonicalEncOptions().EncMode()
    if err != nil { panic(err) }
    return em
}()

// writeFrame writes v as CBOR behind a u32 little-endian length.
func writeFrame(w io.Writer, v any) error {
    b, err := encMode.Marshal(v)
    if err != nil { return err }
    if len(b) > maxFrame { return errFrameSize }
    buf := make([]byte, 4+len(b))
    binary.LittleEndian.PutUint32(buf, uint32(len(b)))
    copy(buf[4:], b)
    _, err = w.Write(buf)
    return err
}

// readFrame reads exactly one frame so the stream stays positioned at the
// first payload byte.
func readFrame(r io.Reader, v any) error {
    var lenbuf [4]byte
    if _, err := io.ReadFull(r, lenbuf[:]); err != nil { return err }
    n := binary.LittleEndian.Uint32(lenbuf[:])
    if n == 0 || n > maxFrame { return fmt.Errorf("%w: %d", errFrameSize, n) }
    buf := make([]byte, n)
    if _, err := io.ReadFull(r, buf); err != nil { return err }
    return cbor.Unmarshal(buf, v)
}
