package codec

import (
    "reflect"

    cbor "github.com/fxamacker/cbor/v2"
)

// decoded maps use string keys so they convert to structpb directly
var mapStringAny = reflect.TypeOf(map[string]any(nil))

type cborCodec struct {
    enc cbor.EncMode
    dec cbor.DecMode
}

var cborModes = func() cborCodec {
    em, err := cbor.CanonicalEncOptions().EncMode()
    if err != nil { panic(err) }
    dm, err := cbor.DecOptions{DefaultMapType: mapStringAny}.DecMode()
    if err != nil { panic(err) }
    return cborCodec{enc: em, dec: dm}
}()

// CBOR returns a canonical CBOR codec. Content-Type: application/cbor
func CBOR() Codec { return cborModes }

func (c cborCodec) Name() string                       { return "cbor" }
func (c cborCodec) ContentType() string                { return "application/cbor" }
func (c cborCodec) Binary() bool                       { return true }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
