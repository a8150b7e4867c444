package codec

import "encoding/json"

type jsonCodec struct{}

// JSON returns a JSON codec. Content-Type: application/json
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string                         { return "json" }
func (jsonCodec) ContentType() string                  { return "application/json" }
func (jsonCodec) Binary() bool                         { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error   { return json.Unmarshal(data, v) }
