// Package codec holds the wire encodings events can be written in.
package codec

import (
    "fmt"
    "sort"
    "strings"
)

// Codec marshals typed messages. Implementations are deterministic.
type Codec interface {
    // Name is the short alias used in configuration, e.g. "json".
    Name() string
    ContentType() string
    // Binary reports whether encoded values may contain newlines or
    // arbitrary bytes and therefore need length framing.
    Binary() bool
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry resolves codecs by short name or content type.
type Registry struct{ byKey map[string]Codec }

// NewRegistry returns a registry holding JSON, CBOR and Protobuf.
func NewRegistry() *Registry {
    r := &Registry{byKey: make(map[string]Codec)}
    r.Register(JSON())
    r.Register(CBOR())
    r.Register(Proto())
    return r
}

// Register adds c under both its name and content type.
func (r *Registry) Register(c Codec) {
    r.byKey[c.Name()] = c
    r.byKey[c.ContentType()] = c
}

// Get returns a codec by name or content type, or nil.
func (r *Registry) Get(key string) Codec { return r.byKey[strings.ToLower(strings.TrimSpace(key))] }

// Lookup is Get with an error naming the known codecs.
func (r *Registry) Lookup(key string) (Codec, error) {
    if c := r.Get(key); c != nil { return c, nil }
    return nil, fmt.Errorf("codec: unknown format %q (have %s)", key, strings.Join(r.Names(), ", "))
}

// Names lists the registered short names in order.
func (r *Registry) Names() []string {
    var names []string
    for k, c := range r.byKey {
        if k == c.Name() { names = append(names, k) }
    }
    sort.Strings(names)
    return names
}
