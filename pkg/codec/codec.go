// Package codec encodes service snapshots for disk and control clients.
package codec

import (
    "fmt"
    "sort"
    "strings"
)

// Codec marshals snapshot values. Implementations are deterministic: the
// same value always encodes to the same bytes.
type Codec interface {
    Name() string
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry maps format names and content types to codecs.
type Registry struct {
    byName map[string]Codec
    byType map[string]Codec
}

// NewRegistry returns a registry holding the JSON, CBOR and Proto codecs.
func NewRegistry() (*Registry, error) {
    r := &Registry{byName: make(map[string]Codec), byType: make(map[string]Codec)}
    r.Register(JSON())
    c, err := CBOR()
    if err != nil { return nil, fmt.Errorf("codec: cbor: %w", err) }
    r.Register(c)
    r.Register(Proto())
    return r, nil
}

func (r *Registry) Register(c Codec) {
    r.byName[c.Name()] = c
    r.byType[c.ContentType()] = c
}

// Lookup finds a codec by name ("json") or content type ("application/json").
func (r *Registry) Lookup(key string) (Codec, error) {
    key = strings.ToLower(strings.TrimSpace(key))
    if c, ok := r.byName[key]; ok { return c, nil }
    if c, ok := r.byType[key]; ok { return c, nil }
    return nil, fmt.Errorf("codec: unknown format %q (have %s)", key, strings.Join(r.Names(), ", "))
}

// Names lists the registered format names.
func (r *Registry) Names() []string {
    out := make([]string, 0, len(r.byName))
    for n := range r.byName { out = append(out, n) }
    sort.Strings(out)
    return out
}
