package codec

import (
    "reflect"

    cbor "github.com/fxamacker/cbor/v2"
)

// generic maps decode with string keys, matching the JSON form
var mapStringAny = reflect.TypeOf(map[string]any(nil))

type cborCodec struct{ enc cbor.EncMode; dec cbor.DecMode }

// CBOR returns a canonical CBOR codec (RFC 8949 core deterministic encoding).
// Text marshalers (addresses, ids) are encoded as strings.
func CBOR() (Codec, error) {
    opts := cbor.CanonicalEncOptions()
    em, err := opts.EncMode()
    if err != nil { return nil, err }
    dm, err := cbor.DecOptions{DefaultMapType: mapStringAny}.DecMode()
    if err != nil { return nil, err }
    return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) Name() string        { return "cbor" }
func (c cborCodec) ContentType() string { return "application/cbor" }

// Marshal goes through the JSON form first so that the CBOR document has
// the same field names and text representations as the JSON one.
func (c cborCodec) Marshal(v any) ([]byte, error) {
    generic, err := toGeneric(v)
    if err != nil { return nil, err }
    return c.enc.Marshal(generic)
}

func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
