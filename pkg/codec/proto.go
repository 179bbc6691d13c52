package codec

import (
    "bytes"
    "encoding/json"
    "fmt"

    "google.golang.org/protobuf/proto"
    "google.golang.org/protobuf/types/known/structpb"
)

type protoCodec struct {
    mo proto.MarshalOptions
    uo proto.UnmarshalOptions
}

// Proto returns a deterministic Protocol Buffers codec. Values that are not
// proto messages are encoded as a google.protobuf.Struct built from their
// JSON form.
func Proto() Codec {
    return protoCodec{
        mo: proto.MarshalOptions{Deterministic: true},
        uo: proto.UnmarshalOptions{},
    }
}

func (p protoCodec) Name() string        { return "proto" }
func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
    if msg, ok := v.(proto.Message); ok {
        return p.mo.Marshal(msg)
    }
    generic, err := toGeneric(v)
    if err != nil { return nil, err }
    m, ok := generic.(map[string]any)
    if !ok {
        return nil, fmt.Errorf("protobuf: %T does not encode to an object", v)
    }
    s, err := structpb.NewStruct(m)
    if err != nil { return nil, fmt.Errorf("protobuf: %w", err) }
    return p.mo.Marshal(s)
}

// Unmarshal decodes into a proto message, or into any JSON-decodable value
// by way of google.protobuf.Struct.
func (p protoCodec) Unmarshal(data []byte, v any) error {
    if msg, ok := v.(proto.Message); ok {
        return p.uo.Unmarshal(data, msg)
    }
    var s structpb.Struct
    if err := p.uo.Unmarshal(data, &s); err != nil { return err }
    b, err := json.Marshal(s.AsMap())
    if err != nil { return err }
    return json.Unmarshal(b, v)
}

// toGeneric converts v to maps, slices and scalars through its JSON form.
// Integral numbers stay integers so that CBOR keeps them as ints.
func toGeneric(v any) (any, error) {
    b, err := json.Marshal(v)
    if err != nil { return nil, fmt.Errorf("codec: %w", err) }
    dec := json.NewDecoder(bytes.NewReader(b))
    dec.UseNumber()
    var out any
    if err := dec.Decode(&out); err != nil { return nil, fmt.Errorf("codec: %w", err) }
    return numbers(out), nil
}

func numbers(v any) any {
    switch t := v.(type) {
    case map[string]any:
        for k, e := range t { t[k] = numbers(e) }
        return t
    case []any:
        for i, e := range t { t[i] = numbers(e) }
        return t
    case json.Number:
        if i, err := t.Int64(); err == nil { return i }
        f, _ := t.Float64()
        return f
    default:
        return v
    }
}
