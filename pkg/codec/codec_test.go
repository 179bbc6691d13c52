package codec

import (
    "bytes"
    "testing"

    "github.com/stretchr/testify/require"
    "google.golang.org/protobuf/types/known/structpb"
)

type snapshot struct {
    Address string   `json:"address"`
    Online  bool     `json:"online"`
    Port    int      `json:"port"`
    Tags    []string `json:"tags"`
}

var sample = snapshot{Address: "89e92ceee5", Online: true, Port: 9993, Tags: []string{"a", "b"}}

func TestRegistry(t *testing.T) {
    r, err := NewRegistry()
    require.NoError(t, err)
    require.Equal(t, []string{"cbor", "json", "proto"}, r.Names())
    for _, key := range []string{"json", "JSON", "application/cbor", "proto"} {
        _, err := r.Lookup(key)
        require.NoError(t, err, key)
    }
    _, err = r.Lookup("xml")
    require.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
    r, err := NewRegistry()
    require.NoError(t, err)
    for _, name := range r.Names() {
        c, _ := r.Lookup(name)
        b, err := c.Marshal(sample)
        if err != nil { t.Fatalf("%s marshal: %v", name, err) }
        var out snapshot
        if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("%s unmarshal: %v", name, err) }
        require.Equal(t, sample, out, name)
    }
}

func TestDeterministic(t *testing.T) {
    r, err := NewRegistry()
    require.NoError(t, err)
    in := map[string]any{"z": 1, "a": map[string]any{"y": "x", "b": []any{1, 2}}, "m": true}
    for _, name := range r.Names() {
        c, _ := r.Lookup(name)
        first, err := c.Marshal(in)
        require.NoError(t, err)
        for i := 0; i < 10; i++ {
            again, err := c.Marshal(in)
            require.NoError(t, err)
            if !bytes.Equal(first, again) { t.Fatalf("%s output not stable", name) }
        }
    }
}

func TestProtoMessage(t *testing.T) {
    c := Proto()
    s, err := structpb.NewStruct(map[string]any{"k": "v"})
    if err != nil { t.Fatalf("struct: %v", err) }
    b, err := c.Marshal(s)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out structpb.Struct
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.Fields["k"].GetStringValue() != "v" { t.Fatalf("roundtrip mismatch") }

    _, err = c.Marshal([]int{1, 2})
    require.Error(t, err)
}
