package sdk

import (
    "errors"
    "testing"

    "github.com/stretchr/testify/require"
)

func TestAddressFormatting(t *testing.T) {
    require.Equal(t, "000000abcd", Address(0xabcd).String())
    require.Equal(t, "ffffffffff", Address(0xffffffffffff).String())

    a, err := ParseAddress("89e92ceee5")
    require.NoError(t, err)
    require.Equal(t, Address(0x89e92ceee5), a)
    require.Equal(t, "89e92ceee5", a.String())

    for _, bad := range []string{"", "abc", "89e92ceee5ff", "zzzzzzzzzz"} {
        _, err := ParseAddress(bad)
        if !errors.Is(err, ErrInvalidAddress) { t.Fatalf("ParseAddress(%q): %v", bad, err) }
    }
    require.True(t, Address(0).IsReserved())
    require.True(t, Address(0xff00000001).IsReserved())
    require.False(t, Address(0x89e92ceee5).IsReserved())
}

func TestNetworkIDFormatting(t *testing.T) {
    n, err := ParseNetworkID("8056c2e21c000001")
    require.NoError(t, err)
    require.Equal(t, NetworkID(0x8056c2e21c000001), n)
    require.Equal(t, "8056c2e21c000001", n.String())
    require.Equal(t, "0000000000000001", NetworkID(1).String())
    require.Equal(t, Address(0x8056c2e21c), n.ControllerAddress())

    _, err = ParseNetworkID("8056c2e21c")
    require.ErrorIs(t, err, ErrInvalidNetworkID)

    var back NetworkID
    txt, _ := n.MarshalText()
    require.NoError(t, back.UnmarshalText(txt))
    require.Equal(t, n, back)
}

func TestMACFormatting(t *testing.T) {
    m := MAC(0x0a1b2c3d4e5f)
    require.Equal(t, "0a:1b:2c:3d:4e:5f", m.String())
    require.Equal(t, []byte{0x0a, 0x1b, 0x2c, 0x3d, 0x4e, 0x5f}, m.Bytes())

    for _, s := range []string{"0a:1b:2c:3d:4e:5f", "0A-1B-2C-3D-4E-5F", " 0a:1b:2c:3d:4e:5f\n"} {
        got, err := ParseMAC(s)
        require.NoError(t, err, s)
        require.Equal(t, m, got, s)
    }
    for _, bad := range []string{"", "0a:1b:2c:3d:4e", "0a:1b:2c:3d:4e:5f:60", "0a:1b:2c:3d:4e:5g", "0a:1b:2c:3d:4e:123",
        "a:1b:2c:3d:4e:5f", "0a:1b::2c:3d:4e:5f", ":0a:1b:2c:3d:4e:5f:", "0a:1b-2c:3d-4e:5f", "0a:1b:2c:3d:4e:+f"} {
        _, err := ParseMAC(bad)
        require.ErrorIs(t, err, ErrInvalidMAC, bad)
    }

    fb, err := NewMACFromBytes(m.Bytes())
    require.NoError(t, err)
    require.Equal(t, m, fb)
    _, err = NewMACFromBytes([]byte{1, 2, 3})
    require.ErrorIs(t, err, ErrInvalidMAC)

    require.True(t, MAC(0xffffffffffff).IsBroadcast())
    require.True(t, MAC(0x01005e000001).IsMulticast())
    require.False(t, m.IsMulticast())
}
