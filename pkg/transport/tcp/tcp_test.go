package tcp

import (
    "bytes"
    "context"
    "net"
    "net/netip"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/zerotier/ZeroTierOne/pkg/transport"
)

func TestFrameRoundTrip(t *testing.T) {
    cases := []netip.AddrPort{
        netip.MustParseAddrPort("10.1.2.3:9993"),
        netip.MustParseAddrPort("[2001:db8::7]:443"),
        {},
    }
    for _, addr := range cases {
        rec, err := EncodeFrame(addr, []byte("payload"))
        require.NoError(t, err)
        require.Equal(t, []byte{0x17, 0x03, 0x03}, rec[:3])

        body, err := ReadFrame(bytes.NewReader(rec))
        require.NoError(t, err)
        from, payload, err := DecodeFrame(body)
        require.NoError(t, err)
        require.Equal(t, addr, from)
        require.Equal(t, "payload", string(payload))
    }
}

func TestFrameLayout(t *testing.T) {
    rec, err := EncodeFrame(netip.MustParseAddrPort("1.2.3.4:258"), []byte{0xaa})
    require.NoError(t, err)
    want := []byte{0x17, 0x03, 0x03, 0x00, 0x08, 4, 1, 2, 3, 4, 0x01, 0x02, 0xaa}
    require.Equal(t, want, rec)
}

func TestHello(t *testing.T) {
    rec := EncodeHello(Hello{Major: 1, Minor: 14, Revision: 0x0102})
    require.Equal(t, []byte{0x17, 0x03, 0x03, 0x00, 0x04, 1, 14, 1, 2}, rec)
    body, err := ReadFrame(bytes.NewReader(rec))
    require.NoError(t, err)
    require.True(t, IsHello(body))
}

func TestFrameErrors(t *testing.T) {
    _, err := EncodeFrame(netip.MustParseAddrPort("1.2.3.4:1"), make([]byte, MaxFrame))
    require.ErrorIs(t, err, transport.ErrFrameTooLong)

    _, err = ReadFrame(bytes.NewReader([]byte{0x16, 0x03, 0x03, 0, 1, 0}))
    require.ErrorIs(t, err, ErrBadRecord)

    for _, body := range [][]byte{{}, {9, 1}, {4, 1, 2}, {6, 1, 2, 3}} {
        _, _, err = DecodeFrame(body)
        require.ErrorIs(t, err, ErrBadRecord, "body % x", body)
    }
}

// relay echoes each record back with the same address, after swallowing
// the client hello.
func relay(t *testing.T) netip.AddrPort {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    t.Cleanup(func() { _ = ln.Close() })
    go func() {
        c, err := ln.Accept()
        if err != nil {
            return
        }
        defer c.Close()
        body, err := ReadFrame(c)
        if err != nil || !IsHello(body) {
            return
        }
        // answer with our own hello, which the client must ignore
        if _, err := c.Write(EncodeHello(Hello{Major: 1})); err != nil {
            return
        }
        for {
            body, err := ReadFrame(c)
            if err != nil {
                return
            }
            from, payload, err := DecodeFrame(body)
            if err != nil {
                return
            }
            rec, _ := EncodeFrame(from, payload)
            if _, err := c.Write(rec); err != nil {
                return
            }
        }
    }()
    return ln.Addr().(*net.TCPAddr).AddrPort()
}

func TestTunnel(t *testing.T) {
    addr := relay(t)
    tun, err := Dial(context.Background(), addr, time.Second, Hello{Major: 1, Minor: 14, Revision: 2})
    require.NoError(t, err)
    defer tun.Close()
    require.Equal(t, transport.KindTCPRelay, tun.Kind())
    require.Equal(t, addr, tun.Relay())

    dst := netip.MustParseAddrPort("203.0.113.9:9993")
    require.NoError(t, tun.WriteTo([]byte("ping"), dst, 0))
    pkt, err := tun.ReadPacket(time.Now().Add(2 * time.Second))
    require.NoError(t, err)
    require.Equal(t, dst, pkt.From)
    require.Equal(t, "ping", string(pkt.Data))
    require.False(t, tun.LastReceive().IsZero())

    require.ErrorIs(t, tun.WriteTo([]byte("x"), netip.MustParseAddrPort("[2001:db8::1]:1"), 0), transport.ErrFamily)

    _, err = tun.ReadPacket(time.Now().Add(20 * time.Millisecond))
    require.True(t, transport.IsTimeout(err))

    require.NoError(t, tun.Close())
    require.ErrorIs(t, tun.WriteTo([]byte("x"), dst, 0), transport.ErrClosed)
}

func TestDialFailure(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    addr := ln.Addr().(*net.TCPAddr).AddrPort()
    require.NoError(t, ln.Close())
    _, err = Dial(context.Background(), addr, 200*time.Millisecond, Hello{})
    require.Error(t, err)
}
