package udp

import (
    "net/netip"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/zerotier/ZeroTierOne/pkg/transport"
)

func loopback(t *testing.T) *Socket {
    t.Helper()
    s, err := Listen(netip.MustParseAddrPort("127.0.0.1:0"))
    require.NoError(t, err)
    t.Cleanup(func() { _ = s.Close() })
    return s
}

func TestSendReceive(t *testing.T) {
    a := loopback(t)
    b := loopback(t)
    require.Equal(t, transport.KindUDP, a.Kind())
    require.NotZero(t, b.LocalAddr().Port())

    require.NoError(t, a.WriteTo([]byte("hello"), b.LocalAddr(), 0))
    pkt, err := b.ReadPacket(time.Now().Add(2 * time.Second))
    require.NoError(t, err)
    require.Equal(t, "hello", string(pkt.Data))
    require.Equal(t, a.LocalAddr(), pkt.From)

    // low TTL sends still reach loopback and the default is restored
    require.NoError(t, a.WriteTo([]byte("ttl"), b.LocalAddr(), 2))
    pkt, err = b.ReadPacket(time.Now().Add(2 * time.Second))
    require.NoError(t, err)
    require.Equal(t, "ttl", string(pkt.Data))
    ttl, err := a.p4.TTL()
    require.NoError(t, err)
    require.Equal(t, a.defaultTTL, ttl)
}

func TestDefaultTTLSendWaitsForOverride(t *testing.T) {
    a := loopback(t)
    b := loopback(t)

    // stand in for a concurrent low-TTL send holding the socket
    a.ttlMu.Lock()
    done := make(chan error, 1)
    go func() { done <- a.WriteTo([]byte("default"), b.LocalAddr(), 0) }()

    _, err := b.ReadPacket(time.Now().Add(50 * time.Millisecond))
    require.True(t, transport.IsTimeout(err), "sent while the ttl was overridden: %v", err)

    a.ttlMu.Unlock()
    require.NoError(t, <-done)
    pkt, err := b.ReadPacket(time.Now().Add(2 * time.Second))
    require.NoError(t, err)
    require.Equal(t, "default", string(pkt.Data))
}

func TestReadTimeout(t *testing.T) {
    s := loopback(t)
    _, err := s.ReadPacket(time.Now().Add(20 * time.Millisecond))
    require.True(t, transport.IsTimeout(err), "err=%v", err)
}

func TestFamilyMismatch(t *testing.T) {
    s := loopback(t)
    err := s.WriteTo([]byte("x"), netip.MustParseAddrPort("[2001:db8::1]:9993"), 0)
    require.ErrorIs(t, err, transport.ErrFamily)
}

func TestClose(t *testing.T) {
    s := loopback(t)
    require.NoError(t, s.Close())
    require.ErrorIs(t, s.Close(), transport.ErrClosed)
    _, err := s.ReadPacket(time.Now().Add(time.Second))
    require.ErrorIs(t, err, transport.ErrClosed)
    require.ErrorIs(t, s.WriteTo([]byte("x"), netip.MustParseAddrPort("127.0.0.1:9"), 0), transport.ErrClosed)
}
