package transport

import (
    "net/netip"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

type fakeSocket struct {
    kind   Kind
    local  netip.AddrPort
    sent   []netip.AddrPort
    closed bool
}

func (f *fakeSocket) Kind() Kind                { return f.kind }
func (f *fakeSocket) LocalAddr() netip.AddrPort { return f.local }
func (f *fakeSocket) WriteTo(_ []byte, addr netip.AddrPort, _ int) error {
    f.sent = append(f.sent, addr)
    return nil
}
func (f *fakeSocket) ReadPacket(time.Time) (Packet, error) { return Packet{}, ErrClosed }
func (f *fakeSocket) Close() error {
    if f.closed {
        return ErrClosed
    }
    f.closed = true
    return nil
}

func TestManagerResolve(t *testing.T) {
    m := NewManager()
    relay := &fakeSocket{kind: KindTCPRelay, local: netip.MustParseAddrPort("10.0.0.1:4000")}
    v4 := &fakeSocket{kind: KindUDP, local: netip.MustParseAddrPort("0.0.0.0:9993")}
    v6 := &fakeSocket{kind: KindUDP, local: netip.MustParseAddrPort("[::]:9993")}
    rid := m.Add(relay)
    id4 := m.Add(v4)
    id6 := m.Add(v6)
    require.Equal(t, int64(1), rid)
    require.Equal(t, []int64{1, 2, 3}, m.IDs())
    require.Equal(t, 2, m.Len(KindUDP))

    dst4 := netip.MustParseAddrPort("198.51.100.1:9993")
    dst6 := netip.MustParseAddrPort("[2001:db8::1]:9993")

    for _, sock := range []int64{-1, 0, 99} {
        id, s, err := m.Resolve(sock, dst4)
        require.NoError(t, err)
        require.Equal(t, id4, id)
        require.Same(t, v4, s)
    }
    id, _, err := m.Resolve(-1, dst6)
    require.NoError(t, err)
    require.Equal(t, id6, id)

    id, s, err := m.Resolve(rid, dst4)
    require.NoError(t, err)
    require.Equal(t, rid, id)
    require.Same(t, relay, s)

    _, _, err = m.Resolve(-1, netip.AddrPort{})
    require.ErrorIs(t, err, ErrNoSocket)

    require.NoError(t, m.Send(0, dst6, []byte("x"), 0))
    require.Equal(t, []netip.AddrPort{dst6}, v6.sent)

    require.Same(t, v6, m.Remove(id6))
    _, _, err = m.Resolve(-1, dst6)
    require.ErrorIs(t, err, ErrNoSocket)
}

func TestManagerCloseAll(t *testing.T) {
    m := NewManager()
    a := &fakeSocket{kind: KindUDP}
    b := &fakeSocket{kind: KindUDP, closed: true}
    m.Add(a)
    m.Add(b)
    require.NoError(t, m.CloseAll())
    require.True(t, a.closed)
    require.Empty(t, m.IDs())
}
