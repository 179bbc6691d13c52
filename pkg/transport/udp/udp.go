// Package udp implements the primary physical socket: a bound UDP socket
// with per-packet TTL control.
package udp

import (
    "errors"
    "fmt"
    "net"
    "net/netip"
    "sync"
    "time"

    "go.uber.org/zap"
    "golang.org/x/net/ipv4"
    "golang.org/x/net/ipv6"

    "github.com/zerotier/ZeroTierOne/pkg/transport"
)

// bufSize covers the largest physical payload the engine produces.
const bufSize = 16384

// socketBuffer is the kernel send/receive buffer requested for each socket.
const socketBuffer = 1 << 20

type Socket struct {
    conn  *net.UDPConn
    local netip.AddrPort
    v6    bool

    // ttlMu is held exclusively while the socket TTL differs from the
    // default and shared by default-TTL sends
    ttlMu      sync.RWMutex
    p4         *ipv4.PacketConn
    p6         *ipv6.PacketConn
    defaultTTL int

    buf    []byte
    closed chan struct{}
    once   sync.Once
}

// Listen binds addr. An IPv4 address gives an udp4 socket, anything else udp6.
func Listen(addr netip.AddrPort) (*Socket, error) {
    network := "udp6"
    if addr.Addr().Unmap().Is4() {
        network = "udp4"
        addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
    }
    c, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(addr))
    if err != nil {
        return nil, fmt.Errorf("udp listen %s: %w", addr, err)
    }
    _ = c.SetReadBuffer(socketBuffer)
    _ = c.SetWriteBuffer(socketBuffer)

    local := c.LocalAddr().(*net.UDPAddr).AddrPort()
    s := &Socket{
        conn:   c,
        local:  netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
        v6:     network == "udp6",
        buf:    make([]byte, bufSize),
        closed: make(chan struct{}),
    }
    if s.v6 {
        s.p6 = ipv6.NewPacketConn(c)
        s.defaultTTL, _ = s.p6.HopLimit()
    } else {
        s.p4 = ipv4.NewPacketConn(c)
        s.defaultTTL, _ = s.p4.TTL()
    }
    if s.defaultTTL <= 0 {
        s.defaultTTL = 64
    }
    zap.L().Debug("udp socket bound", zap.Stringer("addr", s.local), zap.Int("ttl", s.defaultTTL))
    return s, nil
}

func (s *Socket) Kind() transport.Kind { return transport.KindUDP }

func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

func (s *Socket) setTTL(ttl int) error {
    if s.v6 {
        return s.p6.SetHopLimit(ttl)
    }
    return s.p4.SetTTL(ttl)
}

// WriteTo sends one datagram. A non-zero ttl applies to this packet only;
// the default is restored afterwards.
func (s *Socket) WriteTo(b []byte, addr netip.AddrPort, ttl int) error {
    select {
    case <-s.closed:
        return transport.ErrClosed
    default:
    }
    if !s.v6 {
        if !addr.Addr().Unmap().Is4() {
            return fmt.Errorf("%w: %s on %s", transport.ErrFamily, addr, s.local)
        }
        addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
    } else if addr.Addr().Is4() {
        addr = netip.AddrPortFrom(netip.AddrFrom16(addr.Addr().As16()), addr.Port())
    }

    if ttl <= 0 || ttl == s.defaultTTL {
        s.ttlMu.RLock()
        defer s.ttlMu.RUnlock()
        _, err := s.conn.WriteToUDPAddrPort(b, addr)
        return err
    }
    s.ttlMu.Lock()
    defer s.ttlMu.Unlock()
    if err := s.setTTL(ttl); err != nil {
        // some platforms refuse; send with the default instead
        _, werr := s.conn.WriteToUDPAddrPort(b, addr)
        return werr
    }
    _, err := s.conn.WriteToUDPAddrPort(b, addr)
    if rerr := s.setTTL(s.defaultTTL); rerr != nil {
        zap.L().Warn("udp restore ttl", zap.Stringer("addr", s.local), zap.Error(rerr))
    }
    return err
}

// ReadPacket returns the next datagram, or an error satisfying
// transport.IsTimeout when deadline passes first.
func (s *Socket) ReadPacket(deadline time.Time) (transport.Packet, error) {
    if err := s.conn.SetReadDeadline(deadline); err != nil {
        return transport.Packet{}, s.mapErr(err)
    }
    n, from, err := s.conn.ReadFromUDPAddrPort(s.buf)
    if err != nil {
        return transport.Packet{}, s.mapErr(err)
    }
    data := make([]byte, n)
    copy(data, s.buf[:n])
    return transport.Packet{
        From: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
        Data: data,
        At:   time.Now(),
    }, nil
}

func (s *Socket) mapErr(err error) error {
    select {
    case <-s.closed:
        return transport.ErrClosed
    default:
    }
    if errors.Is(err, net.ErrClosed) {
        return transport.ErrClosed
    }
    return err
}

func (s *Socket) Close() error {
    err := transport.ErrClosed
    s.once.Do(func() {
        close(s.closed)
        err = s.conn.Close()
    })
    return err
}
