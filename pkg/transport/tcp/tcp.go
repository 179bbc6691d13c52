// Package tcp implements the TCP fallback tunnel used when UDP is blocked.
//
// Every message is wrapped in a header that looks like a TLS application
// data record:
//
//	0x17 0x03 0x03 len16 | addrType ip port | payload
//
// addrType is 4 (4-byte IP), 6 (16-byte IP) or 0 (no address). A body of
// exactly four bytes is a version hello and carries no address.
package tcp

import (
    "context"
    "encoding/binary"
    "errors"
    "fmt"
    "io"
    "net"
    "net/netip"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/transport"
)

const (
    // MaxFrame is the largest body a single record can carry.
    MaxFrame  = 65535
    headerLen = 5
    helloLen  = 4

    addrNone = 0
    addr4    = 4
    addr6    = 6
)

var recordPrefix = [3]byte{0x17, 0x03, 0x03}

var ErrBadRecord = errors.New("tcp: malformed record")

// Hello is the version announcement sent when a tunnel opens.
type Hello struct {
    Major, Minor, Revision int
}

// EncodeHello builds the hello record.
func EncodeHello(h Hello) []byte {
    b := make([]byte, headerLen+helloLen)
    copy(b, recordPrefix[:])
    binary.BigEndian.PutUint16(b[3:], helloLen)
    b[5] = byte(h.Major)
    b[6] = byte(h.Minor)
    binary.BigEndian.PutUint16(b[7:], uint16(h.Revision))
    return b
}

// EncodeFrame wraps payload for delivery to addr. An invalid addr is
// encoded as addrType 0.
func EncodeFrame(addr netip.AddrPort, payload []byte) ([]byte, error) {
    var ab []byte
    switch {
    case !addr.IsValid():
        ab = []byte{addrNone}
    case addr.Addr().Unmap().Is4():
        ip := addr.Addr().Unmap().As4()
        ab = append([]byte{addr4}, ip[:]...)
        ab = binary.BigEndian.AppendUint16(ab, addr.Port())
    default:
        ip := addr.Addr().As16()
        ab = append([]byte{addr6}, ip[:]...)
        ab = binary.BigEndian.AppendUint16(ab, addr.Port())
    }
    body := len(ab) + len(payload)
    if body > MaxFrame {
        return nil, fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLong, body)
    }
    b := make([]byte, 0, headerLen+body)
    b = append(b, recordPrefix[:]...)
    b = binary.BigEndian.AppendUint16(b, uint16(body))
    b = append(b, ab...)
    return append(b, payload...), nil
}

// ReadFrame reads one record from r and returns its body.
func ReadFrame(r io.Reader) ([]byte, error) {
    var hdr [headerLen]byte
    if _, err := io.ReadFull(r, hdr[:]); err != nil {
        return nil, err
    }
    if hdr[0] != recordPrefix[0] || hdr[1] != recordPrefix[1] || hdr[2] != recordPrefix[2] {
        return nil, fmt.Errorf("%w: bad prefix % x", ErrBadRecord, hdr[:3])
    }
    body := make([]byte, binary.BigEndian.Uint16(hdr[3:]))
    if _, err := io.ReadFull(r, body); err != nil {
        return nil, err
    }
    return body, nil
}

// IsHello reports whether body is a version hello.
func IsHello(body []byte) bool { return len(body) == helloLen }

// DecodeFrame splits a record body into the address and payload.
func DecodeFrame(body []byte) (netip.AddrPort, []byte, error) {
    if len(body) == 0 {
        return netip.AddrPort{}, nil, fmt.Errorf("%w: empty body", ErrBadRecord)
    }
    switch body[0] {
    case addrNone:
        return netip.AddrPort{}, body[1:], nil
    case addr4:
        if len(body) < 1+4+2 {
            return netip.AddrPort{}, nil, fmt.Errorf("%w: short ipv4 body", ErrBadRecord)
        }
        ip := netip.AddrFrom4([4]byte(body[1:5]))
        return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(body[5:7])), body[7:], nil
    case addr6:
        if len(body) < 1+16+2 {
            return netip.AddrPort{}, nil, fmt.Errorf("%w: short ipv6 body", ErrBadRecord)
        }
        ip := netip.AddrFrom16([16]byte(body[1:17]))
        return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(body[17:19])), body[19:], nil
    default:
        return netip.AddrPort{}, nil, fmt.Errorf("%w: address type %d", ErrBadRecord, body[0])
    }
}

// Tunnel is a client connection to a TCP relay. Only IPv4 destinations
// are relayed.
type Tunnel struct {
    conn  net.Conn
    relay netip.AddrPort
    local netip.AddrPort

    wmu sync.Mutex

    in     chan transport.Packet
    done   chan struct{}
    once   sync.Once
    errMu  sync.Mutex
    err    error
    lastRx time.Time
}

// Dial connects to the relay and sends the hello.
func Dial(ctx context.Context, relay netip.AddrPort, timeout time.Duration, hello Hello) (*Tunnel, error) {
    d := net.Dialer{Timeout: timeout}
    conn, err := d.DialContext(ctx, "tcp", relay.String())
    if err != nil {
        return nil, fmt.Errorf("tcp relay dial %s: %w", relay, err)
    }
    if tc, ok := conn.(*net.TCPConn); ok {
        _ = tc.SetNoDelay(true)
    }
    t := newTunnel(conn, relay)
    if _, err := conn.Write(EncodeHello(hello)); err != nil {
        _ = conn.Close()
        return nil, fmt.Errorf("tcp relay hello: %w", err)
    }
    go t.readLoop()
    zap.L().Info("tcp relay connected", zap.Stringer("relay", relay), zap.Stringer("local", t.local))
    return t, nil
}

func newTunnel(conn net.Conn, relay netip.AddrPort) *Tunnel {
    t := &Tunnel{
        conn:  conn,
        relay: relay,
        in:    make(chan transport.Packet, 256),
        done:  make(chan struct{}),
    }
    if a, ok := conn.LocalAddr().(*net.TCPAddr); ok {
        ap := a.AddrPort()
        t.local = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
    }
    return t
}

func (t *Tunnel) Kind() transport.Kind { return transport.KindTCPRelay }

func (t *Tunnel) LocalAddr() netip.AddrPort { return t.local }

// Relay returns the relay address this tunnel is connected to.
func (t *Tunnel) Relay() netip.AddrPort { return t.relay }

// LastReceive returns when the relay last delivered a packet.
func (t *Tunnel) LastReceive() time.Time {
    t.errMu.Lock()
    defer t.errMu.Unlock()
    return t.lastRx
}

// Err returns the error that ended the read loop, if any.
func (t *Tunnel) Err() error {
    t.errMu.Lock()
    defer t.errMu.Unlock()
    return t.err
}

// WriteTo relays b to addr. The TTL cannot be applied through the relay.
func (t *Tunnel) WriteTo(b []byte, addr netip.AddrPort, _ int) error {
    if !addr.Addr().Unmap().Is4() {
        return fmt.Errorf("%w: relay is ipv4 only", transport.ErrFamily)
    }
    rec, err := EncodeFrame(addr, b)
    if err != nil {
        return err
    }
    select {
    case <-t.done:
        return transport.ErrClosed
    default:
    }
    t.wmu.Lock()
    defer t.wmu.Unlock()
    if _, err := t.conn.Write(rec); err != nil {
        t.fail(err)
        return err
    }
    return nil
}

func (t *Tunnel) ReadPacket(deadline time.Time) (transport.Packet, error) {
    timer := time.NewTimer(time.Until(deadline))
    defer timer.Stop()
    select {
    case p, ok := <-t.in:
        if !ok {
            return transport.Packet{}, transport.ErrClosed
        }
        return p, nil
    case <-timer.C:
        return transport.Packet{}, timeoutError{}
    }
}

func (t *Tunnel) readLoop() {
    defer close(t.in)
    log := zap.L().Named("tcp-relay")
    for {
        body, err := ReadFrame(t.conn)
        if err != nil {
            t.fail(err)
            return
        }
        if IsHello(body) {
            log.Debug("relay hello", zap.Binary("version", body))
            continue
        }
        from, payload, err := DecodeFrame(body)
        if err != nil {
            log.Warn("dropping relay record", zap.Error(err))
            continue
        }
        if !from.IsValid() || len(payload) == 0 {
            continue
        }
        now := time.Now()
        t.errMu.Lock()
        t.lastRx = now
        t.errMu.Unlock()
        select {
        case t.in <- transport.Packet{From: from, Data: payload, At: now}:
        case <-t.done:
            return
        }
    }
}

func (t *Tunnel) fail(err error) {
    t.errMu.Lock()
    if t.err == nil {
        select {
        case <-t.done:
        default:
            t.err = err
        }
    }
    t.errMu.Unlock()
    t.shutdown()
}

func (t *Tunnel) shutdown() error {
    err := transport.ErrClosed
    t.once.Do(func() {
        close(t.done)
        err = t.conn.Close()
    })
    return err
}

func (t *Tunnel) Close() error { return t.shutdown() }

type timeoutError struct{}

func (timeoutError) Error() string   { return "tcp relay: read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
