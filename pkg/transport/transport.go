package transport

import (
    "errors"
    "net/netip"
    "os"
    "time"
)

// Kind identifies the socket type.
type Kind int

const (
    KindUnknown Kind = iota
    KindUDP
    KindTCPRelay
)

func (k Kind) String() string {
    switch k {
    case KindUDP:
        return "udp"
    case KindTCPRelay:
        return "tcp:relay"
    default:
        return "unknown"
    }
}

// Packet is one received wire packet.
type Packet struct {
    Socket int64
    From   netip.AddrPort
    Data   []byte
    At     time.Time
}

// Socket is a physical endpoint. ReadPacket is called from a single
// goroutine; WriteTo may be called concurrently.
type Socket interface {
    Kind() Kind
    LocalAddr() netip.AddrPort
    // WriteTo sends b to addr. ttl > 0 overrides the IP TTL for this packet
    // where the socket supports it.
    WriteTo(b []byte, addr netip.AddrPort, ttl int) error
    // ReadPacket waits for the next packet until deadline. Packet.Socket is
    // left zero; the Manager's owner fills it in.
    ReadPacket(deadline time.Time) (Packet, error)
    Close() error
}

var (
    ErrNoSocket     = errors.New("transport: no socket for destination")
    ErrClosed       = errors.New("transport: socket closed")
    ErrFamily       = errors.New("transport: address family mismatch")
    ErrFrameTooLong = errors.New("transport: frame too long")
)

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
    if errors.Is(err, os.ErrDeadlineExceeded) {
        return true
    }
    var te interface{ Timeout() bool }
    return errors.As(err, &te) && te.Timeout()
}
