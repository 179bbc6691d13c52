package service

import (
    "context"
    "errors"
    "net/netip"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/transport"
    "github.com/zerotier/ZeroTierOne/pkg/transport/tcp"
)

// minWirePacket is the smallest packet that counts as real traffic when
// deciding on the TCP fallback.
const minWirePacket = 16

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// isGlobal reports whether a is a publicly routable unicast address.
func isGlobal(a netip.Addr) bool {
    a = a.Unmap()
    return a.IsGlobalUnicast() && !a.IsPrivate() && !sharedAddressSpace.Contains(a)
}

// relayState tracks the TCP fallback tunnel.
type relayState struct {
    addr        netip.AddrPort
    after       time.Duration
    dialTimeout time.Duration

    mu           sync.Mutex
    tunnel       *tcp.Tunnel
    id           int64
    dialing      bool
    lastGlobalV4 time.Time
}

func (r *relayState) active() (*tcp.Tunnel, int64) {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.tunnel, r.id
}

// receive reads one socket until the service stops or the socket closes.
func (s *Service) receive(id int64, sock transport.Socket) {
    log := s.log.With(zap.Int64("socket", id), zap.Stringer("kind", sock.Kind()))
    for s.ctx.Err() == nil {
        now := s.now()
        deadline := now.Add(s.cfg.PollTimeout)
        if next := time.UnixMilli(s.nextDeadline.Load()); next.After(now) && next.Before(deadline) {
            deadline = next
        }
        pkt, err := sock.ReadPacket(deadline)
        if err != nil {
            switch {
            case transport.IsTimeout(err):
                continue
            case errors.Is(err, transport.ErrClosed):
                log.Debug("socket closed")
                s.dropRelay(id)
                return
            default:
                log.Warn("socket read failed", zap.Error(err))
                if sock.Kind() == transport.KindTCPRelay {
                    s.dropRelay(id)
                    return
                }
                continue
            }
        }
        s.onWirePacket(id, sock.Kind(), pkt)
    }
}

func (s *Service) onWirePacket(id int64, kind transport.Kind, pkt transport.Packet) {
    if len(pkt.Data) == 0 {
        // the engine treats an empty packet as an internal failure
        return
    }
    now := s.now()
    local := id
    if kind == transport.KindTCPRelay {
        // relayed packets are not bound to a local socket
        local = -1
    } else if len(pkt.Data) >= minWirePacket && isGlobal(pkt.From.Addr()) {
        s.lastDirect.Store(now.UnixMilli())
    }
    next, err := s.node.ProcessWirePacket(now, local, pkt.From, pkt.Data)
    s.setDeadline(next)
    s.checkErr("processWirePacket", err)
}

// OnSendPacketRequested sends over UDP and, while no direct traffic from a
// global address has been seen for tcp_relay.after, over the TCP relay too.
func (s *Service) OnSendPacketRequested(localSocket int64, remote netip.AddrPort, data []byte, ttl int) error {
    if s.relay != nil && remote.Addr().Unmap().Is4() && len(data) >= minWirePacket && isGlobal(remote.Addr()) {
        s.relaySend(remote, data)
    }
    // UDP is always attempted so traffic moves back as soon as it works
    return s.sockets.Send(localSocket, remote, data, ttl)
}

func (s *Service) relaySend(remote netip.AddrPort, data []byte) {
    r := s.relay
    now := s.now()
    lastDirect := time.UnixMilli(s.lastDirect.Load())

    r.mu.Lock()
    defer r.mu.Unlock()
    if now.Sub(lastDirect) > r.after && now.Sub(s.started) > r.after {
        switch {
        case r.tunnel != nil:
            if err := r.tunnel.WriteTo(data, remote, 0); err != nil {
                s.log.Debug("relay send failed", zap.Error(err))
            }
        case !r.dialing && s.ctx.Err() == nil && !r.lastGlobalV4.IsZero() && now.Sub(r.lastGlobalV4) < r.after:
            r.dialing = true
            s.spawn(s.dialRelay)
        }
    }
    r.lastGlobalV4 = now
}

func (s *Service) dialRelay() {
    r := s.relay
    ctx, cancel := context.WithTimeout(s.ctx, r.dialTimeout)
    defer cancel()
    hello := tcp.Hello{Major: s.version.Major, Minor: s.version.Minor, Revision: s.version.Revision}
    t, err := tcp.Dial(ctx, r.addr, r.dialTimeout, hello)

    r.mu.Lock()
    r.dialing = false
    if err != nil {
        r.mu.Unlock()
        s.log.Warn("tcp relay unavailable", zap.Stringer("relay", r.addr), zap.Error(err))
        return
    }
    if s.ctx.Err() != nil {
        r.mu.Unlock()
        _ = t.Close()
        return
    }
    id := s.sockets.Add(t)
    r.tunnel, r.id = t, id
    r.mu.Unlock()

    s.log.Info("tcp fallback engaged", zap.Stringer("relay", r.addr), zap.Int64("socket", id))
    s.receive(id, t)
}

// relayHousekeeping closes the tunnel once direct traffic has been seen
// for half the fallback window.
func (s *Service) relayHousekeeping(now time.Time) {
    if s.relay == nil {
        return
    }
    t, id := s.relay.active()
    if t == nil {
        return
    }
    if now.Sub(time.UnixMilli(s.lastDirect.Load())) < s.relay.after/2 {
        s.log.Info("direct traffic restored, closing tcp relay")
        s.dropRelay(id)
    }
}

// dropRelay forgets and closes the tunnel registered as id, if any.
func (s *Service) dropRelay(id int64) {
    if s.relay == nil {
        return
    }
    r := s.relay
    r.mu.Lock()
    t := r.tunnel
    if t == nil || r.id != id {
        r.mu.Unlock()
        return
    }
    r.tunnel, r.id = nil, 0
    r.mu.Unlock()
    s.sockets.Remove(id)
    _ = t.Close()
}

// RelayActive reports whether the TCP fallback tunnel is in use.
func (s *Service) RelayActive() bool {
    if s.relay == nil {
        return false
    }
    t, _ := s.relay.active()
    return t != nil
}
