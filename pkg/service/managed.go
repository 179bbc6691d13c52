package service

import (
    "net/netip"
    "slices"

    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/config"
    "github.com/zerotier/ZeroTierOne/pkg/sdk"
    "github.com/zerotier/ZeroTierOne/pkg/tap"
)

// managedPolicy decides which controller-pushed addresses and routes reach
// the host.
type managedPolicy struct {
    allowManaged bool
    allowGlobal  bool
    allowDefault bool
}

func newManagedPolicy(c config.TAPConfig) managedPolicy {
    return managedPolicy{allowManaged: c.AllowManaged, allowGlobal: c.AllowGlobal, allowDefault: c.AllowDefault}
}

func (p managedPolicy) allowed(target netip.Prefix) bool {
    if !p.allowManaged || !target.IsValid() {
        return false
    }
    if target.Bits() == 0 {
        return p.allowDefault
    }
    a := target.Addr().Unmap()
    switch {
    case a.IsUnspecified(), a.IsMulticast(), a.IsLoopback(), a.IsLinkLocalUnicast():
        return false
    case isGlobal(a):
        return p.allowGlobal
    }
    return true
}

// plan derives the port state for cfg: allowed addresses, and allowed routes
// that are neither implied by an address nor routed via one of our own.
func (p managedPolicy) plan(cfg *sdk.VirtualNetworkConfig) tap.PortConfig {
    pc := tap.PortConfig{MAC: cfg.MAC, MTU: cfg.MTU}
    for _, a := range cfg.AssignedAddresses {
        if p.allowed(a) && !slices.Contains(pc.Addresses, a) {
            pc.Addresses = append(pc.Addresses, a)
        }
    }
    slices.SortFunc(pc.Addresses, func(a, b netip.Prefix) int {
        if c := a.Addr().Compare(b.Addr()); c != 0 {
            return c
        }
        return a.Bits() - b.Bits()
    })

    for _, r := range cfg.Routes {
        if !p.allowed(r.Target) {
            continue
        }
        if r.Via.IsValid() && slices.ContainsFunc(cfg.AssignedAddresses, func(a netip.Prefix) bool { return a.Addr() == r.Via }) {
            continue
        }
        src, ok := sourceFor(pc.Addresses, r.Target)
        if !ok {
            continue
        }
        implied := slices.ContainsFunc(pc.Addresses, func(a netip.Prefix) bool {
            return a.Bits() == r.Target.Bits() && r.Target.Contains(a.Addr())
        })
        if implied {
            continue
        }
        pc.Routes = append(pc.Routes, tap.Route{Target: r.Target.Masked(), Via: r.Via, Src: src, Metric: int(r.Metric)})
    }
    return pc
}

// sourceFor picks the assigned address of target's family sharing the
// longest prefix with it.
func sourceFor(addrs []netip.Prefix, target netip.Prefix) (netip.Addr, bool) {
    var best netip.Addr
    bestBits := -1
    for _, a := range addrs {
        if a.Addr().Is4() != target.Addr().Is4() {
            continue
        }
        if n := commonBits(a.Addr(), target.Addr()); n >= bestBits {
            best, bestBits = a.Addr(), n
        }
    }
    return best, best.IsValid()
}

func commonBits(a, b netip.Addr) int {
    x, y := a.As16(), b.As16()
    n := 0
    for i := range x {
        d := x[i] ^ y[i]
        if d == 0 {
            n += 8
            continue
        }
        for d&0x80 == 0 {
            n++
            d <<= 1
        }
        break
    }
    return n
}

// configurePort pushes the planned state to devices that accept it.
func (s *Service) configurePort(n *network, cfg *sdk.VirtualNetworkConfig, log *zap.Logger) {
    c, ok := n.dev.(tap.Configurable)
    if !ok {
        return
    }
    pc := s.managed.plan(cfg)
    if err := c.Configure(pc); err != nil {
        log.Warn("configure port", zap.String("device", n.dev.Name()), zap.Error(err))
        return
    }
    log.Debug("port configured",
        zap.Int("addresses", len(pc.Addresses)),
        zap.Int("routes", len(pc.Routes)))
}

// multicastGroups is what a port should be subscribed to: the address
// resolution group of every managed address plus what the host joined.
func (s *Service) multicastGroups(n *network) []sdk.MulticastGroup {
    s.mu.Lock()
    var addrs []netip.Prefix
    if n.cfg != nil {
        addrs = s.managed.plan(n.cfg).Addresses
    }
    s.mu.Unlock()

    var want []sdk.MulticastGroup
    add := func(g sdk.MulticastGroup) {
        if !slices.Contains(want, g) {
            want = append(want, g)
        }
    }
    for _, a := range addrs {
        add(tap.AddressResolutionGroup(a.Addr()))
    }
    if l, ok := n.dev.(tap.MulticastLister); ok {
        gs, err := l.MulticastGroups()
        if err != nil {
            s.log.Debug("scan multicast groups", zap.String("device", n.dev.Name()), zap.Error(err))
        }
        for _, g := range gs {
            add(g)
        }
    }
    return want
}

// syncMulticast brings the engine's subscriptions for every port in line
// with multicastGroups. Only the background loop calls it.
func (s *Service) syncMulticast() {
    s.mu.Lock()
    nets := make([]*network, 0, len(s.nets))
    for _, n := range s.nets {
        nets = append(nets, n)
    }
    s.mu.Unlock()

    for _, n := range nets {
        want := s.multicastGroups(n)
        add, del := tap.DiffGroups(n.groups, want)
        for _, g := range add {
            if err := s.node.MulticastSubscribe(n.nwid, g.MAC, g.ADI); err != nil {
                s.log.Debug("multicast subscribe", zap.Stringer("nwid", n.nwid), zap.Stringer("group", g.MAC), zap.Error(err))
                s.checkErr("multicastSubscribe", err)
            }
        }
        for _, g := range del {
            if err := s.node.MulticastUnsubscribe(n.nwid, g.MAC, g.ADI); err != nil {
                s.log.Debug("multicast unsubscribe", zap.Stringer("nwid", n.nwid), zap.Stringer("group", g.MAC), zap.Error(err))
                s.checkErr("multicastUnsubscribe", err)
            }
        }
        n.groups = want
    }
}

// poke wakes the background loop for an immediate multicast sync.
func (s *Service) poke() {
    select {
    case s.kick <- struct{}{}:
    default:
    }
}
