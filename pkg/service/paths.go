package service

import (
    "fmt"
    "math/rand/v2"
    "net/netip"
    "sync"
    "syscall"

    "github.com/zerotier/ZeroTierOne/pkg/config"
    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

// pathPolicy implements sdk.PathChecker from the physical and virtual
// config sections.
type pathPolicy struct {
    global   []netip.Prefix
    blocked  map[sdk.Address][]netip.Prefix
    hints    map[sdk.Address][]netip.AddrPort
    assigned func() []netip.Prefix

    mu  sync.Mutex
    rnd *rand.Rand
}

func newPathPolicy(cfg *config.Config, assigned func() []netip.Prefix) (*pathPolicy, error) {
    p := &pathPolicy{
        blocked:  make(map[sdk.Address][]netip.Prefix),
        hints:    make(map[sdk.Address][]netip.AddrPort),
        assigned: assigned,
        rnd:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
    }
    for _, c := range cfg.Physical.Blacklist {
        pfx, err := netip.ParsePrefix(c)
        if err != nil {
            return nil, fmt.Errorf("service: physical blacklist: %w", err)
        }
        p.global = append(p.global, pfx.Masked())
    }
    for key, vc := range cfg.Virtual {
        addr, err := sdk.ParseAddress(key)
        if err != nil {
            return nil, fmt.Errorf("service: virtual %q: %w", key, err)
        }
        for _, t := range vc.Try {
            ap, err := netip.ParseAddrPort(t)
            if err != nil {
                return nil, fmt.Errorf("service: virtual %s try: %w", key, err)
            }
            p.hints[addr] = append(p.hints[addr], netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
        }
        for _, c := range vc.Blacklist {
            pfx, err := netip.ParsePrefix(c)
            if err != nil {
                return nil, fmt.Errorf("service: virtual %s blacklist: %w", key, err)
            }
            p.blocked[addr] = append(p.blocked[addr], pfx.Masked())
        }
    }
    return p, nil
}

func containsAny(ps []netip.Prefix, a netip.Addr) bool {
    for _, p := range ps {
        if p.Contains(a) {
            return true
        }
    }
    return false
}

// OnPathCheck refuses paths inside a joined network's own address space,
// and paths matching the global or per-peer blacklists.
func (p *pathPolicy) OnPathCheck(address sdk.Address, _ int64, remote netip.AddrPort) bool {
    a := remote.Addr().Unmap()
    if p.assigned != nil {
        for _, pfx := range p.assigned() {
            if pfx.Masked().Contains(a) {
                return false
            }
        }
    }
    if containsAny(p.blocked[address], a) {
        return false
    }
    return !containsAny(p.global, a)
}

// OnPathLookup returns a random configured endpoint for address in the
// requested family. Any other family value means either.
func (p *pathPolicy) OnPathLookup(address sdk.Address, family int) (netip.AddrPort, bool) {
    var cands []netip.AddrPort
    for _, h := range p.hints[address] {
        switch family {
        case syscall.AF_INET:
            if !h.Addr().Is4() {
                continue
            }
        case syscall.AF_INET6:
            if !h.Addr().Is6() {
                continue
            }
        }
        cands = append(cands, h)
    }
    if len(cands) == 0 {
        return netip.AddrPort{}, false
    }
    p.mu.Lock()
    i := p.rnd.IntN(len(cands))
    p.mu.Unlock()
    return cands[i], true
}
