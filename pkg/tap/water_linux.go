//go:build linux

package tap

import (
    "errors"
    "fmt"
    "net"
    "net/netip"
    "os"
    "sync"
    "syscall"

    "github.com/songgao/water"
    "github.com/vishvananda/netlink"
    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

const devMcastPath = "/proc/net/dev_mcast"

type waterDevice struct {
    *water.Interface
    link netlink.Link
    log  *zap.Logger

    mu      sync.Mutex
    up      bool
    applied PortConfig
}

// OpenTAP creates a kernel TAP interface, sets its MAC and MTU from cfg and
// brings the link up. Addresses and routes arrive later through Configure.
func OpenTAP(name string, cfg *sdk.VirtualNetworkConfig) (Device, error) {
    ifce, err := water.New(water.Config{
        DeviceType: water.TAP,
        PlatformSpecificParams: water.PlatformSpecificParams{
            Name:    name,
            Persist: false,
        },
    })
    if err != nil {
        return nil, fmt.Errorf("tap: create %s: %w", name, err)
    }
    link, err := netlink.LinkByName(ifce.Name())
    if err != nil {
        _ = ifce.Close()
        return nil, fmt.Errorf("tap: newly created device %s not found: %w", ifce.Name(), err)
    }
    d := &waterDevice{Interface: ifce, link: link, log: zap.L().Named("tap").With(zap.String("device", ifce.Name()))}

    var pc PortConfig
    if cfg != nil {
        pc = PortConfig{MAC: cfg.MAC, MTU: cfg.MTU}
    }
    if err := d.Configure(pc); err != nil {
        _ = ifce.Close()
        return nil, err
    }
    d.log.Info("tap device opened", zap.Stringer("mac", pc.MAC), zap.Int("mtu", pc.MTU))
    return d, nil
}

func (d *waterDevice) ReadFrame(buf []byte) (int, error) { return d.Read(buf) }

func (d *waterDevice) WriteFrame(frame []byte) error {
    _, err := d.Write(frame)
    return err
}

// Configure applies link settings first, then addresses, then routes on the
// link before routes through a gateway. Link failures abort; address and
// route failures are collected and the rest is still applied.
func (d *waterDevice) Configure(pc PortConfig) error {
    d.mu.Lock()
    defer d.mu.Unlock()

    if pc.MAC != 0 && pc.MAC != d.applied.MAC {
        if err := netlink.LinkSetHardwareAddr(d.link, net.HardwareAddr(pc.MAC.Bytes())); err != nil {
            return fmt.Errorf("tap: set mac on %s: %w", d.Name(), err)
        }
        d.applied.MAC = pc.MAC
    }
    if pc.MTU > 0 && pc.MTU != d.applied.MTU {
        if err := netlink.LinkSetMTU(d.link, pc.MTU); err != nil {
            return fmt.Errorf("tap: set mtu on %s: %w", d.Name(), err)
        }
        d.applied.MTU = pc.MTU
    }
    if !d.up {
        if err := netlink.LinkSetUp(d.link); err != nil {
            return fmt.Errorf("tap: bring %s up: %w", d.Name(), err)
        }
        d.up = true
    }

    var errs []error
    add, del := DiffPrefixes(d.applied.Addresses, pc.Addresses)
    for _, p := range del {
        if err := netlink.AddrDel(d.link, &netlink.Addr{IPNet: ipNet(p, false)}); err != nil && !errors.Is(err, syscall.EADDRNOTAVAIL) {
            errs = append(errs, fmt.Errorf("remove address %s: %w", p, err))
            continue
        }
        d.log.Info("address removed", zap.Stringer("addr", p))
    }
    for _, p := range add {
        if err := netlink.AddrAdd(d.link, &netlink.Addr{IPNet: ipNet(p, false)}); err != nil && !errors.Is(err, syscall.EEXIST) {
            errs = append(errs, fmt.Errorf("add address %s: %w", p, err))
            continue
        }
        d.log.Info("address added", zap.Stringer("addr", p))
    }
    d.applied.Addresses = append([]netip.Prefix(nil), pc.Addresses...)

    for _, r := range d.applied.Routes {
        if !hasRoute(pc.Routes, r) {
            if err := netlink.RouteDel(d.route(r)); err != nil && !errors.Is(err, syscall.ESRCH) {
                errs = append(errs, fmt.Errorf("remove route %s: %w", r.Target, err))
            }
        }
    }
    for _, onLink := range []bool{true, false} {
        for _, r := range pc.Routes {
            if r.Via.IsValid() == onLink || hasRoute(d.applied.Routes, r) {
                continue
            }
            if err := netlink.RouteReplace(d.route(r)); err != nil {
                errs = append(errs, fmt.Errorf("add route %s: %w", r.Target, err))
                continue
            }
            d.log.Info("route added", zap.Stringer("target", r.Target), zap.Stringer("via", r.Via))
        }
    }
    d.applied.Routes = append([]Route(nil), pc.Routes...)
    return errors.Join(errs...)
}

func hasRoute(rs []Route, r Route) bool {
    for _, have := range rs {
        if have == r {
            return true
        }
    }
    return false
}

func (d *waterDevice) route(r Route) *netlink.Route {
    nr := &netlink.Route{
        LinkIndex: d.link.Attrs().Index,
        Dst:       ipNet(r.Target, true),
        Priority:  r.Metric,
    }
    if r.Via.IsValid() {
        nr.Gw = net.IP(r.Via.AsSlice())
    } else {
        nr.Scope = netlink.SCOPE_LINK
    }
    if r.Src.IsValid() {
        nr.Src = net.IP(r.Src.AsSlice())
    }
    return nr
}

func ipNet(p netip.Prefix, masked bool) *net.IPNet {
    if masked {
        p = p.Masked()
    }
    a := p.Addr().Unmap()
    return &net.IPNet{IP: net.IP(a.AsSlice()), Mask: net.CIDRMask(p.Bits(), a.BitLen())}
}

// MulticastGroups lists the groups the kernel joined on the interface.
func (d *waterDevice) MulticastGroups() ([]sdk.MulticastGroup, error) {
    f, err := os.Open(devMcastPath)
    if err != nil {
        return nil, err
    }
    defer f.Close()
    return parseDevMcast(f, d.Name())
}
