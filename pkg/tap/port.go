package tap

import (
    "bufio"
    "encoding/hex"
    "io"
    "net/netip"
    "slices"
    "strings"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

// Route is a managed route installed through a port.
type Route struct {
    Target netip.Prefix
    // Via is invalid for routes directly on the port's link
    Via    netip.Addr
    Src    netip.Addr
    Metric int
}

// PortConfig is the host-side state a port should carry.
type PortConfig struct {
    MAC       sdk.MAC
    MTU       int
    Addresses []netip.Prefix
    Routes    []Route
}

// Configurable is implemented by devices whose host side takes link
// settings, addresses and routes.
type Configurable interface {
    Configure(pc PortConfig) error
}

// MulticastLister is implemented by devices that can report the link-layer
// multicast groups the host joined on the port.
type MulticastLister interface {
    MulticastGroups() ([]sdk.MulticastGroup, error)
}

// AddressResolutionGroup is the group that carries ARP (IPv4) or neighbor
// solicitation (IPv6) for a.
func AddressResolutionGroup(a netip.Addr) sdk.MulticastGroup {
    a = a.Unmap()
    if a.Is4() {
        b := a.As4()
        return sdk.MulticastGroup{
            MAC: 0xffffffffffff,
            ADI: uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
        }
    }
    b := a.As16()
    return sdk.MulticastGroup{MAC: sdk.MAC(0x3333ff000000 | uint64(b[13])<<16 | uint64(b[14])<<8 | uint64(b[15]))}
}

// DiffPrefixes returns the prefixes of want missing from have and those of
// have missing from want.
func DiffPrefixes(have, want []netip.Prefix) (add, del []netip.Prefix) {
    for _, p := range want {
        if !slices.Contains(have, p) {
            add = append(add, p)
        }
    }
    for _, p := range have {
        if !slices.Contains(want, p) {
            del = append(del, p)
        }
    }
    return add, del
}

// DiffGroups is DiffPrefixes for multicast groups.
func DiffGroups(have, want []sdk.MulticastGroup) (add, del []sdk.MulticastGroup) {
    for _, g := range want {
        if !slices.Contains(have, g) {
            add = append(add, g)
        }
    }
    for _, g := range have {
        if !slices.Contains(want, g) {
            del = append(del, g)
        }
    }
    return add, del
}

// parseDevMcast reads the /proc/net/dev_mcast format and returns the groups
// joined on the interface called name.
func parseDevMcast(r io.Reader, name string) ([]sdk.MulticastGroup, error) {
    var out []sdk.MulticastGroup
    sc := bufio.NewScanner(r)
    for sc.Scan() {
        // index ifname refcount global address
        f := strings.Fields(sc.Text())
        if len(f) < 5 || f[1] != name || len(f[4]) != 12 {
            continue
        }
        b, err := hex.DecodeString(f[4])
        if err != nil {
            continue
        }
        mac, _ := sdk.NewMACFromBytes(b)
        g := sdk.MulticastGroup{MAC: mac}
        if !slices.Contains(out, g) {
            out = append(out, g)
        }
    }
    return out, sc.Err()
}
