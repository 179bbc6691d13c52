package sdk

import (
    "cmp"
    "encoding/binary"
    "fmt"
    "hash/fnv"
    "net/netip"
    "slices"
)

// VirtualNetworkRoute is a route pushed by the network controller.
type VirtualNetworkRoute struct {
    // Target network; the zero prefix means default route.
    Target netip.Prefix `json:"target"`
    // Via is the gateway, invalid for LAN-local routes.
    Via    netip.Addr   `json:"via,omitempty"`
    Flags  uint16       `json:"flags"`
    Metric uint16       `json:"metric"`
}

// VirtualNetworkDNS is the DNS configuration pushed on a network.
type VirtualNetworkDNS struct {
    Domain  string       `json:"domain"`
    Servers []netip.Addr `json:"servers"`
}

// MulticastGroup is an Ethernet multicast group plus additional distinguishing
// information (usually zero, the IPv4 address for ARP groups).
type MulticastGroup struct {
    MAC MAC    `json:"mac"`
    ADI uint32 `json:"adi"`
}

// VirtualNetworkConfig is the engine's view of one joined network.
type VirtualNetworkConfig struct {
    NetworkID         NetworkID            `json:"nwid"`
    MAC               MAC                  `json:"mac"`
    Name              string               `json:"name"`
    Status            VirtualNetworkStatus `json:"status"`
    Type              VirtualNetworkType   `json:"type"`
    MTU               int                  `json:"mtu"`
    DHCP              bool                 `json:"dhcp"`
    Bridge            bool                 `json:"bridge"`
    BroadcastEnabled  bool                 `json:"broadcastEnabled"`
    PortError         int                  `json:"portError"`
    NetconfRevision   uint64               `json:"netconfRevision"`
    AssignedAddresses []netip.Prefix       `json:"assignedAddresses"`
    Routes            []VirtualNetworkRoute `json:"routes"`
    DNS               *VirtualNetworkDNS   `json:"dns,omitempty"`
    MulticastSubscriptions []MulticastGroup `json:"multicastSubscriptions,omitempty"`
}

// Normalize clamps fields to the limits the engine enforces: the name is cut
// to MaxNetworkShortNameLength bytes, collections are truncated and an empty
// DNS block is dropped.
func (c *VirtualNetworkConfig) Normalize() {
    if len(c.Name) > MaxNetworkShortNameLength {
        c.Name = c.Name[:MaxNetworkShortNameLength]
    }
    if len(c.AssignedAddresses) > MaxAssignedAddresses {
        c.AssignedAddresses = c.AssignedAddresses[:MaxAssignedAddresses]
    }
    if len(c.Routes) > MaxNetworkRoutes {
        c.Routes = c.Routes[:MaxNetworkRoutes]
    }
    if len(c.MulticastSubscriptions) > MaxMulticastSubscriptions {
        c.MulticastSubscriptions = c.MulticastSubscriptions[:MaxMulticastSubscriptions]
    }
    if c.DNS != nil {
        if len(c.DNS.Servers) > MaxDNSServers {
            c.DNS.Servers = c.DNS.Servers[:MaxDNSServers]
        }
        if c.DNS.Domain == "" && len(c.DNS.Servers) == 0 {
            c.DNS = nil
        }
    }
}

// Clone returns a deep copy.
func (c *VirtualNetworkConfig) Clone() *VirtualNetworkConfig {
    if c == nil { return nil }
    out := *c
    out.AssignedAddresses = slices.Clone(c.AssignedAddresses)
    out.Routes = slices.Clone(c.Routes)
    out.MulticastSubscriptions = slices.Clone(c.MulticastSubscriptions)
    if c.DNS != nil {
        d := *c.DNS
        d.Servers = slices.Clone(c.DNS.Servers)
        out.DNS = &d
    }
    return &out
}

// Compare orders configs by network id.
func (c *VirtualNetworkConfig) Compare(o *VirtualNetworkConfig) int {
    return cmp.Compare(c.NetworkID, o.NetworkID)
}

// Equal compares every field. Assigned addresses, routes, multicast
// subscriptions and DNS servers are compared without regard to order.
func (c *VirtualNetworkConfig) Equal(o *VirtualNetworkConfig) bool {
    if c == nil || o == nil { return c == o }
    if c.NetworkID != o.NetworkID || c.MAC != o.MAC || c.Name != o.Name ||
        c.Status != o.Status || c.Type != o.Type || c.MTU != o.MTU ||
        c.DHCP != o.DHCP || c.Bridge != o.Bridge || c.BroadcastEnabled != o.BroadcastEnabled ||
        c.PortError != o.PortError || c.NetconfRevision != o.NetconfRevision {
        return false
    }
    if !sameSet(c.AssignedAddresses, o.AssignedAddresses, comparePrefix) { return false }
    if !sameSet(c.Routes, o.Routes, compareRoute) { return false }
    if !sameSet(c.MulticastSubscriptions, o.MulticastSubscriptions, compareGroup) { return false }
    return c.DNS.Equal(o.DNS)
}

// Equal compares domain and the server set.
func (d *VirtualNetworkDNS) Equal(o *VirtualNetworkDNS) bool {
    if d == nil || o == nil { return d == o }
    return d.Domain == o.Domain && sameSet(d.Servers, o.Servers, netip.Addr.Compare)
}

// Hash returns a hash consistent with Equal.
func (c *VirtualNetworkConfig) Hash() uint64 {
    if c == nil { return 0 }
    h := fnv.New64a()
    var b [8]byte
    put := func(v uint64) {
        binary.BigEndian.PutUint64(b[:], v)
        _, _ = h.Write(b[:])
    }
    put(uint64(c.NetworkID))
    put(uint64(c.MAC))
    _, _ = h.Write([]byte(c.Name))
    put(uint64(c.Status))
    put(uint64(c.Type))
    put(uint64(c.MTU))
    put(boolBits(c.DHCP, c.Bridge, c.BroadcastEnabled))
    put(uint64(int64(c.PortError)))
    put(c.NetconfRevision)

    // Collections are folded with addition so that order does not matter.
    var acc uint64
    for _, p := range c.AssignedAddresses {
        acc += hashString("a" + p.String())
    }
    for _, r := range c.Routes {
        acc += hashString("r" + routeKey(r))
    }
    for _, g := range c.MulticastSubscriptions {
        acc += hashString("m" + g.MAC.String()) ^ uint64(g.ADI)
    }
    if c.DNS != nil {
        acc += hashString("d" + c.DNS.Domain)
        for _, s := range c.DNS.Servers {
            acc += hashString("s" + s.String())
        }
    }
    put(acc)
    return h.Sum64()
}

func boolBits(bs ...bool) uint64 {
    var v uint64
    for i, b := range bs {
        if b { v |= 1 << i }
    }
    return v
}

func hashString(s string) uint64 {
    h := fnv.New64a()
    _, _ = h.Write([]byte(s))
    return h.Sum64()
}

func routeKey(r VirtualNetworkRoute) string {
    via := ""
    if r.Via.IsValid() { via = r.Via.String() }
    return fmt.Sprintf("%s>%s/%d/%d", r.Target, via, r.Flags, r.Metric)
}

func comparePrefix(a, b netip.Prefix) int {
    if c := a.Addr().Compare(b.Addr()); c != 0 { return c }
    return cmp.Compare(a.Bits(), b.Bits())
}

func compareRoute(a, b VirtualNetworkRoute) int {
    if c := comparePrefix(a.Target, b.Target); c != 0 { return c }
    if c := a.Via.Compare(b.Via); c != 0 { return c }
    if c := cmp.Compare(a.Flags, b.Flags); c != 0 { return c }
    return cmp.Compare(a.Metric, b.Metric)
}

func compareGroup(a, b MulticastGroup) int {
    if c := cmp.Compare(a.MAC, b.MAC); c != 0 { return c }
    return cmp.Compare(a.ADI, b.ADI)
}

// sameSet reports whether a and b hold the same elements as multisets.
func sameSet[T any](a, b []T, cmpFn func(T, T) int) bool {
    if len(a) != len(b) { return false }
    if len(a) == 0 { return true }
    as := slices.Clone(a)
    bs := slices.Clone(b)
    slices.SortFunc(as, cmpFn)
    slices.SortFunc(bs, cmpFn)
    for i := range as {
        if cmpFn(as[i], bs[i]) != 0 { return false }
    }
    return true
}
