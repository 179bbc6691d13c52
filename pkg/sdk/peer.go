package sdk

import (
    "fmt"
    "net/netip"
    "time"
)

// PeerPhysicalPath is one physical (UDP/TCP) path to a peer.
type PeerPhysicalPath struct {
    Address     netip.AddrPort `json:"address"`
    LastSend    time.Time      `json:"lastSend"`
    LastReceive time.Time      `json:"lastReceive"`
    Preferred   bool           `json:"preferred"`
}

// Peer describes a peer known to the engine. Version fields and Latency are
// -1 when unknown.
type Peer struct {
    Address      Address            `json:"address"`
    VersionMajor int                `json:"versionMajor"`
    VersionMinor int                `json:"versionMinor"`
    VersionRev   int                `json:"versionRev"`
    Latency      time.Duration      `json:"latency"`
    Role         PeerRole           `json:"role"`
    Paths        []PeerPhysicalPath `json:"paths"`
}

// Version returns the peer's software version, ok=false when unknown.
func (p *Peer) Version() (Version, bool) {
    if p.VersionMajor < 0 { return Version{}, false }
    return Version{Major: p.VersionMajor, Minor: p.VersionMinor, Revision: p.VersionRev}, true
}

// PreferredPath returns the path marked preferred, if any.
func (p *Peer) PreferredPath() (PeerPhysicalPath, bool) {
    for _, pp := range p.Paths {
        if pp.Preferred { return pp, true }
    }
    return PeerPhysicalPath{}, false
}

// NodeStatus is the status of the local node.
type NodeStatus struct {
    Address        Address `json:"address"`
    PublicIdentity string  `json:"publicIdentity"`
    SecretIdentity string  `json:"-"`
    Online         bool    `json:"online"`
}

// String never includes the secret identity.
func (s NodeStatus) String() string {
    return fmt.Sprintf("address=%s online=%t identity=%s", s.Address, s.Online, s.PublicIdentity)
}

// Version is an engine or peer software version.
type Version struct {
    Major    int `json:"major"`
    Minor    int `json:"minor"`
    Revision int `json:"revision"`
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision) }
