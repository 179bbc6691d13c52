package config

import (
    "strings"
    "time"
)

// PortsConfig selects the UDP ports the service binds.
type PortsConfig struct {
    // Primary UDP port, 0 picks a random one
    Primary int `mapstructure:"primary"`
    // Secondary UDP port, 0 disables it
    Secondary int `mapstructure:"secondary"`
    // Bind restricts the local addresses to bind; empty binds the wildcard
    // addresses of both families
    Bind []string `mapstructure:"bind"`
}

// TCPRelayConfig controls the TCP fallback tunnel used when UDP is blocked.
type TCPRelayConfig struct {
    Enable  bool   `mapstructure:"enable"`
    Address string `mapstructure:"address"`
    // After is how long without UDP traffic before falling back to TCP
    After time.Duration `mapstructure:"after"`
    // DialTimeout bounds connecting to the relay
    DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DataStoreConfig selects where engine state objects live.
type DataStoreConfig struct {
    // Kind: fs (under home) or memory
    Kind string `mapstructure:"kind"`
    // CacheTTL keeps read objects cached in memory for fs stores, 0 disables
    CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// PhysicalConfig holds rules for physical paths.
type PhysicalConfig struct {
    // Blacklist lists CIDRs that must never carry ZeroTier traffic
    Blacklist []string `mapstructure:"blacklist"`
}

// VirtualConfig holds per-peer settings keyed by ZeroTier address.
type VirtualConfig struct {
    // Try lists physical endpoints (ip:port) to suggest for this peer
    Try []string `mapstructure:"try"`
    // Blacklist lists CIDRs never used as a path to this peer
    Blacklist []string `mapstructure:"blacklist"`
}

// TAPConfig controls virtual network ports.
type TAPConfig struct {
    // Enable opens a TAP device per joined network; when false frames are discarded
    Enable bool `mapstructure:"enable"`
    // Prefix is the device name prefix, the network id is appended
    Prefix string `mapstructure:"prefix"`
    // AllowManaged applies controller-assigned addresses and routes to ports
    AllowManaged bool `mapstructure:"allow_managed"`
    // AllowGlobal permits managed addresses and routes in public IP space
    AllowGlobal bool `mapstructure:"allow_global"`
    // AllowDefault permits a managed default route
    AllowDefault bool `mapstructure:"allow_default"`
    // MulticastScan is how often port multicast memberships are synced
    MulticastScan time.Duration `mapstructure:"multicast_scan"`
}

// APIConfig controls the local HTTP control API.
type APIConfig struct {
    Enable bool `mapstructure:"enable"`
    // Listen is a loopback host:port, or a named pipe (\\.\pipe\name) on
    // windows
    Listen string `mapstructure:"listen"`
    // Token authorizes requests; empty generates one stored as authtoken.secret
    Token string `mapstructure:"token"`
}

// PipePrefix starts api.listen values naming a windows named pipe.
const PipePrefix = `\\.\pipe\`

// IsPipeName reports whether addr names a windows named pipe.
func IsPipeName(addr string) bool {
    return strings.HasPrefix(addr, PipePrefix) && len(addr) > len(PipePrefix)
}

// StatusConfig controls the periodic status snapshot.
type StatusConfig struct {
    // Format: json, cbor or proto
    Format string `mapstructure:"format"`
    // Interval between snapshots, 0 disables writing
    Interval time.Duration `mapstructure:"interval"`
    // File name under home
    File string `mapstructure:"file"`
}
