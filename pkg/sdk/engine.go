package sdk

import "net/netip"

// EngineCallbacks is the integer callback contract the engine calls into.
// Node builds one of these from the application's listeners.
type EngineCallbacks struct {
    // StateGet reads a state object into buf starting at offset. n is the
    // number of bytes read or a negative code (-1 not found, -2 error,
    // -100 and below internal binding failures); size is the total object size.
    StateGet func(t StateObjectType, id [2]uint64, buf []byte, offset int64) (n int, size int64)
    // StatePut stores a state object. The result is 0 or an OS error code.
    StatePut func(t StateObjectType, id [2]uint64, data []byte) int
    // StateDelete removes a state object. The result is 0 or an OS error code.
    StateDelete func(t StateObjectType, id [2]uint64) int
    // WirePacketSend sends a physical packet, 0 on success.
    WirePacketSend func(localSocket int64, remote netip.AddrPort, data []byte, ttl int) int
    // VirtualNetworkFrame delivers a frame to the local network port.
    VirtualNetworkFrame func(nwid NetworkID, src, dst MAC, etherType, vlanID uint16, frame []byte)
    // VirtualNetworkConfig reports a port state change; non-zero moves the
    // network to PORT_ERROR with that code.
    VirtualNetworkConfig func(nwid NetworkID, op VirtualNetworkConfigOperation, cfg *VirtualNetworkConfig) int
    // Event reports an engine event. For EventTrace data holds the message.
    Event func(ev Event, data []byte)
    // PathCheck reports whether a physical path may be used.
    PathCheck func(address Address, localSocket int64, remote netip.AddrPort) bool
    // PathLookup returns a suggested physical endpoint for a peer.
    PathLookup func(address Address, family int) (netip.AddrPort, bool)
}

// Engine is the native node. Times are milliseconds since the Unix epoch and
// every Process* call returns the deadline of the next background task.
type Engine interface {
    ProcessWirePacket(now int64, localSocket int64, remote netip.AddrPort, packet []byte) (nextDeadline int64, rc ResultCode)
    ProcessVirtualNetworkFrame(now int64, nwid NetworkID, src, dst MAC, etherType, vlanID uint16, frame []byte) (nextDeadline int64, rc ResultCode)
    ProcessBackgroundTasks(now int64) (nextDeadline int64, rc ResultCode)

    Join(nwid NetworkID) ResultCode
    Leave(nwid NetworkID) ResultCode
    MulticastSubscribe(nwid NetworkID, group MAC, adi uint32) ResultCode
    MulticastUnsubscribe(nwid NetworkID, group MAC, adi uint32) ResultCode
    Orbit(moonWorldID, moonSeed uint64) ResultCode
    Deorbit(moonWorldID uint64) ResultCode

    Address() Address
    Status() NodeStatus
    NetworkConfig(nwid NetworkID) (*VirtualNetworkConfig, bool)
    Networks() []VirtualNetworkConfig
    Peers() []Peer
    Version() Version

    Close()
}

// EngineFactory creates an engine wired to the given callbacks.
type EngineFactory func(now int64, cb EngineCallbacks) (Engine, ResultCode)
