package sdk

import (
    "errors"
    "net/netip"
    "syscall"
)

// Integer results of the data store get contract.
const (
    DataStoreGetNotFound = -1
    DataStoreGetError    = -2
)

// ErrObjectNotFound is returned by a DataStoreGetListener for missing objects.
var ErrObjectNotFound = errors.New("data store object not found")

// DataStoreGetListener reads named objects from the application's persistent store.
type DataStoreGetListener interface {
    // OnDataStoreGet copies up to len(buf) bytes of the object starting at
    // offset into buf. It returns the number of bytes copied and the total
    // size of the object so that large objects can be read in several calls.
    // Missing objects must be reported with ErrObjectNotFound.
    OnDataStoreGet(name string, buf []byte, offset int64) (n int, size int64, err error)
}

// DataStorePutListener writes and deletes named objects.
type DataStorePutListener interface {
    // OnDataStorePut stores data under name. secure objects must only be
    // readable by the current user.
    OnDataStorePut(name string, data []byte, secure bool) error
    // OnDelete removes name. Deleting a missing object is not an error.
    OnDelete(name string) error
}

// PacketSender sends raw wire packets on behalf of the engine.
type PacketSender interface {
    // OnSendPacketRequested sends data to remote through the local socket
    // identified by localSocket (-1 means any). ttl is the IP TTL to use,
    // 0 for the system default.
    OnSendPacketRequested(localSocket int64, remote netip.AddrPort, data []byte, ttl int) error
}

// EventListener receives engine events.
type EventListener interface {
    OnEvent(ev Event)
    OnTrace(message string)
}

// VirtualNetworkConfigListener is told about network port state changes.
// Returning an error puts the network in the PORT_ERROR state.
type VirtualNetworkConfigListener interface {
    OnNetworkConfigurationUpdated(nwid NetworkID, op VirtualNetworkConfigOperation, cfg *VirtualNetworkConfig) error
}

// VirtualNetworkFrameListener receives Ethernet frames to deliver to the
// local virtual network port.
type VirtualNetworkFrameListener interface {
    OnVirtualNetworkFrame(nwid NetworkID, src, dst MAC, etherType, vlanID uint16, frame []byte)
}

// PathChecker lets the application veto physical paths and suggest
// endpoints for peers. It is optional.
type PathChecker interface {
    OnPathCheck(address Address, localSocket int64, remote netip.AddrPort) bool
    // OnPathLookup returns a physical endpoint for address in the given
    // address family (syscall.AF_INET / AF_INET6, 0 for any).
    OnPathLookup(address Address, family int) (netip.AddrPort, bool)
}

// Errno converts a put/delete listener error to the integer contract:
// 0 on success, the OS error number when one is wrapped, -1 otherwise.
func Errno(err error) int {
    if err == nil { return 0 }
    var en syscall.Errno
    if errors.As(err, &en) && en != 0 { return int(en) }
    return -1
}
