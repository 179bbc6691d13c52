//go:build ztcore

package native

/*
#cgo LDFLAGS: -lzerotiercore -lstdc++ -lm
#include <stdint.h>
#include <stdlib.h>
#include <string.h>
#include <sys/socket.h>
#include <netinet/in.h>
#include "ZeroTierOne.h"

extern void goStatePut(uintptr_t, int, uint64_t, uint64_t, void *, int);
extern int goStateGet(uintptr_t, int, uint64_t, uint64_t, void *, int);
extern int goWirePacketSend(uintptr_t, int64_t, void *, void *, int, int);
extern void goVirtualNetworkFrame(uintptr_t, uint64_t, uint64_t, uint64_t, unsigned int, unsigned int, void *, int);
extern int goVirtualNetworkConfig(uintptr_t, uint64_t, int, void *);
extern void goEvent(uintptr_t, int, void *, int);
extern int goPathCheck(uintptr_t, uint64_t, int64_t, void *);
extern int goPathLookup(uintptr_t, uint64_t, int, void *);

static void ztStatePut(ZT_Node *n, void *uptr, void *tptr, enum ZT_StateObjectType t, const uint64_t id[2], const void *data, int len)
{
	goStatePut((uintptr_t)uptr, (int)t, id[0], id[1], (void *)data, len);
}

static int ztStateGet(ZT_Node *n, void *uptr, void *tptr, enum ZT_StateObjectType t, const uint64_t id[2], void *buf, unsigned int maxlen)
{
	return goStateGet((uintptr_t)uptr, (int)t, id[0], id[1], buf, (int)maxlen);
}

static int ztWirePacketSend(ZT_Node *n, void *uptr, void *tptr, int64_t localSocket, const struct sockaddr_storage *remote, const void *data, unsigned int len, unsigned int ttl)
{
	return goWirePacketSend((uintptr_t)uptr, localSocket, (void *)remote, (void *)data, (int)len, (int)ttl);
}

static void ztVirtualNetworkFrame(ZT_Node *n, void *uptr, void *tptr, uint64_t nwid, void **nuptr, uint64_t src, uint64_t dst, unsigned int etherType, unsigned int vlanId, const void *data, unsigned int len)
{
	goVirtualNetworkFrame((uintptr_t)uptr, nwid, src, dst, etherType, vlanId, (void *)data, (int)len);
}

static int ztVirtualNetworkConfig(ZT_Node *n, void *uptr, void *tptr, uint64_t nwid, void **nuptr, enum ZT_VirtualNetworkConfigOperation op, const ZT_VirtualNetworkConfig *cfg)
{
	return goVirtualNetworkConfig((uintptr_t)uptr, nwid, (int)op, (void *)cfg);
}

static void ztEvent(ZT_Node *n, void *uptr, void *tptr, enum ZT_Event ev, const void *data)
{
	const char *msg = NULL;
	int len = 0;
	if (ev == ZT_EVENT_TRACE && data) {
		msg = (const char *)data;
		len = (int)strlen(msg);
	}
	goEvent((uintptr_t)uptr, (int)ev, (void *)msg, len);
}

static int ztPathCheck(ZT_Node *n, void *uptr, void *tptr, uint64_t addr, int64_t localSocket, const struct sockaddr_storage *remote)
{
	return goPathCheck((uintptr_t)uptr, addr, localSocket, (void *)remote);
}

static int ztPathLookup(ZT_Node *n, void *uptr, void *tptr, uint64_t addr, int family, struct sockaddr_storage *result)
{
	return goPathLookup((uintptr_t)uptr, addr, family, (void *)result);
}

static enum ZT_ResultCode ztNodeNew(ZT_Node **node, uintptr_t uptr, int64_t now)
{
	struct ZT_Node_Callbacks cb;
	memset(&cb, 0, sizeof(cb));
	cb.version = 0;
	cb.statePutFunction = ztStatePut;
	cb.stateGetFunction = ztStateGet;
	cb.wirePacketSendFunction = ztWirePacketSend;
	cb.virtualNetworkFrameFunction = ztVirtualNetworkFrame;
	cb.virtualNetworkConfigFunction = ztVirtualNetworkConfig;
	cb.eventCallback = ztEvent;
	cb.pathCheckFunction = ztPathCheck;
	cb.pathLookupFunction = ztPathLookup;
	return ZT_Node_new(node, (void *)uptr, NULL, &cb, now);
}
*/
import "C"

import (
    "net/netip"
    "time"
    "unsafe"

    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

var nodes = newRegistry[*engine]()

type engine struct {
    handle uintptr
    node   *C.ZT_Node
    cb     sdk.EngineCallbacks
}

// Available reports whether the native core is compiled in.
func Available() bool { return true }

// New creates a native node. It matches sdk.EngineFactory.
func New(now int64, cb sdk.EngineCallbacks) (sdk.Engine, sdk.ResultCode) {
    e := &engine{cb: cb}
    e.handle = nodes.reserve()
    if err := nodes.add(e.handle, e); err != nil {
        zap.L().Error("native: register node", zap.Error(err))
        return nil, sdk.ResultFatalErrorInternal
    }
    var n *C.ZT_Node
    rc := sdk.ResultCode(C.ztNodeNew(&n, C.uintptr_t(e.handle), C.int64_t(now)))
    if !rc.IsOK() || n == nil {
        nodes.remove(e.handle)
        if rc.IsOK() {
            rc = sdk.ResultFatalErrorInternal
        }
        return nil, rc
    }
    e.node = n
    return e, sdk.ResultOK
}

func (e *engine) ProcessWirePacket(now int64, localSocket int64, remote netip.AddrPort, packet []byte) (int64, sdk.ResultCode) {
    var ss C.struct_sockaddr_storage
    if !toSockaddr(remote, unsafe.Pointer(&ss)) {
        return now, sdk.ResultErrorBadParameter
    }
    var next C.int64_t
    rc := C.ZT_Node_processWirePacket(e.node, nil, C.int64_t(now), C.int64_t(localSocket), &ss,
        unsafe.Pointer(&packet[0]), C.uint(len(packet)), &next)
    return int64(next), sdk.ResultCode(rc)
}

func (e *engine) ProcessVirtualNetworkFrame(now int64, nwid sdk.NetworkID, src, dst sdk.MAC, etherType, vlanID uint16, frame []byte) (int64, sdk.ResultCode) {
    var p unsafe.Pointer
    if len(frame) > 0 {
        p = unsafe.Pointer(&frame[0])
    }
    var next C.int64_t
    rc := C.ZT_Node_processVirtualNetworkFrame(e.node, nil, C.int64_t(now), C.uint64_t(nwid), C.uint64_t(src), C.uint64_t(dst),
        C.uint(etherType), C.uint(vlanID), p, C.uint(len(frame)), &next)
    return int64(next), sdk.ResultCode(rc)
}

func (e *engine) ProcessBackgroundTasks(now int64) (int64, sdk.ResultCode) {
    var next C.int64_t
    rc := C.ZT_Node_processBackgroundTasks(e.node, nil, C.int64_t(now), &next)
    return int64(next), sdk.ResultCode(rc)
}

func (e *engine) Join(nwid sdk.NetworkID) sdk.ResultCode {
    return sdk.ResultCode(C.ZT_Node_join(e.node, C.uint64_t(nwid), nil, nil))
}

func (e *engine) Leave(nwid sdk.NetworkID) sdk.ResultCode {
    return sdk.ResultCode(C.ZT_Node_leave(e.node, C.uint64_t(nwid), nil, nil))
}

func (e *engine) MulticastSubscribe(nwid sdk.NetworkID, group sdk.MAC, adi uint32) sdk.ResultCode {
    return sdk.ResultCode(C.ZT_Node_multicastSubscribe(e.node, nil, C.uint64_t(nwid), C.uint64_t(group), C.ulong(adi)))
}

func (e *engine) MulticastUnsubscribe(nwid sdk.NetworkID, group sdk.MAC, adi uint32) sdk.ResultCode {
    return sdk.ResultCode(C.ZT_Node_multicastUnsubscribe(e.node, C.uint64_t(nwid), C.uint64_t(group), C.ulong(adi)))
}

func (e *engine) Orbit(moonWorldID, moonSeed uint64) sdk.ResultCode {
    return sdk.ResultCode(C.ZT_Node_orbit(e.node, nil, C.uint64_t(moonWorldID), C.uint64_t(moonSeed)))
}

func (e *engine) Deorbit(moonWorldID uint64) sdk.ResultCode {
    return sdk.ResultCode(C.ZT_Node_deorbit(e.node, nil, C.uint64_t(moonWorldID)))
}

func (e *engine) Address() sdk.Address { return sdk.Address(C.ZT_Node_address(e.node)) }

func (e *engine) Status() sdk.NodeStatus {
    var st C.ZT_NodeStatus
    C.ZT_Node_status(e.node, &st)
    out := sdk.NodeStatus{Address: sdk.Address(st.address), Online: st.online != 0}
    if st.publicIdentity != nil {
        out.PublicIdentity = C.GoString(st.publicIdentity)
    }
    if st.secretIdentity != nil {
        out.SecretIdentity = C.GoString(st.secretIdentity)
    }
    return out
}

func (e *engine) NetworkConfig(nwid sdk.NetworkID) (*sdk.VirtualNetworkConfig, bool) {
    cfg := C.ZT_Node_networkConfig(e.node, C.uint64_t(nwid))
    if cfg == nil {
        return nil, false
    }
    defer C.ZT_Node_freeQueryResult(e.node, unsafe.Pointer(cfg))
    return convertConfig(cfg), true
}

func (e *engine) Networks() []sdk.VirtualNetworkConfig {
    nl := C.ZT_Node_networks(e.node)
    if nl == nil {
        return nil
    }
    defer C.ZT_Node_freeQueryResult(e.node, unsafe.Pointer(nl))
    if nl.networkCount == 0 {
        return nil
    }
    nets := unsafe.Slice(nl.networks, int(nl.networkCount))
    out := make([]sdk.VirtualNetworkConfig, 0, len(nets))
    for i := range nets {
        out = append(out, *convertConfig(&nets[i]))
    }
    return out
}

func (e *engine) Peers() []sdk.Peer {
    pl := C.ZT_Node_peers(e.node)
    if pl == nil {
        return nil
    }
    defer C.ZT_Node_freeQueryResult(e.node, unsafe.Pointer(pl))
    if pl.peerCount == 0 {
        return nil
    }
    peers := unsafe.Slice(pl.peers, int(pl.peerCount))
    out := make([]sdk.Peer, 0, len(peers))
    for i := range peers {
        p := &peers[i]
        peer := sdk.Peer{
            Address:      sdk.Address(p.address),
            VersionMajor: int(p.versionMajor),
            VersionMinor: int(p.versionMinor),
            VersionRev:   int(p.versionRev),
            Latency:      -1,
            Role:         sdk.PeerRole(p.role),
        }
        if p.latency >= 0 {
            peer.Latency = time.Duration(p.latency) * time.Millisecond
        }
        count := min(int(p.pathCount), sdk.MaxPeerNetworkPaths)
        for j := 0; j < count; j++ {
            pp := &p.paths[j]
            peer.Paths = append(peer.Paths, sdk.PeerPhysicalPath{
                Address:     fromSockaddr(unsafe.Pointer(&pp.address)),
                LastSend:    msTime(uint64(pp.lastSend)),
                LastReceive: msTime(uint64(pp.lastReceive)),
                Preferred:   pp.preferred != 0,
            })
        }
        out = append(out, peer)
    }
    return out
}

func (e *engine) Version() sdk.Version { return coreVersion() }

func coreVersion() sdk.Version {
    var major, minor, rev C.int
    C.ZT_version(&major, &minor, &rev)
    return sdk.Version{Major: int(major), Minor: int(minor), Revision: int(rev)}
}

func (e *engine) Close() {
    if e.node != nil {
        C.ZT_Node_delete(e.node)
        e.node = nil
    }
    nodes.remove(e.handle)
}

func msTime(ms uint64) time.Time {
    if ms == 0 {
        return time.Time{}
    }
    return time.UnixMilli(int64(ms))
}

// convertConfig copies a core config. Assigned addresses and route targets
// carry their prefix length in the port field.
func convertConfig(c *C.ZT_VirtualNetworkConfig) *sdk.VirtualNetworkConfig {
    out := &sdk.VirtualNetworkConfig{
        NetworkID:        sdk.NetworkID(c.nwid),
        MAC:              sdk.MAC(c.mac),
        Name:             C.GoString(&c.name[0]),
        Status:           sdk.VirtualNetworkStatus(c.status),
        Type:             sdk.VirtualNetworkType(c._type),
        MTU:              int(c.mtu),
        DHCP:             c.dhcp != 0,
        Bridge:           c.bridge != 0,
        BroadcastEnabled: c.broadcastEnabled != 0,
        PortError:        int(c.portError),
        NetconfRevision:  uint64(c.netconfRevision),
    }
    for i := 0; i < min(int(c.assignedAddressCount), sdk.MaxAssignedAddresses); i++ {
        ap := fromSockaddr(unsafe.Pointer(&c.assignedAddresses[i]))
        if pfx, err := ap.Addr().Prefix(int(ap.Port())); err == nil {
            out.AssignedAddresses = append(out.AssignedAddresses, netip.PrefixFrom(ap.Addr(), pfx.Bits()))
        }
    }
    for i := 0; i < min(int(c.routeCount), sdk.MaxNetworkRoutes); i++ {
        r := &c.routes[i]
        target := fromSockaddr(unsafe.Pointer(&r.target))
        pfx, err := target.Addr().Prefix(int(target.Port()))
        if err != nil {
            continue
        }
        out.Routes = append(out.Routes, sdk.VirtualNetworkRoute{
            Target: pfx,
            Via:    fromSockaddr(unsafe.Pointer(&r.via)).Addr(),
            Flags:  uint16(r.flags),
            Metric: uint16(r.metric),
        })
    }
    for i := 0; i < min(int(c.multicastSubscriptionCount), sdk.MaxMulticastSubscriptions); i++ {
        g := &c.multicastSubscriptions[i]
        out.MulticastSubscriptions = append(out.MulticastSubscriptions, sdk.MulticastGroup{MAC: sdk.MAC(g.mac), ADI: uint32(g.adi)})
    }
    dns := &sdk.VirtualNetworkDNS{Domain: C.GoString(&c.dns.domain[0])}
    for i := 0; i < sdk.MaxDNSServers; i++ {
        if a := fromSockaddr(unsafe.Pointer(&c.dns.server_addr[i])).Addr(); a.IsValid() {
            dns.Servers = append(dns.Servers, a)
        }
    }
    if dns.Domain != "" || len(dns.Servers) > 0 {
        out.DNS = dns
    }
    return out
}

func fromSockaddr(p unsafe.Pointer) netip.AddrPort {
    if p == nil {
        return netip.AddrPort{}
    }
    ss := (*C.struct_sockaddr_storage)(p)
    switch ss.ss_family {
    case C.AF_INET:
        sa := (*C.struct_sockaddr_in)(p)
        ip := *(*[4]byte)(unsafe.Pointer(&sa.sin_addr))
        return netip.AddrPortFrom(netip.AddrFrom4(ip), networkPort(unsafe.Pointer(&sa.sin_port)))
    case C.AF_INET6:
        sa := (*C.struct_sockaddr_in6)(p)
        ip := *(*[16]byte)(unsafe.Pointer(&sa.sin6_addr))
        return netip.AddrPortFrom(netip.AddrFrom16(ip), networkPort(unsafe.Pointer(&sa.sin6_port)))
    }
    return netip.AddrPort{}
}

func toSockaddr(ap netip.AddrPort, p unsafe.Pointer) bool {
    if !ap.IsValid() {
        return false
    }
    C.memset(p, 0, C.size_t(C.sizeof_struct_sockaddr_storage))
    var port *[2]byte
    addr := ap.Addr()
    if addr.Is4() || addr.Is4In6() {
        sa := (*C.struct_sockaddr_in)(p)
        sa.sin_family = C.AF_INET
        *(*[4]byte)(unsafe.Pointer(&sa.sin_addr)) = addr.Unmap().As4()
        port = (*[2]byte)(unsafe.Pointer(&sa.sin_port))
    } else {
        sa := (*C.struct_sockaddr_in6)(p)
        sa.sin6_family = C.AF_INET6
        *(*[16]byte)(unsafe.Pointer(&sa.sin6_addr)) = addr.As16()
        port = (*[2]byte)(unsafe.Pointer(&sa.sin6_port))
    }
    port[0], port[1] = byte(ap.Port()>>8), byte(ap.Port())
    return true
}

func networkPort(p unsafe.Pointer) uint16 {
    b := (*[2]byte)(p)
    return uint16(b[0])<<8 | uint16(b[1])
}

func lookup(uptr C.uintptr_t) *engine {
    e, ok := nodes.get(uintptr(uptr))
    if !ok {
        zap.L().Warn("native: callback for unknown node", zap.Uint64("handle", uint64(uptr)))
        return nil
    }
    return e
}

//export goStatePut
func goStatePut(uptr C.uintptr_t, objType C.int, id0, id1 C.uint64_t, data unsafe.Pointer, length C.int) {
    e := lookup(uptr)
    if e == nil {
        return
    }
    t := sdk.StateObjectType(objType)
    id := [2]uint64{uint64(id0), uint64(id1)}
    if length < 0 {
        e.cb.StateDelete(t, id)
        return
    }
    e.cb.StatePut(t, id, C.GoBytes(data, length))
}

// goStateGet fills the core's buffer, reading large objects in several
// listener calls. An object larger than the buffer is reported as -1.
//
//export goStateGet
func goStateGet(uptr C.uintptr_t, objType C.int, id0, id1 C.uint64_t, data unsafe.Pointer, maxlen C.int) C.int {
    e := lookup(uptr)
    if e == nil || maxlen <= 0 {
        return -1
    }
    buf := unsafe.Slice((*byte)(data), int(maxlen))
    t := sdk.StateObjectType(objType)
    id := [2]uint64{uint64(id0), uint64(id1)}
    total := 0
    for total < len(buf) {
        n, size := e.cb.StateGet(t, id, buf[total:], int64(total))
        if n < 0 {
            return C.int(n)
        }
        if size > int64(len(buf)) {
            return -1
        }
        total += n
        if n == 0 || int64(total) >= size {
            break
        }
    }
    return C.int(total)
}

//export goWirePacketSend
func goWirePacketSend(uptr C.uintptr_t, localSocket C.int64_t, remote unsafe.Pointer, data unsafe.Pointer, length C.int, ttl C.int) C.int {
    e := lookup(uptr)
    if e == nil {
        return -1
    }
    return C.int(e.cb.WirePacketSend(int64(localSocket), fromSockaddr(remote), C.GoBytes(data, length), int(ttl)))
}

//export goVirtualNetworkFrame
func goVirtualNetworkFrame(uptr C.uintptr_t, nwid, src, dst C.uint64_t, etherType, vlanID C.uint, data unsafe.Pointer, length C.int) {
    e := lookup(uptr)
    if e == nil {
        return
    }
    e.cb.VirtualNetworkFrame(sdk.NetworkID(nwid), sdk.MAC(src), sdk.MAC(dst), uint16(etherType), uint16(vlanID), C.GoBytes(data, length))
}

//export goVirtualNetworkConfig
func goVirtualNetworkConfig(uptr C.uintptr_t, nwid C.uint64_t, op C.int, cfg unsafe.Pointer) C.int {
    e := lookup(uptr)
    if e == nil {
        return -1
    }
    var c *sdk.VirtualNetworkConfig
    if cfg != nil {
        c = convertConfig((*C.ZT_VirtualNetworkConfig)(cfg))
    }
    return C.int(e.cb.VirtualNetworkConfig(sdk.NetworkID(nwid), sdk.VirtualNetworkConfigOperation(op), c))
}

//export goEvent
func goEvent(uptr C.uintptr_t, ev C.int, data unsafe.Pointer, length C.int) {
    e := lookup(uptr)
    if e == nil {
        return
    }
    var b []byte
    if data != nil && length > 0 {
        b = C.GoBytes(data, length)
    }
    e.cb.Event(sdk.Event(ev), b)
}

//export goPathCheck
func goPathCheck(uptr C.uintptr_t, addr C.uint64_t, localSocket C.int64_t, remote unsafe.Pointer) C.int {
    e := lookup(uptr)
    if e == nil {
        return 1
    }
    if e.cb.PathCheck(sdk.Address(addr), int64(localSocket), fromSockaddr(remote)) {
        return 1
    }
    return 0
}

//export goPathLookup
func goPathLookup(uptr C.uintptr_t, addr C.uint64_t, family C.int, result unsafe.Pointer) C.int {
    e := lookup(uptr)
    if e == nil {
        return 0
    }
    ap, ok := e.cb.PathLookup(sdk.Address(addr), int(family))
    if !ok || !toSockaddr(ap, result) {
        return 0
    }
    return 1
}
