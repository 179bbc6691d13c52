// Package sdktest provides an in-process Engine for tests. It implements
// enough of the engine's observable behavior to drive a Node: identity
// bootstrap through the data store, join/leave with port config callbacks,
// background task deadlines and connectivity events.
package sdktest

import (
    "fmt"
    "net/netip"
    "sync"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

// TaskInterval is the background task period in milliseconds.
const TaskInterval = 500

// WirePacket is a packet handed to ProcessWirePacket.
type WirePacket struct {
    LocalSocket int64
    Remote      netip.AddrPort
    Data        []byte
}

// Frame is a frame handed to ProcessVirtualNetworkFrame.
type Frame struct {
    NetworkID sdk.NetworkID
    Src, Dst  sdk.MAC
    EtherType uint16
    VLAN      uint16
    Data      []byte
}

// Engine is a fake sdk.Engine.
type Engine struct {
    // Echo makes every received wire packet bounce back to its sender.
    Echo bool

    mu       sync.Mutex
    cb       sdk.EngineCallbacks
    addr     sdk.Address
    networks map[sdk.NetworkID]*sdk.VirtualNetworkConfig
    groups   map[sdk.NetworkID][]sdk.MulticastGroup
    moons    map[uint64]uint64
    peers    []sdk.Peer
    packets  []WirePacket
    frames   []Frame
    fail     sdk.ResultCode
    online   bool
    closed   bool
}

func New(addr sdk.Address) *Engine {
    return &Engine{
        addr:     addr,
        networks: make(map[sdk.NetworkID]*sdk.VirtualNetworkConfig),
        groups:   make(map[sdk.NetworkID][]sdk.MulticastGroup),
        moons:    make(map[uint64]uint64),
    }
}

func (e *Engine) publicIdentity() string { return fmt.Sprintf("%s:0:%s", e.addr, "7075626c6963") }
func (e *Engine) secretIdentity() string { return e.publicIdentity() + ":736563726574" }

// Factory returns an sdk.EngineFactory that binds this engine. Initialization
// loads identity.secret and stores a fresh identity when none exists.
func (e *Engine) Factory() sdk.EngineFactory {
    return func(now int64, cb sdk.EngineCallbacks) (sdk.Engine, sdk.ResultCode) {
        e.mu.Lock()
        e.cb = cb
        e.mu.Unlock()

        buf := make([]byte, 256)
        n, _ := cb.StateGet(sdk.StateObjectIdentitySecret, [2]uint64{}, buf, 0)
        switch {
        case n == sdk.DataStoreGetNotFound:
            if cb.StatePut(sdk.StateObjectIdentitySecret, [2]uint64{}, []byte(e.secretIdentity())) != 0 {
                return nil, sdk.ResultFatalErrorDataStoreFailed
            }
            if cb.StatePut(sdk.StateObjectIdentityPublic, [2]uint64{}, []byte(e.publicIdentity())) != 0 {
                return nil, sdk.ResultFatalErrorDataStoreFailed
            }
        case n < 0:
            return nil, sdk.ResultFatalErrorDataStoreFailed
        }
        return e, sdk.ResultOK
    }
}

// Fail makes the next Process* call return rc.
func (e *Engine) Fail(rc sdk.ResultCode) {
    e.mu.Lock()
    e.fail = rc
    e.mu.Unlock()
}

func (e *Engine) takeFail() sdk.ResultCode {
    rc := e.fail
    e.fail = sdk.ResultOK
    return rc
}

func (e *Engine) ProcessWirePacket(now int64, localSocket int64, remote netip.AddrPort, packet []byte) (int64, sdk.ResultCode) {
    e.mu.Lock()
    if rc := e.takeFail(); rc != sdk.ResultOK {
        e.mu.Unlock()
        return now + TaskInterval, rc
    }
    e.packets = append(e.packets, WirePacket{LocalSocket: localSocket, Remote: remote, Data: append([]byte(nil), packet...)})
    echo, cb := e.Echo, e.cb
    e.mu.Unlock()

    if echo {
        cb.WirePacketSend(localSocket, remote, packet, 0)
    }
    return now + TaskInterval, sdk.ResultOK
}

func (e *Engine) ProcessVirtualNetworkFrame(now int64, nwid sdk.NetworkID, src, dst sdk.MAC, etherType, vlanID uint16, frame []byte) (int64, sdk.ResultCode) {
    e.mu.Lock()
    defer e.mu.Unlock()
    if rc := e.takeFail(); rc != sdk.ResultOK {
        return now + TaskInterval, rc
    }
    if _, ok := e.networks[nwid]; !ok {
        return now + TaskInterval, sdk.ResultErrorNetworkNotFound
    }
    e.frames = append(e.frames, Frame{NetworkID: nwid, Src: src, Dst: dst, EtherType: etherType, VLAN: vlanID, Data: append([]byte(nil), frame...)})
    return now + TaskInterval, sdk.ResultOK
}

// ProcessBackgroundTasks goes online on the first call.
func (e *Engine) ProcessBackgroundTasks(now int64) (int64, sdk.ResultCode) {
    e.mu.Lock()
    if rc := e.takeFail(); rc != sdk.ResultOK {
        e.mu.Unlock()
        return now + TaskInterval, rc
    }
    goOnline := !e.online
    e.online = true
    cb := e.cb
    e.mu.Unlock()

    if goOnline {
        cb.Event(sdk.EventOnline, nil)
    }
    return now + TaskInterval, sdk.ResultOK
}

// SetOnline overrides the engine's connectivity state without raising an event.
func (e *Engine) SetOnline(online bool) {
    e.mu.Lock()
    e.online = online
    e.mu.Unlock()
}

// Join creates the network and reports it UP to the port config callback.
func (e *Engine) Join(nwid sdk.NetworkID) sdk.ResultCode {
    e.mu.Lock()
    if _, ok := e.networks[nwid]; ok {
        e.mu.Unlock()
        return sdk.ResultOK
    }
    cfg := &sdk.VirtualNetworkConfig{
        NetworkID: nwid,
        MAC:       sdk.MAC(0x020000000000 | (uint64(e.addr) ^ uint64(nwid)) & 0xffffffffff),
        Status:    sdk.NetworkStatusRequestingConfiguration,
        Type:      sdk.NetworkTypePrivate,
        MTU:       sdk.DefaultMTU,
    }
    e.networks[nwid] = cfg
    cb := e.cb
    e.mu.Unlock()

    e.report(cb, nwid, sdk.ConfigOperationUp, cfg)
    return sdk.ResultOK
}

// UpdateConfig replaces a joined network's config and reports CONFIG_UPDATE.
func (e *Engine) UpdateConfig(cfg *sdk.VirtualNetworkConfig) sdk.ResultCode {
    e.mu.Lock()
    if _, ok := e.networks[cfg.NetworkID]; !ok {
        e.mu.Unlock()
        return sdk.ResultErrorNetworkNotFound
    }
    cfg = cfg.Clone()
    e.networks[cfg.NetworkID] = cfg
    cb := e.cb
    e.mu.Unlock()

    e.report(cb, cfg.NetworkID, sdk.ConfigOperationConfigUpdate, cfg)
    cb.StatePut(sdk.StateObjectNetworkConfig, [2]uint64{uint64(cfg.NetworkID)}, []byte(fmt.Sprintf("nwid=%s\nrev=%d\n", cfg.NetworkID, cfg.NetconfRevision)))
    return sdk.ResultOK
}

func (e *Engine) report(cb sdk.EngineCallbacks, nwid sdk.NetworkID, op sdk.VirtualNetworkConfigOperation, cfg *sdk.VirtualNetworkConfig) {
    code := cb.VirtualNetworkConfig(nwid, op, cfg.Clone())
    if code == 0 {
        return
    }
    e.mu.Lock()
    defer e.mu.Unlock()
    if cur, ok := e.networks[nwid]; ok {
        cur.Status = sdk.NetworkStatusPortError
        cur.PortError = code
    }
}

func (e *Engine) Leave(nwid sdk.NetworkID) sdk.ResultCode {
    e.mu.Lock()
    cfg, ok := e.networks[nwid]
    if !ok {
        e.mu.Unlock()
        return sdk.ResultErrorNetworkNotFound
    }
    delete(e.networks, nwid)
    delete(e.groups, nwid)
    cb := e.cb
    e.mu.Unlock()

    cb.VirtualNetworkConfig(nwid, sdk.ConfigOperationDestroy, cfg.Clone())
    return sdk.ResultOK
}

func (e *Engine) MulticastSubscribe(nwid sdk.NetworkID, group sdk.MAC, adi uint32) sdk.ResultCode {
    e.mu.Lock()
    defer e.mu.Unlock()
    if _, ok := e.networks[nwid]; !ok {
        return sdk.ResultErrorNetworkNotFound
    }
    g := sdk.MulticastGroup{MAC: group, ADI: adi}
    for _, have := range e.groups[nwid] {
        if have == g {
            return sdk.ResultOK
        }
    }
    e.groups[nwid] = append(e.groups[nwid], g)
    return sdk.ResultOK
}

func (e *Engine) MulticastUnsubscribe(nwid sdk.NetworkID, group sdk.MAC, adi uint32) sdk.ResultCode {
    e.mu.Lock()
    defer e.mu.Unlock()
    if _, ok := e.networks[nwid]; !ok {
        return sdk.ResultErrorNetworkNotFound
    }
    gs := e.groups[nwid]
    for i, have := range gs {
        if have.MAC == group && have.ADI == adi {
            e.groups[nwid] = append(gs[:i], gs[i+1:]...)
            break
        }
    }
    return sdk.ResultOK
}

func (e *Engine) Orbit(moonWorldID, moonSeed uint64) sdk.ResultCode {
    if moonWorldID == 0 {
        return sdk.ResultErrorBadParameter
    }
    e.mu.Lock()
    e.moons[moonWorldID] = moonSeed
    cb := e.cb
    e.mu.Unlock()
    cb.StatePut(sdk.StateObjectMoon, [2]uint64{moonWorldID}, []byte(fmt.Sprintf("%016x", moonSeed)))
    return sdk.ResultOK
}

func (e *Engine) Deorbit(moonWorldID uint64) sdk.ResultCode {
    e.mu.Lock()
    _, ok := e.moons[moonWorldID]
    delete(e.moons, moonWorldID)
    cb := e.cb
    e.mu.Unlock()
    if !ok {
        return sdk.ResultOKIgnored
    }
    cb.StateDelete(sdk.StateObjectMoon, [2]uint64{moonWorldID})
    return sdk.ResultOK
}

func (e *Engine) Address() sdk.Address { return e.addr }

func (e *Engine) Status() sdk.NodeStatus {
    e.mu.Lock()
    defer e.mu.Unlock()
    return sdk.NodeStatus{
        Address:        e.addr,
        PublicIdentity: e.publicIdentity(),
        SecretIdentity: e.secretIdentity(),
        Online:         e.online,
    }
}

func (e *Engine) NetworkConfig(nwid sdk.NetworkID) (*sdk.VirtualNetworkConfig, bool) {
    e.mu.Lock()
    defer e.mu.Unlock()
    cfg, ok := e.networks[nwid]
    if !ok {
        return nil, false
    }
    out := cfg.Clone()
    out.MulticastSubscriptions = append(out.MulticastSubscriptions, e.groups[nwid]...)
    return out, true
}

func (e *Engine) Networks() []sdk.VirtualNetworkConfig {
    e.mu.Lock()
    defer e.mu.Unlock()
    out := make([]sdk.VirtualNetworkConfig, 0, len(e.networks))
    for _, cfg := range e.networks {
        out = append(out, *cfg.Clone())
    }
    return out
}

// SetPeers replaces the peer list reported by Peers.
func (e *Engine) SetPeers(peers []sdk.Peer) {
    e.mu.Lock()
    e.peers = append([]sdk.Peer(nil), peers...)
    e.mu.Unlock()
}

func (e *Engine) Peers() []sdk.Peer {
    e.mu.Lock()
    defer e.mu.Unlock()
    return append([]sdk.Peer(nil), e.peers...)
}

func (e *Engine) Version() sdk.Version { return sdk.Version{Major: 1, Minor: 14, Revision: 2} }

func (e *Engine) Close() {
    e.mu.Lock()
    e.closed = true
    e.mu.Unlock()
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
    e.mu.Lock()
    defer e.mu.Unlock()
    return e.closed
}

// Packets returns the wire packets received so far.
func (e *Engine) Packets() []WirePacket {
    e.mu.Lock()
    defer e.mu.Unlock()
    return append([]WirePacket(nil), e.packets...)
}

// Frames returns the virtual network frames received so far.
func (e *Engine) Frames() []Frame {
    e.mu.Lock()
    defer e.mu.Unlock()
    return append([]Frame(nil), e.frames...)
}

// Callbacks exposes the bound callbacks so tests can drive them directly.
func (e *Engine) Callbacks() sdk.EngineCallbacks {
    e.mu.Lock()
    defer e.mu.Unlock()
    return e.cb
}
