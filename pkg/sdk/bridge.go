package sdk

import (
    "errors"
    "net/netip"

    "go.uber.org/zap"
)

// Internal codes returned to the engine when the binding itself fails,
// kept apart from the listener codes (-1, -2).
const (
    codeUnknownObject = -100
    codeNoBuffer      = -101
    codeNoConfig      = -102
)

func (n *Node) callbacks() EngineCallbacks {
    return EngineCallbacks{
        StateGet:             n.stateGet,
        StatePut:             n.statePut,
        StateDelete:          n.stateDelete,
        WirePacketSend:       n.wirePacketSend,
        VirtualNetworkFrame:  n.virtualNetworkFrame,
        VirtualNetworkConfig: n.virtualNetworkConfig,
        Event:                n.event,
        PathCheck:            n.pathCheck,
        PathLookup:           n.pathLookup,
    }
}

func (n *Node) stateGet(t StateObjectType, id [2]uint64, buf []byte, offset int64) (int, int64) {
    name, _, err := StateObjectName(t, id)
    if err != nil {
        n.log.Warn("state get: unknown object", zap.Stringer("type", t))
        return codeUnknownObject, 0
    }
    if len(buf) == 0 {
        return codeNoBuffer, 0
    }
    read, size, err := n.opts.DataStoreGet.OnDataStoreGet(name, buf, offset)
    switch {
    case errors.Is(err, ErrObjectNotFound):
        return DataStoreGetNotFound, 0
    case err != nil:
        n.log.Warn("state get failed", zap.String("name", name), zap.Error(err))
        return DataStoreGetError, 0
    }
    return read, size
}

func (n *Node) statePut(t StateObjectType, id [2]uint64, data []byte) int {
    name, secure, err := StateObjectName(t, id)
    if err != nil {
        n.log.Warn("state put: unknown object", zap.Stringer("type", t))
        return codeUnknownObject
    }
    if err := n.opts.DataStorePut.OnDataStorePut(name, data, secure); err != nil {
        n.log.Warn("state put failed", zap.String("name", name), zap.Error(err))
        return Errno(err)
    }
    return 0
}

func (n *Node) stateDelete(t StateObjectType, id [2]uint64) int {
    name, _, err := StateObjectName(t, id)
    if err != nil {
        return codeUnknownObject
    }
    if err := n.opts.DataStorePut.OnDelete(name); err != nil {
        n.log.Warn("state delete failed", zap.String("name", name), zap.Error(err))
        return Errno(err)
    }
    return 0
}

func (n *Node) wirePacketSend(localSocket int64, remote netip.AddrPort, data []byte, ttl int) int {
    if err := n.opts.PacketSender.OnSendPacketRequested(localSocket, remote, data, ttl); err != nil {
        n.log.Debug("send failed", zap.Int64("socket", localSocket), zap.Stringer("remote", remote), zap.Error(err))
        return Errno(err)
    }
    return 0
}

func (n *Node) virtualNetworkFrame(nwid NetworkID, src, dst MAC, etherType, vlanID uint16, frame []byte) {
    n.opts.Frames.OnVirtualNetworkFrame(nwid, src, dst, etherType, vlanID, frame)
}

func (n *Node) virtualNetworkConfig(nwid NetworkID, op VirtualNetworkConfigOperation, cfg *VirtualNetworkConfig) int {
    if cfg == nil && (op == ConfigOperationUp || op == ConfigOperationConfigUpdate) {
        n.log.Error("network config missing", zap.Stringer("nwid", nwid), zap.Stringer("op", op))
        return codeNoConfig
    }
    if cfg != nil {
        cfg = cfg.Clone()
        cfg.Normalize()
    }
    if err := n.opts.Configs.OnNetworkConfigurationUpdated(nwid, op, cfg); err != nil {
        n.log.Warn("network config rejected", zap.Stringer("nwid", nwid), zap.Stringer("op", op), zap.Error(err))
        code := Errno(err)
        if code > 0 {
            code = -code
        }
        return code
    }
    return 0
}

func (n *Node) event(ev Event, data []byte) {
    switch ev {
    case EventOnline:
        n.online.Store(true)
    case EventOffline, EventDown:
        n.online.Store(false)
    case EventTrace:
        if len(data) > 0 {
            n.opts.Events.OnTrace(string(data))
        }
        return
    case EventUserMessage, EventRemoteTrace:
        n.log.Debug("event ignored", zap.Stringer("event", ev))
        return
    }
    n.opts.Events.OnEvent(ev)
}

func (n *Node) pathCheck(address Address, localSocket int64, remote netip.AddrPort) bool {
    if n.opts.PathChecker == nil {
        return true
    }
    return n.opts.PathChecker.OnPathCheck(address, localSocket, remote)
}

func (n *Node) pathLookup(address Address, family int) (netip.AddrPort, bool) {
    if n.opts.PathChecker == nil {
        return netip.AddrPort{}, false
    }
    ap, ok := n.opts.PathChecker.OnPathLookup(address, family)
    if !ok || !ap.IsValid() {
        return netip.AddrPort{}, false
    }
    return ap, true
}
