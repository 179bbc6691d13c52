package sdk

import (
    "errors"
    "net/netip"
    "sort"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"
)

var (
    // ErrMissingListener is returned by NewNode when a mandatory listener is nil.
    ErrMissingListener = errors.New("sdk: missing mandatory listener")
    // ErrNodeClosed is returned by every call on a closed Node.
    ErrNodeClosed = errors.New("sdk: node closed")
)

// Options carries the listeners a Node forwards engine callbacks to.
// PathChecker is optional; everything else is mandatory.
type Options struct {
    DataStoreGet  DataStoreGetListener
    DataStorePut  DataStorePutListener
    PacketSender  PacketSender
    Events        EventListener
    Frames        VirtualNetworkFrameListener
    Configs       VirtualNetworkConfigListener
    PathChecker   PathChecker

    // Now is the creation time handed to the engine (defaults to time.Now).
    Now time.Time
    // Logger defaults to zap.L().
    Logger *zap.Logger
}

func (o *Options) validate() error {
    switch {
    case o.DataStoreGet == nil:
        return missing("DataStoreGet")
    case o.DataStorePut == nil:
        return missing("DataStorePut")
    case o.PacketSender == nil:
        return missing("PacketSender")
    case o.Events == nil:
        return missing("Events")
    case o.Frames == nil:
        return missing("Frames")
    case o.Configs == nil:
        return missing("Configs")
    }
    return nil
}

func missing(name string) error { return &listenerError{name: name} }

type listenerError struct{ name string }

func (e *listenerError) Error() string { return ErrMissingListener.Error() + ": " + e.name }
func (e *listenerError) Unwrap() error { return ErrMissingListener }

// Node is a thin façade over an Engine. All calls are safe for concurrent
// use. Listener callbacks run on the goroutine that called into the engine
// and must not call Close.
type Node struct {
    mu     sync.RWMutex
    engine Engine
    closed bool

    opts   Options
    log    *zap.Logger
    online atomic.Bool
}

// NewNode validates the listeners and creates the engine through factory.
func NewNode(factory EngineFactory, opts Options) (*Node, error) {
    if factory == nil {
        return nil, errors.New("sdk: nil engine factory")
    }
    if err := opts.validate(); err != nil {
        return nil, err
    }
    if opts.Now.IsZero() {
        opts.Now = time.Now()
    }
    n := &Node{opts: opts, log: opts.Logger}
    if n.log == nil {
        n.log = zap.L()
    }
    n.log = n.log.Named("node")

    eng, rc := factory(opts.Now.UnixMilli(), n.callbacks())
    if !rc.IsOK() {
        n.log.Error("engine init failed", zap.Stringer("rc", rc))
        return nil, resultErr("init", rc)
    }
    if eng == nil {
        return nil, resultErr("init", ResultFatalErrorInternal)
    }
    n.engine = eng
    n.log.Info("node initialized", zap.Stringer("address", eng.Address()))
    return n, nil
}

func toMillis(t time.Time) int64 {
    if t.IsZero() {
        t = time.Now()
    }
    return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// check logs a non-OK code and converts it to an error.
func (n *Node) check(op string, rc ResultCode, fields ...zap.Field) error {
    if rc.IsOK() {
        return nil
    }
    fields = append(fields, zap.String("op", op), zap.Stringer("rc", rc))
    if rc.IsFatal() {
        n.log.Error("engine call failed", fields...)
    } else {
        n.log.Warn("engine call failed", fields...)
    }
    return resultErr(op, rc)
}

// ProcessWirePacket hands a packet received on a physical socket to the engine.
func (n *Node) ProcessWirePacket(now time.Time, localSocket int64, remote netip.AddrPort, packet []byte) (time.Time, error) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if n.closed {
        return time.Time{}, ErrNodeClosed
    }
    if len(packet) == 0 {
        return time.Time{}, n.check("processWirePacket", ResultFatalErrorInternal, zap.String("reason", "empty packet"))
    }
    if !remote.IsValid() {
        return time.Time{}, n.check("processWirePacket", ResultErrorBadParameter, zap.String("reason", "invalid remote address"))
    }
    next, rc := n.engine.ProcessWirePacket(toMillis(now), localSocket, remote, packet)
    return fromMillis(next), n.check("processWirePacket", rc, zap.Stringer("remote", remote))
}

// ProcessVirtualNetworkFrame hands a frame read from a local port to the engine.
func (n *Node) ProcessVirtualNetworkFrame(now time.Time, nwid NetworkID, src, dst MAC, etherType, vlanID uint16, frame []byte) (time.Time, error) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if n.closed {
        return time.Time{}, ErrNodeClosed
    }
    if len(frame) > MaxMTU {
        return time.Time{}, n.check("processVirtualNetworkFrame", ResultErrorBadParameter, zap.Int("len", len(frame)))
    }
    next, rc := n.engine.ProcessVirtualNetworkFrame(toMillis(now), nwid, src, dst, etherType, vlanID, frame)
    return fromMillis(next), n.check("processVirtualNetworkFrame", rc, zap.Stringer("nwid", nwid))
}

// ProcessBackgroundTasks runs periodic engine work and returns when it
// should be called next.
func (n *Node) ProcessBackgroundTasks(now time.Time) (time.Time, error) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if n.closed {
        return time.Time{}, ErrNodeClosed
    }
    next, rc := n.engine.ProcessBackgroundTasks(toMillis(now))
    return fromMillis(next), n.check("processBackgroundTasks", rc)
}

// do runs a simple engine call under the read lock.
func (n *Node) do(op string, fn func(Engine) ResultCode, fields ...zap.Field) error {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if n.closed {
        return ErrNodeClosed
    }
    return n.check(op, fn(n.engine), fields...)
}

func (n *Node) Join(nwid NetworkID) error {
    return n.do("join", func(e Engine) ResultCode { return e.Join(nwid) }, zap.Stringer("nwid", nwid))
}

func (n *Node) Leave(nwid NetworkID) error {
    return n.do("leave", func(e Engine) ResultCode { return e.Leave(nwid) }, zap.Stringer("nwid", nwid))
}

func (n *Node) MulticastSubscribe(nwid NetworkID, group MAC, adi uint32) error {
    return n.do("multicastSubscribe", func(e Engine) ResultCode { return e.MulticastSubscribe(nwid, group, adi) },
        zap.Stringer("nwid", nwid), zap.Stringer("group", group))
}

func (n *Node) MulticastUnsubscribe(nwid NetworkID, group MAC, adi uint32) error {
    return n.do("multicastUnsubscribe", func(e Engine) ResultCode { return e.MulticastUnsubscribe(nwid, group, adi) },
        zap.Stringer("nwid", nwid), zap.Stringer("group", group))
}

// Orbit adds a moon; moonSeed may be zero when the moon is already known.
func (n *Node) Orbit(moonWorldID, moonSeed uint64) error {
    return n.do("orbit", func(e Engine) ResultCode { return e.Orbit(moonWorldID, moonSeed) })
}

func (n *Node) Deorbit(moonWorldID uint64) error {
    return n.do("deorbit", func(e Engine) ResultCode { return e.Deorbit(moonWorldID) })
}

func (n *Node) Address() (Address, error) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if n.closed {
        return 0, ErrNodeClosed
    }
    return n.engine.Address(), nil
}

// Status reports the engine's view of the node. Online there may lag the
// last connectivity event, see Online.
func (n *Node) Status() (NodeStatus, error) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if n.closed {
        return NodeStatus{}, ErrNodeClosed
    }
    return n.engine.Status(), nil
}

// NetworkConfig returns the current config of a joined network.
func (n *Node) NetworkConfig(nwid NetworkID) (*VirtualNetworkConfig, error) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if n.closed {
        return nil, ErrNodeClosed
    }
    cfg, ok := n.engine.NetworkConfig(nwid)
    if !ok || cfg == nil {
        return nil, resultErr("networkConfig", ResultErrorNetworkNotFound)
    }
    return cfg.Clone(), nil
}

// Networks returns the joined networks ordered by network ID.
func (n *Node) Networks() ([]VirtualNetworkConfig, error) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if n.closed {
        return nil, ErrNodeClosed
    }
    nets := n.engine.Networks()
    sort.Slice(nets, func(i, j int) bool { return nets[i].NetworkID < nets[j].NetworkID })
    return nets, nil
}

// Peers returns the known peers ordered by address.
func (n *Node) Peers() ([]Peer, error) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if n.closed {
        return nil, ErrNodeClosed
    }
    peers := n.engine.Peers()
    sort.Slice(peers, func(i, j int) bool { return peers[i].Address < peers[j].Address })
    return peers, nil
}

func (n *Node) Version() (Version, error) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if n.closed {
        return Version{}, ErrNodeClosed
    }
    return n.engine.Version(), nil
}

// Online reports whether the last connectivity event was ONLINE.
func (n *Node) Online() bool { return n.online.Load() }

// Close releases the engine. It is safe to call more than once.
func (n *Node) Close() error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.closed {
        return nil
    }
    n.closed = true
    n.engine.Close()
    n.log.Info("node closed")
    return nil
}
