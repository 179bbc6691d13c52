// Package service is the reference host for a Node: it owns the physical
// sockets, the data store, one port device per joined network, and drives
// the engine's packet, frame and background task entry points.
package service

import (
    "context"
    "errors"
    "fmt"
    "io"
    "net/netip"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/codec"
    "github.com/zerotier/ZeroTierOne/pkg/config"
    "github.com/zerotier/ZeroTierOne/pkg/core/native"
    "github.com/zerotier/ZeroTierOne/pkg/datastore"
    "github.com/zerotier/ZeroTierOne/pkg/sdk"
    "github.com/zerotier/ZeroTierOne/pkg/tap"
    "github.com/zerotier/ZeroTierOne/pkg/transport"
    "github.com/zerotier/ZeroTierOne/pkg/transport/udp"
)

// ErrIdentityCollision terminates the service when another node claims our address.
var ErrIdentityCollision = errors.New("service: identity collision")

// Options injects collaborators. Zero values select the defaults derived
// from the configuration.
type Options struct {
    // Factory creates the engine; nil uses the native core.
    Factory sdk.EngineFactory
    // Store overrides the configured data store.
    Store datastore.Store
    // TAP opens port devices; nil uses kernel TAP devices when tap.enable
    // is set and discarding devices otherwise.
    TAP tap.Factory
    // Now is the clock, time.Now when nil.
    Now func() time.Time
}

// Service runs one node.
type Service struct {
    cfg   *config.Config
    log   *zap.Logger
    now   func() time.Time
    store datastore.Store
    node  *sdk.Node
    codec codec.Codec

    codecs *codec.Registry
    api    *controlAPI

    sockets *transport.Manager
    paths   *pathPolicy
    managed managedPolicy
    relay   *relayState
    openTAP tap.Factory
    version sdk.Version

    mu   sync.Mutex
    nets map[sdk.NetworkID]*network

    // wakes the background loop for a multicast sync
    kick chan struct{}

    // millisecond timestamps
    nextDeadline atomic.Int64
    lastDirect   atomic.Int64
    started      time.Time

    ctx    context.Context
    cancel context.CancelCauseFunc
    wg     sync.WaitGroup

    runOnce   sync.Once
    closeOnce sync.Once
}

// New binds the sockets and the control API, opens the data store and
// creates the node.
func New(cfg *config.Config, opts Options) (*Service, error) {
    if cfg == nil {
        return nil, errors.New("service: nil config")
    }
    s := &Service{
        cfg:     cfg,
        log:     zap.L().Named("service"),
        now:     opts.Now,
        sockets: transport.NewManager(),
        openTAP: opts.TAP,
        managed: newManagedPolicy(cfg.TAP),
        nets:    make(map[sdk.NetworkID]*network),
        kick:    make(chan struct{}, 1),
    }
    if s.now == nil {
        s.now = time.Now
    }
    s.started = s.now()
    s.ctx, s.cancel = context.WithCancelCause(context.Background())

    reg, err := codec.NewRegistry()
    if err != nil {
        return nil, err
    }
    if s.codec, err = reg.Lookup(cfg.Status.Format); err != nil {
        return nil, err
    }
    s.codecs = reg

    s.paths, err = newPathPolicy(cfg, s.assignedPrefixes)
    if err != nil {
        return nil, err
    }
    if cfg.TCPRelay.Enable {
        addr, err := netip.ParseAddrPort(cfg.TCPRelay.Address)
        if err != nil {
            return nil, fmt.Errorf("service: tcp relay address: %w", err)
        }
        s.relay = &relayState{addr: addr, after: cfg.TCPRelay.After, dialTimeout: cfg.TCPRelay.DialTimeout}
    }
    if s.openTAP == nil {
        if cfg.TAP.Enable {
            s.openTAP = tap.OpenTAP
        } else {
            s.openTAP = tap.MemoryFactory(true)
        }
    }

    s.store = opts.Store
    if s.store == nil {
        if s.store, err = openStore(cfg); err != nil {
            return nil, err
        }
    }

    if err := s.bind(); err != nil {
        s.closeStore()
        return nil, err
    }

    factory := opts.Factory
    if factory == nil {
        if factory, err = native.Factory(); err != nil {
            s.teardown()
            return nil, err
        }
    }
    s.node, err = sdk.NewNode(factory, sdk.Options{
        DataStoreGet: s.store,
        DataStorePut: s.store,
        PacketSender: s,
        Events:       s,
        Frames:       s,
        Configs:      s,
        PathChecker:  s.paths,
        Now:          s.now(),
    })
    if err != nil {
        s.teardown()
        return nil, err
    }
    if err := s.listenAPI(); err != nil {
        _ = s.node.Close()
        s.teardown()
        return nil, err
    }
    s.version, _ = s.node.Version()
    addr, _ := s.node.Address()
    s.log.Info("service created",
        zap.Stringer("address", addr),
        zap.Stringer("version", s.version),
        zap.Int("sockets", len(s.sockets.IDs())))
    return s, nil
}

func openStore(cfg *config.Config) (datastore.Store, error) {
    switch cfg.DataStore.Kind {
    case "memory":
        return datastore.NewMemory(0), nil
    default:
        return datastore.NewFS(cfg.Home, cfg.DataStore.CacheTTL)
    }
}

// bind opens the UDP sockets: each port on each bind address. With no bind
// addresses the IPv4 and IPv6 wildcards are used. A failing IPv6 bind is
// tolerated as long as some socket is open.
func (s *Service) bind() error {
    binds := s.cfg.Ports.Bind
    wildcard := len(binds) == 0
    if wildcard {
        binds = []string{"0.0.0.0", "::"}
    }
    ports := []int{s.cfg.Ports.Primary}
    if s.cfg.Ports.Secondary != 0 {
        ports = append(ports, s.cfg.Ports.Secondary)
    }
    for _, port := range ports {
        for _, b := range binds {
            ip, err := netip.ParseAddr(b)
            if err != nil {
                return fmt.Errorf("service: bind address %q: %w", b, err)
            }
            sock, err := udp.Listen(netip.AddrPortFrom(ip, uint16(port)))
            if err != nil {
                if wildcard && ip.Is6() {
                    s.log.Warn("ipv6 bind failed", zap.Int("port", port), zap.Error(err))
                    continue
                }
                _ = s.sockets.CloseAll()
                return err
            }
            if port == 0 {
                // pin a random primary port so every address shares it
                port = int(sock.LocalAddr().Port())
            }
            id := s.sockets.Add(sock)
            s.log.Info("socket bound", zap.Int64("id", id), zap.Stringer("addr", sock.LocalAddr()))
        }
    }
    if s.sockets.Len(transport.KindUDP) == 0 {
        return errors.New("service: no UDP socket could be bound")
    }
    return nil
}

// Node returns the underlying node.
func (s *Service) Node() *sdk.Node { return s.node }

// Join joins a network at runtime.
func (s *Service) Join(nwid sdk.NetworkID) error { return s.node.Join(nwid) }

// Leave leaves a network at runtime.
func (s *Service) Leave(nwid sdk.NetworkID) error { return s.node.Leave(nwid) }

func (s *Service) Orbit(moonWorldID, moonSeed uint64) error { return s.node.Orbit(moonWorldID, moonSeed) }

func (s *Service) Deorbit(moonWorldID uint64) error { return s.node.Deorbit(moonWorldID) }

// Run joins the configured and previously joined networks, starts the
// socket, background and status loops and blocks until ctx is done or a
// fatal engine error occurs. The fatal error is returned. Run closes the
// service before returning.
func (s *Service) Run(ctx context.Context) error {
    started := false
    s.runOnce.Do(func() { started = true })
    if !started {
        return errors.New("service: already running")
    }
    defer s.Close()

    s.rejoin()

    for _, id := range s.sockets.IDs() {
        if sock, ok := s.sockets.Get(id); ok {
            s.spawn(func() { s.receive(id, sock) })
        }
    }
    s.spawn(s.background)
    if s.api != nil {
        s.spawn(s.serveAPI)
    }
    if s.cfg.Status.Interval > 0 {
        s.spawn(s.statusLoop)
    }
    s.log.Info("service running")

    select {
    case <-ctx.Done():
        s.cancel(ctx.Err())
        s.log.Info("service stopping", zap.Error(ctx.Err()))
        return nil
    case <-s.ctx.Done():
        err := context.Cause(s.ctx)
        if errors.Is(err, context.Canceled) {
            return nil
        }
        s.log.Error("service terminated", zap.Error(err))
        return err
    }
}

func (s *Service) spawn(fn func()) {
    s.wg.Add(1)
    go func() {
        defer s.wg.Done()
        fn()
    }()
}

// fail stops the service with err.
func (s *Service) fail(err error) { s.cancel(err) }

// checkErr terminates on fatal engine results.
func (s *Service) checkErr(op string, err error) {
    if err == nil {
        return
    }
    if sdk.IsFatal(err) {
        s.fail(fmt.Errorf("%s: %w", op, err))
    }
}

// rejoin joins the configured networks and those with cached configs.
func (s *Service) rejoin() {
    want := make(map[sdk.NetworkID]struct{})
    for _, n := range s.cfg.Networks {
        nwid, err := sdk.ParseNetworkID(n)
        if err != nil {
            s.log.Warn("ignoring network", zap.String("nwid", n), zap.Error(err))
            continue
        }
        want[nwid] = struct{}{}
    }
    names, err := s.store.List("networks.d/")
    if err != nil {
        s.log.Warn("list cached networks", zap.Error(err))
    }
    for _, name := range names {
        if nwid, ok := datastore.NetworkIDFromName(name); ok {
            want[nwid] = struct{}{}
        }
    }
    for nwid := range want {
        if err := s.node.Join(nwid); err != nil {
            s.log.Warn("join failed", zap.Stringer("nwid", nwid), zap.Error(err))
            s.checkErr("join", err)
        }
    }
}

func (s *Service) setDeadline(t time.Time) {
    if !t.IsZero() {
        s.nextDeadline.Store(t.UnixMilli())
    }
}

// background calls ProcessBackgroundTasks whenever its deadline passes,
// syncs port multicast groups and closes the TCP relay once direct traffic
// is back.
func (s *Service) background() {
    timer := time.NewTimer(0)
    defer timer.Stop()
    var lastScan time.Time
    for {
        kicked := false
        select {
        case <-s.ctx.Done():
            return
        case <-timer.C:
        case <-s.kick:
            kicked = true
            if !timer.Stop() {
                <-timer.C
            }
        }
        now := s.now()
        if now.UnixMilli() >= s.nextDeadline.Load() {
            next, err := s.node.ProcessBackgroundTasks(now)
            s.setDeadline(next)
            s.checkErr("processBackgroundTasks", err)
        }
        if kicked || now.Sub(lastScan) >= s.cfg.TAP.MulticastScan {
            s.syncMulticast()
            lastScan = now
        }
        s.relayHousekeeping(now)

        wait := time.Duration(s.nextDeadline.Load()-s.now().UnixMilli()) * time.Millisecond
        if wait <= 0 {
            wait = time.Millisecond
        }
        if wait > s.cfg.PollTimeout {
            wait = s.cfg.PollTimeout
        }
        timer.Reset(wait)
    }
}

// Close stops all loops, writes a final status snapshot and releases the
// node, sockets, devices and store.
// It is safe to call more than once.
func (s *Service) Close() error {
    var err error
    s.closeOnce.Do(func() {
        s.cancel(context.Canceled)
        s.closeAPI()
        sockErr := s.sockets.CloseAll()

        s.mu.Lock()
        nets := s.nets
        s.nets = make(map[sdk.NetworkID]*network)
        s.mu.Unlock()
        for _, n := range nets {
            n.close()
        }

        s.wg.Wait()
        s.writeStatusFile()
        nodeErr := s.node.Close()
        err = errors.Join(sockErr, nodeErr, s.closeStore())
        s.log.Info("service closed")
    })
    return err
}

// teardown undoes a partially constructed service.
func (s *Service) teardown() {
    s.cancel(context.Canceled)
    _ = s.sockets.CloseAll()
    s.closeStore()
}

func (s *Service) closeStore() error {
    if c, ok := s.store.(io.Closer); ok {
        return c.Close()
    }
    return nil
}
