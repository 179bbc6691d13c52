package service

import (
    "bytes"
    "context"
    "net"
    "net/netip"
    "os"
    "slices"
    "sync/atomic"
    "syscall"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/zerotier/ZeroTierOne/pkg/codec"
    "github.com/zerotier/ZeroTierOne/pkg/config"
    "github.com/zerotier/ZeroTierOne/pkg/datastore"
    "github.com/zerotier/ZeroTierOne/pkg/sdk"
    "github.com/zerotier/ZeroTierOne/pkg/sdk/sdktest"
    "github.com/zerotier/ZeroTierOne/pkg/tap"
    "github.com/zerotier/ZeroTierOne/pkg/transport/tcp"
)

const (
    nodeAddr = sdk.Address(0x89e92ceee5)
    nwidA    = sdk.NetworkID(0x8056c2e21c000001)
    nwidB    = sdk.NetworkID(0x8056c2e21c000002)
)

type harness struct {
    svc    *Service
    engine *sdktest.Engine
    store  *datastore.Memory
}

func testConfig(t *testing.T) *config.Config {
    cfg := config.Default()
    cfg.Home = t.TempDir()
    cfg.Ports = config.PortsConfig{Primary: 0, Bind: []string{"127.0.0.1"}}
    cfg.PollTimeout = 20 * time.Millisecond
    cfg.DataStore.Kind = "memory"
    cfg.Status.Interval = 0
    cfg.TAP.MulticastScan = 20 * time.Millisecond
    return cfg
}

func newHarness(t *testing.T, cfg *config.Config, now func() time.Time) *harness {
    t.Helper()
    h := &harness{engine: sdktest.New(nodeAddr), store: datastore.NewMemory(0)}
    svc, err := New(cfg, Options{
        Factory: h.engine.Factory(),
        Store:   h.store,
        TAP:     tap.MemoryFactory(false),
        Now:     now,
    })
    require.NoError(t, err)
    h.svc = svc
    t.Cleanup(func() { _ = svc.Close() })
    return h
}

// start runs the service and returns a stop function yielding Run's result.
func start(t *testing.T, s *Service) func() error {
    ctx, cancel := context.WithCancel(context.Background())
    done := make(chan error, 1)
    go func() { done <- s.Run(ctx) }()
    return func() error {
        cancel()
        select {
        case err := <-done:
            return err
        case <-time.After(5 * time.Second):
            t.Fatal("Run did not return")
            return nil
        }
    }
}

func (h *harness) localAddr(t *testing.T) netip.AddrPort {
    st, err := h.svc.Status()
    require.NoError(t, err)
    require.NotEmpty(t, st.Sockets)
    return st.Sockets[0].Local
}

func TestRunJoinsNetworksAndGoesOnline(t *testing.T) {
    cfg := testConfig(t)
    cfg.Networks = []string{nwidA.String()}
    h := newHarness(t, cfg, nil)
    require.NoError(t, h.store.OnDataStorePut("networks.d/"+nwidB.String()+".conf", []byte("cached"), false))

    // identity was created through the data store
    _, size, err := h.store.OnDataStoreGet("identity.secret", make([]byte, 1), 0)
    require.NoError(t, err)
    require.NotZero(t, size)
    require.True(t, h.store.IsSecure("identity.secret"))

    stop := start(t, h.svc)
    require.Eventually(t, func() bool {
        return len(h.svc.Networks()) == 2 && h.svc.Node().Online()
    }, 3*time.Second, 10*time.Millisecond)
    require.Equal(t, []sdk.NetworkID{nwidA, nwidB}, h.svc.Networks())

    dev, ok := h.svc.Device(nwidA)
    require.True(t, ok)
    require.Equal(t, tap.DeviceName("zt", nwidA), dev.Name())

    require.NoError(t, stop())
    require.True(t, h.engine.Closed())
}

func TestRunTwice(t *testing.T) {
    h := newHarness(t, testConfig(t), nil)
    stop := start(t, h.svc)
    time.Sleep(20 * time.Millisecond)
    require.Error(t, h.svc.Run(context.Background()))
    require.NoError(t, stop())
}

func TestWirePacketEcho(t *testing.T) {
    h := newHarness(t, testConfig(t), nil)
    h.engine.Echo = true
    stop := start(t, h.svc)
    defer stop()

    client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
    require.NoError(t, err)
    defer client.Close()

    payload := bytes.Repeat([]byte{0x5a}, 32)
    _, err = client.WriteToUDPAddrPort(payload, h.localAddr(t))
    require.NoError(t, err)

    require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
    buf := make([]byte, 128)
    n, _, err := client.ReadFromUDPAddrPort(buf)
    require.NoError(t, err)
    require.Equal(t, payload, buf[:n])

    pkts := h.engine.Packets()
    require.Len(t, pkts, 1)
    require.Equal(t, int64(1), pkts[0].LocalSocket)
    from := client.LocalAddr().(*net.UDPAddr).AddrPort()
    require.Equal(t, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), pkts[0].Remote)
}

func TestEmptyDatagramIsDropped(t *testing.T) {
    h := newHarness(t, testConfig(t), nil)
    h.engine.Echo = true
    stop := start(t, h.svc)
    defer stop()

    client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
    require.NoError(t, err)
    defer client.Close()

    _, err = client.WriteToUDPAddrPort(nil, h.localAddr(t))
    require.NoError(t, err)
    payload := bytes.Repeat([]byte{0x3c}, 24)
    _, err = client.WriteToUDPAddrPort(payload, h.localAddr(t))
    require.NoError(t, err)

    require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
    buf := make([]byte, 128)
    n, _, err := client.ReadFromUDPAddrPort(buf)
    require.NoError(t, err)
    require.Equal(t, payload, buf[:n])

    require.NoError(t, h.svc.ctx.Err())
    pkts := h.engine.Packets()
    require.Len(t, pkts, 1)
    require.Equal(t, payload, pkts[0].Data)
}

func TestFramesFlowBothWays(t *testing.T) {
    h := newHarness(t, testConfig(t), nil)
    stop := start(t, h.svc)
    defer stop()

    require.NoError(t, h.svc.Join(nwidA))
    dev, ok := h.svc.Device(nwidA)
    require.True(t, ok)
    mem := dev.(*tap.Memory)

    src, dst := sdk.MAC(0x32aabbccddee), sdk.MAC(0x32aabbccdd01)
    payload := bytes.Repeat([]byte{0x45}, 64)
    frame, err := tap.EncodeEthernet(src, dst, 0x0800, 7, payload)
    require.NoError(t, err)
    require.NoError(t, mem.Inject(frame))

    require.Eventually(t, func() bool { return len(h.engine.Frames()) == 1 }, 3*time.Second, 10*time.Millisecond)
    got := h.engine.Frames()[0]
    require.Equal(t, nwidA, got.NetworkID)
    require.Equal(t, src, got.Src)
    require.Equal(t, dst, got.Dst)
    require.Equal(t, uint16(0x0800), got.EtherType)
    require.Equal(t, uint16(7), got.VLAN)
    require.Equal(t, payload, got.Data)

    h.engine.Callbacks().VirtualNetworkFrame(nwidA, dst, src, 0x86dd, 0, payload)
    written := mem.Written()
    require.Len(t, written, 1)
    f, err := tap.DecodeEthernet(written[0])
    require.NoError(t, err)
    require.Equal(t, dst, f.Src)
    require.Equal(t, src, f.Dst)
    require.Equal(t, uint16(0x86dd), f.EtherType)
}

func TestConfigRevisionsAndDestroy(t *testing.T) {
    h := newHarness(t, testConfig(t), nil)
    require.NoError(t, h.svc.Join(nwidA))

    cfg, err := h.svc.Node().NetworkConfig(nwidA)
    require.NoError(t, err)
    cfg.Name = "earth"
    cfg.Status = sdk.NetworkStatusOK
    cfg.NetconfRevision = 5
    cfg.AssignedAddresses = []netip.Prefix{netip.MustParsePrefix("10.147.17.5/24")}
    require.Equal(t, sdk.ResultOK, h.engine.UpdateConfig(cfg))

    stale := cfg.Clone()
    stale.Name = "old"
    stale.NetconfRevision = 3
    require.Zero(t, h.engine.Callbacks().VirtualNetworkConfig(nwidA, sdk.ConfigOperationConfigUpdate, stale))

    h.svc.mu.Lock()
    cur := h.svc.nets[nwidA].cfg
    h.svc.mu.Unlock()
    require.Equal(t, "earth", cur.Name)
    require.Equal(t, uint64(5), cur.NetconfRevision)

    // paths into our own virtual network are refused
    require.False(t, h.svc.paths.OnPathCheck(0x1122334455, -1, netip.MustParseAddrPort("10.147.17.9:9993")))

    name := "networks.d/" + nwidA.String() + ".conf"
    _, _, err = h.store.OnDataStoreGet(name, make([]byte, 64), 0)
    require.NoError(t, err)

    require.NoError(t, h.svc.Leave(nwidA))
    require.Empty(t, h.svc.Networks())
    _, _, err = h.store.OnDataStoreGet(name, make([]byte, 64), 0)
    require.ErrorIs(t, err, sdk.ErrObjectNotFound)
}

func TestManagedPortState(t *testing.T) {
    h := newHarness(t, testConfig(t), nil)
    stop := start(t, h.svc)
    defer stop()

    require.NoError(t, h.svc.Join(nwidA))
    dev, ok := h.svc.Device(nwidA)
    require.True(t, ok)
    mem := dev.(*tap.Memory)

    cfg, err := h.svc.Node().NetworkConfig(nwidA)
    require.NoError(t, err)
    pc, n := mem.Port()
    require.Equal(t, 1, n)
    require.Equal(t, cfg.MAC, pc.MAC)
    require.Equal(t, sdk.DefaultMTU, pc.MTU)
    require.Empty(t, pc.Addresses)

    gw := netip.MustParseAddr("10.147.17.1")
    cfg.NetconfRevision = 2
    cfg.MTU = 1400
    cfg.AssignedAddresses = []netip.Prefix{
        netip.MustParsePrefix("10.147.17.5/24"),
        netip.MustParsePrefix("fd80:56c2:e21c::1:2:3/88"),
        netip.MustParsePrefix("8.8.4.4/32"),
    }
    cfg.Routes = []sdk.VirtualNetworkRoute{
        {Target: netip.MustParsePrefix("10.147.17.0/24")},
        {Target: netip.MustParsePrefix("10.0.0.0/8"), Via: gw, Metric: 5},
        {Target: netip.MustParsePrefix("0.0.0.0/0"), Via: gw},
        {Target: netip.MustParsePrefix("1.1.1.0/24"), Via: gw},
        {Target: netip.MustParsePrefix("172.16.0.0/12"), Via: netip.MustParseAddr("10.147.17.5")},
    }
    require.Equal(t, sdk.ResultOK, h.engine.UpdateConfig(cfg))

    pc, n = mem.Port()
    require.Equal(t, 2, n)
    require.Equal(t, 1400, pc.MTU)
    require.Equal(t, []netip.Prefix{
        netip.MustParsePrefix("10.147.17.5/24"),
        netip.MustParsePrefix("fd80:56c2:e21c::1:2:3/88"),
    }, pc.Addresses)
    require.Equal(t, []tap.Route{{
        Target: netip.MustParsePrefix("10.0.0.0/8"),
        Via:    gw,
        Src:    netip.MustParseAddr("10.147.17.5"),
        Metric: 5,
    }}, pc.Routes)

    subscribed := func(want ...sdk.MulticastGroup) func() bool {
        return func() bool {
            c, err := h.svc.Node().NetworkConfig(nwidA)
            if err != nil || len(c.MulticastSubscriptions) != len(want) {
                return false
            }
            for _, g := range want {
                if !slices.Contains(c.MulticastSubscriptions, g) {
                    return false
                }
            }
            return true
        }
    }
    arp := sdk.MulticastGroup{MAC: 0xffffffffffff, ADI: 0x0a931105}
    nd := sdk.MulticastGroup{MAC: 0x3333ff020003}
    require.Eventually(t, subscribed(arp, nd), 3*time.Second, 10*time.Millisecond)

    mdns := sdk.MulticastGroup{MAC: 0x01005e0000fb}
    mem.JoinGroup(mdns.MAC)
    require.Eventually(t, subscribed(arp, nd, mdns), 3*time.Second, 10*time.Millisecond)
    mem.LeaveGroup(mdns.MAC)
    require.Eventually(t, subscribed(arp, nd), 3*time.Second, 10*time.Millisecond)
}

func TestManagedPolicy(t *testing.T) {
    p := managedPolicy{allowManaged: true}
    require.True(t, p.allowed(netip.MustParsePrefix("10.147.17.0/24")))
    require.True(t, p.allowed(netip.MustParsePrefix("fd00::/8")))
    require.False(t, p.allowed(netip.MustParsePrefix("0.0.0.0/0")))
    require.False(t, p.allowed(netip.MustParsePrefix("8.8.8.0/24")))
    require.False(t, p.allowed(netip.MustParsePrefix("127.0.0.0/8")))
    require.False(t, p.allowed(netip.MustParsePrefix("fe80::/64")))
    require.False(t, p.allowed(netip.MustParsePrefix("224.0.0.0/4")))

    p.allowGlobal, p.allowDefault = true, true
    require.True(t, p.allowed(netip.MustParsePrefix("0.0.0.0/0")))
    require.True(t, p.allowed(netip.MustParsePrefix("8.8.8.0/24")))

    require.False(t, managedPolicy{}.allowed(netip.MustParsePrefix("10.0.0.0/8")))

    cfg := &sdk.VirtualNetworkConfig{
        MAC:               0x32aabbccddee,
        MTU:               2800,
        AssignedAddresses: []netip.Prefix{netip.MustParsePrefix("10.147.17.5/24")},
        Routes: []sdk.VirtualNetworkRoute{
            {Target: netip.MustParsePrefix("fd00::/8")},
            {Target: netip.MustParsePrefix("0.0.0.0/0"), Via: netip.MustParseAddr("10.147.17.1")},
        },
    }
    pc := p.plan(cfg)
    require.Equal(t, cfg.AssignedAddresses, pc.Addresses)
    // the IPv6 route has no source address of its family
    require.Equal(t, []tap.Route{{
        Target: netip.MustParsePrefix("0.0.0.0/0"),
        Via:    netip.MustParseAddr("10.147.17.1"),
        Src:    netip.MustParseAddr("10.147.17.5"),
    }}, pc.Routes)
}

func TestPortDeviceFailure(t *testing.T) {
    h := &harness{engine: sdktest.New(nodeAddr), store: datastore.NewMemory(0)}
    svc, err := New(testConfig(t), Options{
        Factory: h.engine.Factory(),
        Store:   h.store,
        TAP: func(string, *sdk.VirtualNetworkConfig) (tap.Device, error) {
            return nil, &os.PathError{Op: "open", Path: "/dev/net/tun", Err: syscall.EACCES}
        },
    })
    require.NoError(t, err)
    defer svc.Close()

    require.NoError(t, svc.Join(nwidA))
    cfg, err := svc.Node().NetworkConfig(nwidA)
    require.NoError(t, err)
    require.Equal(t, sdk.NetworkStatusPortError, cfg.Status)
    require.Equal(t, -int(syscall.EACCES), cfg.PortError)
}

func TestFatalResultStopsService(t *testing.T) {
    h := newHarness(t, testConfig(t), nil)
    h.engine.Fail(sdk.ResultFatalErrorInternal)
    err := h.svc.Run(context.Background())
    require.Error(t, err)
    require.True(t, sdk.IsFatal(err))
    require.Equal(t, sdk.ResultFatalErrorInternal, sdk.CodeOf(err))
}

func TestIdentityCollisionStopsService(t *testing.T) {
    h := newHarness(t, testConfig(t), nil)
    done := make(chan error, 1)
    go func() { done <- h.svc.Run(context.Background()) }()
    time.Sleep(20 * time.Millisecond)
    h.engine.Callbacks().Event(sdk.EventFatalErrorIdentityCollision, nil)
    select {
    case err := <-done:
        require.ErrorIs(t, err, ErrIdentityCollision)
    case <-time.After(5 * time.Second):
        t.Fatal("Run did not return")
    }
}

func TestStatusFile(t *testing.T) {
    cfg := testConfig(t)
    cfg.Status.Interval = 20 * time.Millisecond
    cfg.Status.Format = "cbor"
    cfg.Networks = []string{nwidA.String()}
    h := newHarness(t, cfg, nil)
    stop := start(t, h.svc)

    require.Eventually(t, func() bool {
        _, err := os.Stat(cfg.StatusPath())
        return err == nil
    }, 3*time.Second, 10*time.Millisecond)
    require.NoError(t, stop())

    b, err := os.ReadFile(cfg.StatusPath())
    require.NoError(t, err)
    c, err := codec.CBOR()
    require.NoError(t, err)
    var st map[string]any
    require.NoError(t, c.Unmarshal(b, &st))
    require.Equal(t, nodeAddr.String(), st["address"])
    require.Equal(t, "1.14.2", st["version"])
    nets, ok := st["networks"].([]any)
    require.True(t, ok)
    require.Len(t, nets, 1)
    require.Equal(t, nwidA.String(), nets[0].(map[string]any)["nwid"])
}

func TestPathPolicy(t *testing.T) {
    cfg := testConfig(t)
    cfg.Physical.Blacklist = []string{"192.168.0.0/16"}
    cfg.Virtual = map[string]config.VirtualConfig{
        "89e92ceee5": {
            Try:       []string{"198.51.100.7:9993", "[2001:db8::7]:9993"},
            Blacklist: []string{"203.0.113.0/24"},
        },
    }
    p, err := newPathPolicy(cfg, nil)
    require.NoError(t, err)

    require.False(t, p.OnPathCheck(nodeAddr, -1, netip.MustParseAddrPort("192.168.1.10:9993")))
    require.False(t, p.OnPathCheck(nodeAddr, -1, netip.MustParseAddrPort("203.0.113.4:9993")))
    require.True(t, p.OnPathCheck(0x1122334455, -1, netip.MustParseAddrPort("203.0.113.4:9993")))
    require.True(t, p.OnPathCheck(nodeAddr, -1, netip.MustParseAddrPort("198.51.100.7:9993")))

    v4, ok := p.OnPathLookup(nodeAddr, syscall.AF_INET)
    require.True(t, ok)
    require.Equal(t, netip.MustParseAddrPort("198.51.100.7:9993"), v4)
    v6, ok := p.OnPathLookup(nodeAddr, syscall.AF_INET6)
    require.True(t, ok)
    require.Equal(t, netip.MustParseAddrPort("[2001:db8::7]:9993"), v6)
    for i := 0; i < 20; i++ {
        _, ok := p.OnPathLookup(nodeAddr, 0)
        require.True(t, ok)
    }
    _, ok = p.OnPathLookup(0x1122334455, 0)
    require.False(t, ok)
}

func TestIsGlobal(t *testing.T) {
    for addr, want := range map[string]bool{
        "8.8.8.8":       true,
        "203.0.113.5":   true,
        "10.1.2.3":      false,
        "192.168.1.1":   false,
        "100.64.1.1":    false,
        "127.0.0.1":     false,
        "169.254.1.1":   false,
        "2001:4860::1":  true,
        "fd00::1":       false,
        "::ffff:8.8.8.8": true,
    } {
        require.Equal(t, want, isGlobal(netip.MustParseAddr(addr)), addr)
    }
}

// fakeRelay accepts one tunnel, reports the first relayed record and then
// answers with a packet from the same peer.
func fakeRelay(t *testing.T) (netip.AddrPort, <-chan netip.AddrPort) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    t.Cleanup(func() { _ = ln.Close() })
    got := make(chan netip.AddrPort, 1)
    go func() {
        c, err := ln.Accept()
        if err != nil {
            return
        }
        defer c.Close()
        if body, err := tcp.ReadFrame(c); err != nil || !tcp.IsHello(body) {
            return
        }
        body, err := tcp.ReadFrame(c)
        if err != nil {
            return
        }
        to, _, err := tcp.DecodeFrame(body)
        if err != nil {
            return
        }
        got <- to
        rec, _ := tcp.EncodeFrame(to, bytes.Repeat([]byte{0x77}, 24))
        if _, err := c.Write(rec); err != nil {
            return
        }
        for {
            if _, err := tcp.ReadFrame(c); err != nil {
                return
            }
        }
    }()
    return ln.Addr().(*net.TCPAddr).AddrPort(), got
}

func TestTCPFallback(t *testing.T) {
    relayAddr, relayed := fakeRelay(t)
    cfg := testConfig(t)
    cfg.TCPRelay = config.TCPRelayConfig{Enable: true, Address: relayAddr.String(), After: time.Second, DialTimeout: time.Second}

    var offset atomic.Int64
    now := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
    h := newHarness(t, cfg, now)
    require.False(t, h.svc.RelayActive())

    peer := netip.MustParseAddrPort("203.0.113.5:9993")
    data := bytes.Repeat([]byte{0x11}, 32)

    // inside the startup window nothing is relayed
    _ = h.svc.OnSendPacketRequested(-1, peer, data, 0)
    _ = h.svc.OnSendPacketRequested(-1, peer, data, 0)
    require.False(t, h.svc.RelayActive())

    // past the window the first send arms the fallback, the next one dials
    offset.Store(int64(2 * time.Second))
    _ = h.svc.OnSendPacketRequested(-1, peer, data, 0)
    _ = h.svc.OnSendPacketRequested(-1, peer, data, 0)
    require.Eventually(t, h.svc.RelayActive, 3*time.Second, 10*time.Millisecond)

    _ = h.svc.OnSendPacketRequested(-1, peer, data, 0)
    select {
    case to := <-relayed:
        require.Equal(t, peer, to)
    case <-time.After(3 * time.Second):
        t.Fatal("nothing relayed")
    }

    // the relay's answer reaches the engine without a local socket
    require.Eventually(t, func() bool {
        for _, p := range h.engine.Packets() {
            if p.LocalSocket == -1 && p.Remote == peer {
                return true
            }
        }
        return false
    }, 3*time.Second, 10*time.Millisecond)

    st, err := h.svc.Status()
    require.NoError(t, err)
    require.True(t, st.TCPFallbackActive)

    // direct traffic from a global address retires the tunnel
    h.svc.lastDirect.Store(now().UnixMilli())
    h.svc.relayHousekeeping(now())
    require.False(t, h.svc.RelayActive())
    require.Equal(t, 1, len(h.svc.sockets.IDs()))
}
