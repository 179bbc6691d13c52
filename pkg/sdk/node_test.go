package sdk_test

import (
    "errors"
    "net/netip"
    "sync"
    "syscall"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
    "github.com/zerotier/ZeroTierOne/pkg/sdk/sdktest"
)

// recorder implements every listener and keeps what it saw.
type recorder struct {
    mu      sync.Mutex
    store   map[string][]byte
    secure  map[string]bool
    putErr  error
    sent    []netip.AddrPort
    events  []sdk.Event
    traces  []string
    ops     []sdk.VirtualNetworkConfigOperation
    cfgErr  error
    frames  int
    blocked netip.Addr
}

func newRecorder() *recorder {
    return &recorder{store: map[string][]byte{}, secure: map[string]bool{}}
}

func (r *recorder) OnDataStoreGet(name string, buf []byte, offset int64) (int, int64, error) {
    r.mu.Lock()
    defer r.mu.Unlock()
    data, ok := r.store[name]
    if !ok {
        return 0, 0, sdk.ErrObjectNotFound
    }
    if offset >= int64(len(data)) {
        return 0, int64(len(data)), nil
    }
    return copy(buf, data[offset:]), int64(len(data)), nil
}

func (r *recorder) OnDataStorePut(name string, data []byte, secure bool) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.putErr != nil {
        return r.putErr
    }
    r.store[name] = append([]byte(nil), data...)
    r.secure[name] = secure
    return nil
}

func (r *recorder) OnDelete(name string) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    delete(r.store, name)
    return nil
}

func (r *recorder) OnSendPacketRequested(localSocket int64, remote netip.AddrPort, data []byte, ttl int) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.sent = append(r.sent, remote)
    return nil
}

func (r *recorder) OnEvent(ev sdk.Event) {
    r.mu.Lock()
    r.events = append(r.events, ev)
    r.mu.Unlock()
}

func (r *recorder) OnTrace(msg string) {
    r.mu.Lock()
    r.traces = append(r.traces, msg)
    r.mu.Unlock()
}

func (r *recorder) OnNetworkConfigurationUpdated(nwid sdk.NetworkID, op sdk.VirtualNetworkConfigOperation, cfg *sdk.VirtualNetworkConfig) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.ops = append(r.ops, op)
    return r.cfgErr
}

func (r *recorder) OnVirtualNetworkFrame(nwid sdk.NetworkID, src, dst sdk.MAC, etherType, vlanID uint16, frame []byte) {
    r.mu.Lock()
    r.frames++
    r.mu.Unlock()
}

func (r *recorder) OnPathCheck(address sdk.Address, localSocket int64, remote netip.AddrPort) bool {
    return remote.Addr() != r.blocked
}

func (r *recorder) OnPathLookup(address sdk.Address, family int) (netip.AddrPort, bool) {
    return netip.MustParseAddrPort("198.51.100.7:9993"), true
}

func (r *recorder) options() sdk.Options {
    return sdk.Options{
        DataStoreGet: r,
        DataStorePut: r,
        PacketSender: r,
        Events:       r,
        Frames:       r,
        Configs:      r,
        PathChecker:  r,
    }
}

const testAddr = sdk.Address(0x89e92ceee5)

func newNode(t *testing.T) (*sdk.Node, *sdktest.Engine, *recorder) {
    t.Helper()
    eng := sdktest.New(testAddr)
    rec := newRecorder()
    n, err := sdk.NewNode(eng.Factory(), rec.options())
    require.NoError(t, err)
    t.Cleanup(func() { _ = n.Close() })
    return n, eng, rec
}

func TestNewNodeRequiresListeners(t *testing.T) {
    rec := newRecorder()
    opts := rec.options()
    opts.PacketSender = nil
    _, err := sdk.NewNode(sdktest.New(testAddr).Factory(), opts)
    require.ErrorIs(t, err, sdk.ErrMissingListener)

    opts = rec.options()
    opts.PathChecker = nil
    n, err := sdk.NewNode(sdktest.New(testAddr).Factory(), opts)
    require.NoError(t, err)
    require.NoError(t, n.Close())
}

func TestNewNodeStoresIdentity(t *testing.T) {
    _, _, rec := newNode(t)
    require.Contains(t, rec.store, "identity.secret")
    require.Contains(t, rec.store, "identity.public")
    require.True(t, rec.secure["identity.secret"])
    require.False(t, rec.secure["identity.public"])
}

func TestNewNodeDataStoreFailure(t *testing.T) {
    rec := newRecorder()
    rec.putErr = syscall.EACCES
    _, err := sdk.NewNode(sdktest.New(testAddr).Factory(), rec.options())
    require.Error(t, err)
    require.Equal(t, sdk.ResultFatalErrorDataStoreFailed, sdk.CodeOf(err))
    require.True(t, sdk.IsFatal(err))
}

func TestProcessWirePacketValidation(t *testing.T) {
    n, eng, _ := newNode(t)
    remote := netip.MustParseAddrPort("203.0.113.9:9993")
    now := time.UnixMilli(1_700_000_000_000)

    _, err := n.ProcessWirePacket(now, 0, remote, nil)
    require.Equal(t, sdk.ResultFatalErrorInternal, sdk.CodeOf(err))

    _, err = n.ProcessWirePacket(now, 0, netip.AddrPort{}, []byte{1})
    require.Equal(t, sdk.ResultErrorBadParameter, sdk.CodeOf(err))
    require.Empty(t, eng.Packets())

    next, err := n.ProcessWirePacket(now, 3, remote, []byte("hello"))
    require.NoError(t, err)
    require.True(t, next.Equal(now.Add(sdktest.TaskInterval*time.Millisecond)), "next=%v", next)
    pkts := eng.Packets()
    require.Len(t, pkts, 1)
    require.Equal(t, int64(3), pkts[0].LocalSocket)
    require.Equal(t, remote, pkts[0].Remote)
}

func TestProcessReturnsEngineErrors(t *testing.T) {
    n, eng, _ := newNode(t)
    eng.Fail(sdk.ResultFatalErrorOutOfMemory)
    _, err := n.ProcessBackgroundTasks(time.Now())
    var re *sdk.ResultError
    require.True(t, errors.As(err, &re))
    require.Equal(t, "processBackgroundTasks", re.Op)
    require.True(t, re.Fatal())

    _, err = n.ProcessVirtualNetworkFrame(time.Now(), 0x1234, 1, 2, 0x0800, 0, []byte{0})
    require.Equal(t, sdk.ResultErrorNetworkNotFound, sdk.CodeOf(err))
}

func TestJoinLeave(t *testing.T) {
    n, _, rec := newNode(t)
    nwid := sdk.NetworkID(0x8056c2e21c000001)

    require.NoError(t, n.Join(nwid))
    cfg, err := n.NetworkConfig(nwid)
    require.NoError(t, err)
    require.Equal(t, nwid, cfg.NetworkID)

    nets, err := n.Networks()
    require.NoError(t, err)
    require.Len(t, nets, 1)

    require.NoError(t, n.Leave(nwid))
    require.Equal(t, []sdk.VirtualNetworkConfigOperation{sdk.ConfigOperationUp, sdk.ConfigOperationDestroy}, rec.ops)

    _, err = n.NetworkConfig(nwid)
    require.Equal(t, sdk.ResultErrorNetworkNotFound, sdk.CodeOf(err))
    require.Equal(t, sdk.ResultErrorNetworkNotFound, sdk.CodeOf(n.Leave(nwid)))
}

func TestConfigListenerErrorSetsPortError(t *testing.T) {
    n, _, rec := newNode(t)
    rec.cfgErr = syscall.ENODEV
    nwid := sdk.NetworkID(0x8056c2e21c000002)
    require.NoError(t, n.Join(nwid))

    cfg, err := n.NetworkConfig(nwid)
    require.NoError(t, err)
    require.Equal(t, sdk.NetworkStatusPortError, cfg.Status)
    require.Equal(t, -int(syscall.ENODEV), cfg.PortError)
}

func TestCallbackContract(t *testing.T) {
    _, eng, rec := newNode(t)
    cb := eng.Callbacks()

    rec.store["planet"] = []byte("0123456789")
    buf := make([]byte, 4)
    n, size := cb.StateGet(sdk.StateObjectPlanet, [2]uint64{}, buf, 8)
    require.Equal(t, 2, n)
    require.Equal(t, int64(10), size)
    require.Equal(t, "89", string(buf[:n]))

    n, _ = cb.StateGet(sdk.StateObjectMoon, [2]uint64{42}, buf, 0)
    require.Equal(t, sdk.DataStoreGetNotFound, n)
    n, _ = cb.StateGet(sdk.StateObjectNull, [2]uint64{}, buf, 0)
    require.Equal(t, -100, n)
    n, _ = cb.StateGet(sdk.StateObjectPlanet, [2]uint64{}, nil, 0)
    require.Equal(t, -101, n)

    require.Equal(t, 0, cb.StatePut(sdk.StateObjectPeer, [2]uint64{uint64(testAddr)}, []byte("p")))
    require.Contains(t, rec.store, "peers.d/89e92ceee5")
    require.Equal(t, 0, cb.StateDelete(sdk.StateObjectPeer, [2]uint64{uint64(testAddr)}))
    require.NotContains(t, rec.store, "peers.d/89e92ceee5")

    rec.putErr = syscall.ENOSPC
    require.Equal(t, int(syscall.ENOSPC), cb.StatePut(sdk.StateObjectPlanet, [2]uint64{}, []byte("x")))
    rec.putErr = errors.New("boom")
    require.Equal(t, -1, cb.StatePut(sdk.StateObjectPlanet, [2]uint64{}, []byte("x")))

    require.Equal(t, -102, cb.VirtualNetworkConfig(1, sdk.ConfigOperationUp, nil))
    require.Equal(t, 0, cb.VirtualNetworkConfig(1, sdk.ConfigOperationDown, nil))

    blocked := netip.MustParseAddrPort("192.0.2.1:9993")
    rec.blocked = blocked.Addr()
    require.False(t, cb.PathCheck(testAddr, 0, blocked))
    require.True(t, cb.PathCheck(testAddr, 0, netip.MustParseAddrPort("192.0.2.2:9993")))
    ap, ok := cb.PathLookup(testAddr, 0)
    require.True(t, ok)
    require.Equal(t, uint16(9993), ap.Port())
}

func TestEventsAndOnline(t *testing.T) {
    n, eng, rec := newNode(t)
    require.False(t, n.Online())

    _, err := n.ProcessBackgroundTasks(time.Now())
    require.NoError(t, err)
    require.True(t, n.Online())

    // Status follows the engine even when it drops offline before any event
    eng.SetOnline(false)
    st, err := n.Status()
    require.NoError(t, err)
    require.False(t, st.Online)

    cb := eng.Callbacks()
    cb.Event(sdk.EventTrace, []byte("trace line"))
    cb.Event(sdk.EventTrace, nil)
    cb.Event(sdk.EventUserMessage, []byte("ignored"))
    cb.Event(sdk.EventOffline, nil)
    require.False(t, n.Online())

    require.Equal(t, []sdk.Event{sdk.EventOnline, sdk.EventOffline}, rec.events)
    require.Equal(t, []string{"trace line"}, rec.traces)
}

func TestEchoUsesPacketSender(t *testing.T) {
    n, eng, rec := newNode(t)
    eng.Echo = true
    remote := netip.MustParseAddrPort("[2001:db8::1]:9993")
    _, err := n.ProcessWirePacket(time.Now(), -1, remote, []byte{0x01})
    require.NoError(t, err)
    require.Equal(t, []netip.AddrPort{remote}, rec.sent)
}

func TestClosedNode(t *testing.T) {
    n, eng, _ := newNode(t)
    require.NoError(t, n.Close())
    require.NoError(t, n.Close())
    require.True(t, eng.Closed())

    _, err := n.ProcessBackgroundTasks(time.Now())
    require.ErrorIs(t, err, sdk.ErrNodeClosed)
    require.ErrorIs(t, n.Join(1), sdk.ErrNodeClosed)
    _, err = n.Status()
    require.ErrorIs(t, err, sdk.ErrNodeClosed)
}

func TestStatusAndVersion(t *testing.T) {
    n, _, _ := newNode(t)
    st, err := n.Status()
    require.NoError(t, err)
    require.Equal(t, testAddr, st.Address)
    require.NotContains(t, st.String(), st.SecretIdentity)

    v, err := n.Version()
    require.NoError(t, err)
    require.Equal(t, "1.14.2", v.String())
}

func TestMulticastSubscriptions(t *testing.T) {
    n, _, _ := newNode(t)
    nwid := sdk.NetworkID(0x8056c2e21c000003)
    bcast := sdk.MAC(0xffffffffffff)

    require.Equal(t, sdk.ResultErrorNetworkNotFound, sdk.CodeOf(n.MulticastSubscribe(nwid, bcast, 0x0a931105)))

    require.NoError(t, n.Join(nwid))
    require.NoError(t, n.MulticastSubscribe(nwid, bcast, 0x0a931105))
    require.NoError(t, n.MulticastSubscribe(nwid, bcast, 0x0a931105))
    require.NoError(t, n.MulticastSubscribe(nwid, 0x3333ff000001, 0))
    cfg, err := n.NetworkConfig(nwid)
    require.NoError(t, err)
    require.Equal(t, []sdk.MulticastGroup{{MAC: bcast, ADI: 0x0a931105}, {MAC: 0x3333ff000001}}, cfg.MulticastSubscriptions)

    require.NoError(t, n.MulticastUnsubscribe(nwid, bcast, 0x0a931105))
    cfg, err = n.NetworkConfig(nwid)
    require.NoError(t, err)
    require.Equal(t, []sdk.MulticastGroup{{MAC: 0x3333ff000001}}, cfg.MulticastSubscriptions)

    require.NoError(t, n.Close())
    require.ErrorIs(t, n.MulticastSubscribe(nwid, bcast, 0), sdk.ErrNodeClosed)
    require.ErrorIs(t, n.MulticastUnsubscribe(nwid, bcast, 0), sdk.ErrNodeClosed)
}

func TestOrbitDeorbit(t *testing.T) {
    n, _, rec := newNode(t)
    const moon = uint64(0x00000000deadbeef)

    require.Equal(t, sdk.ResultErrorBadParameter, sdk.CodeOf(n.Orbit(0, 0)))
    require.NoError(t, n.Orbit(moon, 0x1234))
    require.Equal(t, "0000000000001234", string(rec.store["moons.d/00000000deadbeef.moon"]))

    require.NoError(t, n.Deorbit(moon))
    require.NotContains(t, rec.store, "moons.d/00000000deadbeef.moon")
    // an unknown moon is ignored, which is not an error
    require.NoError(t, n.Deorbit(moon))

    require.NoError(t, n.Close())
    require.ErrorIs(t, n.Orbit(moon, 0), sdk.ErrNodeClosed)
    require.ErrorIs(t, n.Deorbit(moon), sdk.ErrNodeClosed)
}
