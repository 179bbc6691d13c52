package service

import (
    "errors"
    "fmt"
    "net/netip"
    "sort"

    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
    "github.com/zerotier/ZeroTierOne/pkg/tap"
)

// network is a joined network and its port device.
type network struct {
    nwid sdk.NetworkID
    cfg  *sdk.VirtualNetworkConfig
    dev  tap.Device

    // subscribed groups, owned by the background loop
    groups []sdk.MulticastGroup
}

func (n *network) close() {
    if n.dev != nil {
        if err := n.dev.Close(); err != nil && !errors.Is(err, tap.ErrClosed) {
            zap.L().Warn("close device", zap.String("device", n.dev.Name()), zap.Error(err))
        }
    }
}

// OnNetworkConfigurationUpdated opens the port device on UP, applies config
// updates and tears the port down on DOWN or DESTROY.
func (s *Service) OnNetworkConfigurationUpdated(nwid sdk.NetworkID, op sdk.VirtualNetworkConfigOperation, cfg *sdk.VirtualNetworkConfig) error {
    log := s.log.With(zap.Stringer("nwid", nwid), zap.Stringer("op", op))
    switch op {
    case sdk.ConfigOperationUp, sdk.ConfigOperationConfigUpdate:
        return s.applyConfig(nwid, cfg, log)
    case sdk.ConfigOperationDown, sdk.ConfigOperationDestroy:
        s.mu.Lock()
        n := s.nets[nwid]
        delete(s.nets, nwid)
        s.mu.Unlock()
        if n != nil {
            n.close()
        }
        if op == sdk.ConfigOperationDestroy {
            name, _, _ := sdk.StateObjectName(sdk.StateObjectNetworkConfig, [2]uint64{uint64(nwid)})
            if err := s.store.OnDelete(name); err != nil {
                log.Warn("delete cached network config", zap.Error(err))
            }
        }
        log.Info("network port removed")
        return nil
    default:
        log.Debug("ignoring config operation")
        return nil
    }
}

func (s *Service) applyConfig(nwid sdk.NetworkID, cfg *sdk.VirtualNetworkConfig, log *zap.Logger) error {
    s.mu.Lock()
    n, ok := s.nets[nwid]
    if ok && n.cfg != nil && cfg.NetconfRevision < n.cfg.NetconfRevision {
        s.mu.Unlock()
        log.Debug("ignoring stale config",
            zap.Uint64("revision", cfg.NetconfRevision),
            zap.Uint64("current", n.cfg.NetconfRevision))
        return nil
    }
    if ok {
        n.cfg = cfg
        s.mu.Unlock()
        log.Info("network config updated",
            zap.String("name", cfg.Name),
            zap.Stringer("status", cfg.Status),
            zap.Uint64("revision", cfg.NetconfRevision))
        s.configurePort(n, cfg, log)
        s.poke()
        return nil
    }
    s.mu.Unlock()

    // open outside the lock, device creation can be slow
    dev, err := s.openTAP(tap.DeviceName(s.cfg.TAP.Prefix, nwid), cfg)
    if err != nil {
        log.Error("open port device", zap.Error(err))
        return fmt.Errorf("open port device: %w", err)
    }
    n = &network{nwid: nwid, cfg: cfg, dev: dev}

    s.mu.Lock()
    if _, raced := s.nets[nwid]; raced || s.ctx.Err() != nil {
        s.mu.Unlock()
        n.close()
        return nil
    }
    s.nets[nwid] = n
    s.mu.Unlock()

    s.configurePort(n, cfg, log)
    s.poke()
    s.spawn(func() { s.readDevice(n) })
    log.Info("network port up", zap.String("device", dev.Name()), zap.Stringer("mac", cfg.MAC), zap.Int("mtu", cfg.MTU))
    return nil
}

// readDevice feeds frames from the host into the engine until the device closes.
func (s *Service) readDevice(n *network) {
    log := s.log.With(zap.Stringer("nwid", n.nwid), zap.String("device", n.dev.Name()))
    buf := make([]byte, sdk.MaxMTU+18)
    for s.ctx.Err() == nil {
        m, err := n.dev.ReadFrame(buf)
        if err != nil {
            if !errors.Is(err, tap.ErrClosed) && s.ctx.Err() == nil {
                log.Warn("device read failed", zap.Error(err))
            }
            return
        }
        f, err := tap.DecodeEthernet(buf[:m])
        if err != nil {
            log.Debug("dropping frame", zap.Error(err))
            continue
        }
        next, err := s.node.ProcessVirtualNetworkFrame(s.now(), n.nwid, f.Src, f.Dst, f.EtherType, f.VLAN, f.Payload)
        s.setDeadline(next)
        if err != nil {
            log.Debug("frame rejected", zap.Error(err))
            s.checkErr("processVirtualNetworkFrame", err)
        }
    }
}

// OnVirtualNetworkFrame writes a frame from the network to the host port.
func (s *Service) OnVirtualNetworkFrame(nwid sdk.NetworkID, src, dst sdk.MAC, etherType, vlanID uint16, frame []byte) {
    s.mu.Lock()
    n := s.nets[nwid]
    s.mu.Unlock()
    if n == nil {
        return
    }
    b, err := tap.EncodeEthernet(src, dst, etherType, vlanID, frame)
    if err != nil {
        s.log.Debug("encode frame", zap.Stringer("nwid", nwid), zap.Error(err))
        return
    }
    if err := n.dev.WriteFrame(b); err != nil && !errors.Is(err, tap.ErrClosed) {
        s.log.Debug("device write failed", zap.Stringer("nwid", nwid), zap.Error(err))
    }
}

// assignedPrefixes returns every address assigned on a joined network.
func (s *Service) assignedPrefixes() []netip.Prefix {
    s.mu.Lock()
    defer s.mu.Unlock()
    var out []netip.Prefix
    for _, n := range s.nets {
        if n.cfg != nil {
            out = append(out, n.cfg.AssignedAddresses...)
        }
    }
    return out
}

// Networks returns the ids of networks with an open port, sorted.
func (s *Service) Networks() []sdk.NetworkID {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := make([]sdk.NetworkID, 0, len(s.nets))
    for id := range s.nets {
        out = append(out, id)
    }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

// Device returns the port device of nwid.
func (s *Service) Device(nwid sdk.NetworkID) (tap.Device, bool) {
    s.mu.Lock()
    defer s.mu.Unlock()
    n, ok := s.nets[nwid]
    if !ok {
        return nil, false
    }
    return n.dev, true
}

// OnEvent logs engine events. An identity collision stops the service.
func (s *Service) OnEvent(ev sdk.Event) {
    switch ev {
    case sdk.EventFatalErrorIdentityCollision:
        s.log.Error("identity collision: another node is using this address")
        s.fail(ErrIdentityCollision)
    case sdk.EventOnline, sdk.EventOffline:
        s.log.Info("connectivity changed", zap.Stringer("event", ev))
    default:
        s.log.Debug("engine event", zap.Stringer("event", ev))
    }
}

func (s *Service) OnTrace(message string) {
    if s.cfg.Log.Trace {
        s.log.Debug("trace", zap.String("message", message))
    }
}
