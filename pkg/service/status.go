package service

import (
    "fmt"
    "net/netip"
    "os"
    "path/filepath"
    "time"

    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

// Status is a point-in-time view of the service.
type Status struct {
    Address           sdk.Address     `json:"address"`
    PublicIdentity    string          `json:"publicIdentity"`
    Online            bool            `json:"online"`
    Version           string          `json:"version"`
    Clock             time.Time       `json:"clock"`
    TCPFallbackActive bool            `json:"tcpFallbackActive"`
    Sockets           []SocketStatus  `json:"sockets"`
    Networks          []NetworkStatus `json:"networks"`
    Peers             []sdk.Peer      `json:"peers"`
}

type SocketStatus struct {
    ID    int64          `json:"id"`
    Kind  string         `json:"kind"`
    Local netip.AddrPort `json:"local"`
}

type NetworkStatus struct {
    NetworkID         sdk.NetworkID             `json:"nwid"`
    Name              string                    `json:"name"`
    Status            sdk.VirtualNetworkStatus  `json:"status"`
    Type              sdk.VirtualNetworkType    `json:"type"`
    MAC               sdk.MAC                   `json:"mac"`
    MTU               int                       `json:"mtu"`
    Device            string                    `json:"portDeviceName"`
    PortError         int                       `json:"portError"`
    Revision          uint64                    `json:"netconfRevision"`
    AssignedAddresses []netip.Prefix            `json:"assignedAddresses"`
    Routes            []sdk.VirtualNetworkRoute `json:"routes"`
}

// Status collects a snapshot from the node and the service's own state.
func (s *Service) Status() (Status, error) {
    ns, err := s.node.Status()
    if err != nil {
        return Status{}, err
    }
    st := Status{
        Address:           ns.Address,
        PublicIdentity:    ns.PublicIdentity,
        Online:            ns.Online,
        Version:           s.version.String(),
        Clock:             s.now().UTC(),
        TCPFallbackActive: s.RelayActive(),
    }
    for _, id := range s.sockets.IDs() {
        if sock, ok := s.sockets.Get(id); ok {
            st.Sockets = append(st.Sockets, SocketStatus{ID: id, Kind: sock.Kind().String(), Local: sock.LocalAddr()})
        }
    }

    cfgs, err := s.node.Networks()
    if err != nil {
        return Status{}, err
    }
    for _, c := range cfgs {
        st.Networks = append(st.Networks, s.networkStatus(&c))
    }
    if st.Peers, err = s.node.Peers(); err != nil {
        return Status{}, err
    }
    return st, nil
}

func (s *Service) networkStatus(c *sdk.VirtualNetworkConfig) NetworkStatus {
    n := NetworkStatus{
        NetworkID:         c.NetworkID,
        Name:              c.Name,
        Status:            c.Status,
        Type:              c.Type,
        MAC:               c.MAC,
        MTU:               c.MTU,
        PortError:         c.PortError,
        Revision:          c.NetconfRevision,
        AssignedAddresses: c.AssignedAddresses,
        Routes:            c.Routes,
    }
    if dev, ok := s.Device(c.NetworkID); ok {
        n.Device = dev.Name()
    }
    return n
}

// EncodeStatus encodes a snapshot with the configured status format.
func (s *Service) EncodeStatus() ([]byte, error) {
    st, err := s.Status()
    if err != nil {
        return nil, err
    }
    return s.codec.Marshal(st)
}

func (s *Service) statusLoop() {
    t := time.NewTicker(s.cfg.Status.Interval)
    defer t.Stop()
    for {
        select {
        case <-s.ctx.Done():
            return
        case <-t.C:
            s.writeStatusFile()
        }
    }
}

// writeStatusFile replaces the status file atomically.
func (s *Service) writeStatusFile() {
    if s.cfg.Status.Interval <= 0 {
        return
    }
    b, err := s.EncodeStatus()
    if err != nil {
        s.log.Debug("status snapshot", zap.Error(err))
        return
    }
    if err := writeFileAtomic(s.cfg.StatusPath(), b); err != nil {
        s.log.Warn("write status", zap.String("path", s.cfg.StatusPath()), zap.Error(err))
    }
}

func writeFileAtomic(path string, b []byte) error {
    dir := filepath.Dir(path)
    if err := os.MkdirAll(dir, 0o755); err != nil {
        return err
    }
    f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
    if err != nil {
        return err
    }
    tmp := f.Name()
    if _, err := f.Write(b); err != nil {
        f.Close()
        os.Remove(tmp)
        return fmt.Errorf("write %s: %w", tmp, err)
    }
    if err := f.Close(); err != nil {
        os.Remove(tmp)
        return err
    }
    if err := os.Chmod(tmp, 0o644); err != nil {
        os.Remove(tmp)
        return err
    }
    return os.Rename(tmp, path)
}
