package tap

import (
    "net/netip"
    "slices"
    "sync"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

// Memory is an in-process device. Frames passed to Inject are returned by
// ReadFrame; frames written are kept unless the device discards them.
type Memory struct {
    name    string
    discard bool

    in   chan []byte
    done chan struct{}
    once sync.Once

    mu         sync.Mutex
    written    [][]byte
    dropped    int
    port       PortConfig
    configured int
    groups     []sdk.MulticastGroup
}

func NewMemory(name string) *Memory {
    return &Memory{name: name, in: make(chan []byte, 64), done: make(chan struct{})}
}

// NewDiscard returns a device that drops everything written to it. It is
// used when host TAP devices are disabled.
func NewDiscard(name string) *Memory {
    m := NewMemory(name)
    m.discard = true
    return m
}

// MemoryFactory opens Memory devices, or Discard devices when discard is set.
func MemoryFactory(discard bool) Factory {
    return func(name string, _ *sdk.VirtualNetworkConfig) (Device, error) {
        if discard {
            return NewDiscard(name), nil
        }
        return NewMemory(name), nil
    }
}

func (m *Memory) Name() string { return m.name }

// Inject queues a frame as if the host had sent it.
func (m *Memory) Inject(frame []byte) error {
    b := append([]byte(nil), frame...)
    select {
    case <-m.done:
        return ErrClosed
    case m.in <- b:
        return nil
    }
}

func (m *Memory) ReadFrame(buf []byte) (int, error) {
    select {
    case <-m.done:
        return 0, ErrClosed
    case f := <-m.in:
        return copy(buf, f), nil
    }
}

func (m *Memory) WriteFrame(frame []byte) error {
    select {
    case <-m.done:
        return ErrClosed
    default:
    }
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.discard {
        m.dropped++
        return nil
    }
    m.written = append(m.written, append([]byte(nil), frame...))
    return nil
}

// Written returns a copy of the frames delivered to the host so far.
func (m *Memory) Written() [][]byte {
    m.mu.Lock()
    defer m.mu.Unlock()
    return append([][]byte(nil), m.written...)
}

// Dropped returns how many frames a discard device swallowed.
func (m *Memory) Dropped() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.dropped
}

// Configure records pc; see Port.
func (m *Memory) Configure(pc PortConfig) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.port = PortConfig{
        MAC:       pc.MAC,
        MTU:       pc.MTU,
        Addresses: append([]netip.Prefix(nil), pc.Addresses...),
        Routes:    append([]Route(nil), pc.Routes...),
    }
    m.configured++
    return nil
}

// Port returns the last applied configuration and how often Configure ran.
func (m *Memory) Port() (PortConfig, int) {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.port, m.configured
}

// JoinGroup makes the device report group as joined by the host.
func (m *Memory) JoinGroup(group sdk.MAC) {
    m.mu.Lock()
    defer m.mu.Unlock()
    g := sdk.MulticastGroup{MAC: group}
    if !slices.Contains(m.groups, g) {
        m.groups = append(m.groups, g)
    }
}

func (m *Memory) LeaveGroup(group sdk.MAC) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.groups = slices.DeleteFunc(m.groups, func(g sdk.MulticastGroup) bool { return g.MAC == group })
}

func (m *Memory) MulticastGroups() ([]sdk.MulticastGroup, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    return slices.Clone(m.groups), nil
}

func (m *Memory) Close() error {
    err := ErrClosed
    m.once.Do(func() {
        close(m.done)
        err = nil
    })
    return err
}
