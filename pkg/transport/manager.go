package transport

import (
    "errors"
    "fmt"
    "net/netip"
    "sort"
    "sync"
)

// Manager owns the service's sockets and resolves the engine's local socket
// ids. Ids start at 1; -1 and 0 mean "any".
type Manager struct {
    mu    sync.RWMutex
    next  int64
    socks map[int64]Socket
}

func NewManager() *Manager { return &Manager{socks: make(map[int64]Socket)} }

// Add registers s and returns its id.
func (m *Manager) Add(s Socket) int64 {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.next++
    m.socks[m.next] = s
    return m.next
}

// Remove unregisters a socket without closing it.
func (m *Manager) Remove(id int64) Socket {
    m.mu.Lock()
    defer m.mu.Unlock()
    s := m.socks[id]
    delete(m.socks, id)
    return s
}

func (m *Manager) Get(id int64) (Socket, bool) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    s, ok := m.socks[id]
    return s, ok
}

// IDs returns the registered ids in ascending order.
func (m *Manager) IDs() []int64 {
    m.mu.RLock()
    defer m.mu.RUnlock()
    ids := make([]int64, 0, len(m.socks))
    for id := range m.socks {
        ids = append(ids, id)
    }
    sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
    return ids
}

// Len returns the number of sockets of the given kind.
func (m *Manager) Len(kind Kind) int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    n := 0
    for _, s := range m.socks {
        if s.Kind() == kind {
            n++
        }
    }
    return n
}

func sameFamily(a, b netip.Addr) bool { return a.Unmap().Is4() == b.Unmap().Is4() }

// Resolve picks the socket for a packet to addr. A known socket id is used
// as is; otherwise the lowest numbered UDP socket of addr's family is chosen.
func (m *Manager) Resolve(localSocket int64, addr netip.AddrPort) (int64, Socket, error) {
    if !addr.IsValid() {
        return 0, nil, fmt.Errorf("%w: invalid address", ErrNoSocket)
    }
    m.mu.RLock()
    if s, ok := m.socks[localSocket]; ok && localSocket > 0 {
        m.mu.RUnlock()
        return localSocket, s, nil
    }
    m.mu.RUnlock()

    for _, id := range m.IDs() {
        s, ok := m.Get(id)
        if !ok || s.Kind() != KindUDP {
            continue
        }
        if sameFamily(s.LocalAddr().Addr(), addr.Addr()) {
            return id, s, nil
        }
    }
    return 0, nil, fmt.Errorf("%w: %s", ErrNoSocket, addr)
}

// Send resolves and writes in one step.
func (m *Manager) Send(localSocket int64, addr netip.AddrPort, b []byte, ttl int) error {
    _, s, err := m.Resolve(localSocket, addr)
    if err != nil {
        return err
    }
    return s.WriteTo(b, addr, ttl)
}

// CloseAll closes and unregisters every socket.
func (m *Manager) CloseAll() error {
    m.mu.Lock()
    socks := m.socks
    m.socks = make(map[int64]Socket)
    m.mu.Unlock()

    var errs []error
    for _, s := range socks {
        if err := s.Close(); err != nil && !errors.Is(err, ErrClosed) {
            errs = append(errs, err)
        }
    }
    return errors.Join(errs...)
}
