package datastore

import (
    "errors"
    "sync"

    "github.com/zerotier/ZeroTierOne/pkg/memkv"
    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

// ErrFull is returned when a Memory store hits its size limit.
var ErrFull = errors.New("datastore: memory store full")

// Memory keeps state objects in a memkv store. Nothing survives a restart.
type Memory struct {
    kv *memkv.Store

    mu     sync.RWMutex
    secure map[string]bool
}

// NewMemory creates a store; maxBytes 0 means unlimited.
func NewMemory(maxBytes uint64) *Memory {
    return &Memory{
        kv:     memkv.New(memkv.Options{Shards: 16, MaxBytes: maxBytes}),
        secure: make(map[string]bool),
    }
}

func (m *Memory) Close() error {
    m.kv.Close()
    return nil
}

func (m *Memory) OnDataStoreGet(name string, buf []byte, offset int64) (int, int64, error) {
    if err := checkName(name); err != nil {
        return 0, 0, err
    }
    n, size, ok := m.kv.ReadAt(name, buf, offset)
    if !ok {
        return 0, 0, sdk.ErrObjectNotFound
    }
    return n, size, checkOffset(offset, size)
}

func (m *Memory) OnDataStorePut(name string, data []byte, secure bool) error {
    if err := checkName(name); err != nil {
        return err
    }
    if !m.kv.Set(name, data, 0) {
        return ErrFull
    }
    m.mu.Lock()
    m.secure[name] = secure
    m.mu.Unlock()
    return nil
}

func (m *Memory) OnDelete(name string) error {
    if err := checkName(name); err != nil {
        return err
    }
    m.kv.Delete(name)
    m.mu.Lock()
    delete(m.secure, name)
    m.mu.Unlock()
    return nil
}

func (m *Memory) List(prefix string) ([]string, error) { return m.kv.Keys(prefix), nil }

// IsSecure reports whether name was stored as a secure object.
func (m *Memory) IsSecure(name string) bool {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.secure[name]
}

// Metrics exposes the backing store counters.
func (m *Memory) Metrics() memkv.Stats { return m.kv.Metrics() }
