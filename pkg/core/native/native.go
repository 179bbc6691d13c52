// Package native binds libzerotiercore through cgo and exposes it as an
// sdk.Engine. The binding is only compiled with the ztcore build tag; the
// default build reports ErrUnavailable so that everything else in the module
// builds and tests without the native library.
//
// Building with the core:
//
//	CGO_CFLAGS=-I/path/to/ZeroTierOne/include \
//	CGO_LDFLAGS=-L/path/to/lib go build -tags ztcore ./...
package native

import (
    "errors"
    "fmt"
    "sync"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

// ErrUnavailable is returned when the module was built without the core.
var ErrUnavailable = errors.New("native: zerotier core not compiled in (build with -tags ztcore)")

// ErrDuplicateHandle is returned when a handle is registered twice.
var ErrDuplicateHandle = errors.New("native: duplicate node handle")

// Factory returns the native EngineFactory, or ErrUnavailable.
func Factory() (sdk.EngineFactory, error) {
    if !Available() {
        return nil, ErrUnavailable
    }
    return New, nil
}

// Version reports the core library version without creating a node.
func Version() (sdk.Version, error) {
    if !Available() {
        return sdk.Version{}, ErrUnavailable
    }
    return coreVersion(), nil
}

// registry maps the integer handle the core hands back as its user pointer
// to the live Go object. Go pointers cannot be given to C, so callbacks
// resolve their node through here.
type registry[T any] struct {
    mu   sync.RWMutex
    next uintptr
    m    map[uintptr]T
}

func newRegistry[T any]() *registry[T] { return &registry[T]{m: make(map[uintptr]T)} }

// reserve returns an unused handle. Handles are never zero.
func (r *registry[T]) reserve() uintptr {
    r.mu.Lock()
    defer r.mu.Unlock()
    for {
        r.next++
        if r.next == 0 {
            continue
        }
        if _, taken := r.m[r.next]; !taken {
            return r.next
        }
    }
}

func (r *registry[T]) add(h uintptr, v T) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    if _, dup := r.m[h]; dup {
        return fmt.Errorf("%w: %d", ErrDuplicateHandle, h)
    }
    r.m[h] = v
    return nil
}

func (r *registry[T]) get(h uintptr) (T, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    v, ok := r.m[h]
    return v, ok
}

func (r *registry[T]) remove(h uintptr) {
    r.mu.Lock()
    delete(r.m, h)
    r.mu.Unlock()
}

func (r *registry[T]) len() int {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return len(r.m)
}
