package datastore

import (
    "errors"
    "fmt"
    "io"
    "io/fs"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/hectane/go-acl"
    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/memkv"
    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

// FS keeps state objects as files below a home directory. Secure objects are
// restricted to the owner (mode 0600, an owner-only ACL on Windows).
type FS struct {
    home  string
    cache *memkv.Store
    ttl   time.Duration
    log   *zap.Logger

    // held shared while a read fills the cache and exclusively while a
    // write replaces the file and invalidates it
    fill sync.RWMutex
}

// NewFS creates home if needed. A positive cacheTTL keeps objects read from
// disk in memory for that long so chunked reads hit the file once.
func NewFS(home string, cacheTTL time.Duration) (*FS, error) {
    if err := os.MkdirAll(home, 0o755); err != nil {
        return nil, fmt.Errorf("datastore: create home: %w", err)
    }
    f := &FS{home: home, ttl: cacheTTL, log: zap.L().Named("datastore")}
    if cacheTTL > 0 {
        f.cache = memkv.New(memkv.Options{Shards: 8, MaxBytes: 16 << 20})
    }
    return f, nil
}

// Home returns the directory backing the store.
func (f *FS) Home() string { return f.home }

// Close releases the read cache.
func (f *FS) Close() error {
    if f.cache != nil {
        f.cache.Close()
    }
    return nil
}

func (f *FS) path(name string) string { return filepath.Join(f.home, filepath.FromSlash(name)) }

func (f *FS) OnDataStoreGet(name string, buf []byte, offset int64) (int, int64, error) {
    if err := checkName(name); err != nil {
        return 0, 0, err
    }
    f.fill.RLock()
    defer f.fill.RUnlock()
    if f.cache != nil {
        if n, size, ok := f.cache.ReadAt(name, buf, offset); ok {
            return n, size, checkOffset(offset, size)
        }
    }
    data, err := os.ReadFile(f.path(name))
    if err != nil {
        if errors.Is(err, fs.ErrNotExist) {
            return 0, 0, sdk.ErrObjectNotFound
        }
        return 0, 0, err
    }
    if f.cache != nil {
        f.cache.Set(name, data, f.ttl)
    }
    size := int64(len(data))
    if err := checkOffset(offset, size); err != nil {
        return 0, size, err
    }
    return copy(buf, data[offset:]), size, nil
}

// checkOffset rejects reads starting past the end of an object. Reading at
// exactly the end returns nothing.
func checkOffset(offset, size int64) error {
    if offset < 0 || offset > size {
        return io.ErrUnexpectedEOF
    }
    return nil
}

// OnDataStorePut writes data to a temporary file next to the target and
// renames it into place.
func (f *FS) OnDataStorePut(name string, data []byte, secure bool) error {
    if err := checkName(name); err != nil {
        return err
    }
    target := f.path(name)
    dir := filepath.Dir(target)
    if err := os.MkdirAll(dir, 0o755); err != nil {
        return err
    }
    tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*")
    if err != nil {
        return err
    }
    tmpName := tmp.Name()
    cleanup := func() { _ = os.Remove(tmpName) }

    mode := os.FileMode(0o644)
    if secure {
        mode = 0o600
    }
    if err := acl.Chmod(tmpName, mode); err != nil {
        _ = tmp.Close()
        cleanup()
        return err
    }
    if _, err := tmp.Write(data); err != nil {
        _ = tmp.Close()
        cleanup()
        return err
    }
    if err := tmp.Sync(); err != nil {
        _ = tmp.Close()
        cleanup()
        return err
    }
    if err := tmp.Close(); err != nil {
        cleanup()
        return err
    }
    f.fill.Lock()
    err = os.Rename(tmpName, target)
    if f.cache != nil {
        f.cache.Delete(name)
    }
    f.fill.Unlock()
    if err != nil {
        cleanup()
        return err
    }
    f.log.Debug("state object stored", zap.String("name", name), zap.Int("len", len(data)), zap.Bool("secure", secure))
    return nil
}

func (f *FS) OnDelete(name string) error {
    if err := checkName(name); err != nil {
        return err
    }
    f.fill.Lock()
    defer f.fill.Unlock()
    if f.cache != nil {
        f.cache.Delete(name)
    }
    err := os.Remove(f.path(name))
    if err != nil && !errors.Is(err, fs.ErrNotExist) {
        return err
    }
    return nil
}

// List walks the home directory; temporary files are skipped.
func (f *FS) List(prefix string) ([]string, error) {
    var out []string
    err := filepath.WalkDir(f.home, func(p string, d fs.DirEntry, err error) error {
        if err != nil {
            return err
        }
        if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
            return nil
        }
        rel, err := filepath.Rel(f.home, p)
        if err != nil {
            return err
        }
        rel = filepath.ToSlash(rel)
        if strings.HasPrefix(rel, prefix) {
            out = append(out, rel)
        }
        return nil
    })
    if err != nil {
        return nil, err
    }
    sort.Strings(out)
    return out, nil
}
