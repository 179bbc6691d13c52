// Package datastore implements the engine's state object listeners on top
// of a directory (FS) or memory (Memory).
package datastore

import (
    "errors"
    "fmt"
    "path"
    "strings"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

// Store is a complete data store usable as both state listeners.
type Store interface {
    sdk.DataStoreGetListener
    sdk.DataStorePutListener
    // List returns the names starting with prefix, sorted.
    List(prefix string) ([]string, error)
}

// ErrInvalidName is returned for names that escape the store.
var ErrInvalidName = errors.New("datastore: invalid object name")

// checkName accepts slash separated relative names without "..".
func checkName(name string) error {
    if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
        return fmt.Errorf("%w: %q", ErrInvalidName, name)
    }
    if path.Clean(name) != name {
        return fmt.Errorf("%w: %q", ErrInvalidName, name)
    }
    for _, part := range strings.Split(name, "/") {
        if part == ".." || part == "." {
            return fmt.Errorf("%w: %q", ErrInvalidName, name)
        }
    }
    return nil
}

// NetworkIDFromName returns the network id of a networks.d/<nwid>.conf name.
func NetworkIDFromName(name string) (sdk.NetworkID, bool) {
    base, ok := strings.CutPrefix(name, "networks.d/")
    if !ok {
        return 0, false
    }
    hex, ok := strings.CutSuffix(base, ".conf")
    if !ok {
        return 0, false
    }
    nwid, err := sdk.ParseNetworkID(hex)
    if err != nil {
        return 0, false
    }
    return nwid, true
}
