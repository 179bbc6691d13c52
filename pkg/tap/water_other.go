//go:build !linux

package tap

import (
    "errors"

    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

var ErrUnsupported = errors.New("tap: kernel TAP devices are only supported on linux")

func OpenTAP(name string, _ *sdk.VirtualNetworkConfig) (Device, error) {
    return nil, ErrUnsupported
}
