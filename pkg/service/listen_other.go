//go:build !windows

package service

import (
    "context"
    "fmt"
    "net"

    "github.com/zerotier/ZeroTierOne/pkg/config"
)

func listenControl(addr string) (net.Listener, error) {
    if config.IsPipeName(addr) {
        return nil, fmt.Errorf("named pipe %q is only available on windows", addr)
    }
    return net.Listen("tcp", addr)
}

func dialControl(ctx context.Context, addr string) (net.Conn, error) {
    if config.IsPipeName(addr) {
        return nil, fmt.Errorf("named pipe %q is only available on windows", addr)
    }
    var d net.Dialer
    return d.DialContext(ctx, "tcp", addr)
}
