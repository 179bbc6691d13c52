//go:build windows

package service

import (
    "context"
    "net"

    "github.com/Microsoft/go-winio"

    "github.com/zerotier/ZeroTierOne/pkg/config"
)

func listenControl(addr string) (net.Listener, error) {
    if config.IsPipeName(addr) {
        return winio.ListenPipe(addr, nil)
    }
    return net.Listen("tcp", addr)
}

func dialControl(ctx context.Context, addr string) (net.Conn, error) {
    if config.IsPipeName(addr) {
        return winio.DialPipeContext(ctx, addr)
    }
    var d net.Dialer
    return d.DialContext(ctx, "tcp", addr)
}
