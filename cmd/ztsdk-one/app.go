package main

import (
    "context"
    "fmt"
    "io"
    "os"
    "os/signal"
    "syscall"

    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/config"
    "github.com/zerotier/ZeroTierOne/pkg/core/native"
    "github.com/zerotier/ZeroTierOne/pkg/observability"
    "github.com/zerotier/ZeroTierOne/pkg/service"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
        return 1
    }
    if opts.Home != "" {
        cfg.Home = opts.Home
    }
    cfg.Networks = append(cfg.Networks, opts.Join...)

    if opts.Status {
        b, err := os.ReadFile(cfg.StatusPath())
        if err != nil {
            fmt.Fprintf(os.Stderr, "no status available: %v\n", err)
            return 1
        }
        _, _ = os.Stdout.Write(b)
        return 0
    }
    if opts.Version {
        return printVersion(os.Stdout, os.Stderr)
    }
    if len(opts.Command) > 0 {
        return control(cfg, opts, os.Stdout, os.Stderr)
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
        return 1
    }
    defer func() { _ = observability.Sync(logger) }()

    zap.L().Info("ztsdk-one starting", zap.String("home", cfg.Home))
    zap.L().Debug("effective configuration", zap.Any("config", cfg))

    svc, err := service.New(cfg, service.Options{})
    if err != nil {
        zap.L().Error("failed to create service", zap.Error(err))
        return 1
    }
    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()
    if err := svc.Run(ctx); err != nil {
        zap.L().Error("service terminated", zap.Error(err))
        return 2
    }
    zap.L().Info("ztsdk-one stopped")
    return 0
}

// printVersion reports the core version without starting a node.
func printVersion(stdout, stderr io.Writer) int {
    v, err := native.Version()
    if err != nil {
        fmt.Fprintln(stderr, err)
        return 1
    }
    fmt.Fprintln(stdout, v.String())
    return 0
}
