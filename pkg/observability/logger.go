// Package observability contains logging setup for the service and its tools.
package observability

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "syscall"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"

    "github.com/zerotier/ZeroTierOne/pkg/config"
)

// ParseLevel maps a config level name to a zap level. Unknown names are info.
func ParseLevel(s string) zapcore.Level {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "debug":
        return zap.DebugLevel
    case "warn", "warning":
        return zap.WarnLevel
    case "error":
        return zap.ErrorLevel
    default:
        return zap.InfoLevel
    }
}

// SetupLogger builds a zap.Logger from the provided configuration, sets it as
// the global logger, and redirects the stdlib log package. The caller should
// defer Sync(logger).
func SetupLogger(c config.LogConfig) (*zap.Logger, error) {
    level := zap.NewAtomicLevelAt(ParseLevel(c.Level))

    encCfg := encoderConfig(c.Development)
    var encoder zapcore.Encoder
    if strings.ToLower(c.Format) == "json" {
        encoder = zapcore.NewJSONEncoder(encCfg)
    } else {
        encoder = zapcore.NewConsoleEncoder(encCfg)
    }

    var cores []zapcore.Core
    for _, out := range c.Outputs {
        ws, err := openOutput(out, c)
        if err != nil {
            return nil, err
        }
        cores = append(cores, zapcore.NewCore(encoder, ws, level))
    }
    if len(cores) == 0 {
        cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
    }

    opts := []zap.Option{
        zap.AddCaller(),
        zap.AddStacktrace(zap.ErrorLevel),
    }
    if c.Development {
        opts = append(opts, zap.Development())
    }

    logger := zap.New(zapcore.NewTee(cores...), opts...)
    zap.ReplaceGlobals(logger)
    // stdlib log lines from dependencies end up at info
    _, _ = zap.RedirectStdLogAt(logger, zap.InfoLevel)
    return logger, nil
}

func openOutput(out string, c config.LogConfig) (zapcore.WriteSyncer, error) {
    switch strings.ToLower(out) {
    case "stdout":
        return zapcore.Lock(os.Stdout), nil
    case "stderr":
        return zapcore.Lock(os.Stderr), nil
    }
    if c.Rotation.Enable {
        name := out
        if strings.TrimSpace(c.Rotation.Filename) != "" {
            name = c.Rotation.Filename
        }
        return zapcore.AddSync(&lumberjack.Logger{
            Filename:   name,
            MaxSize:    max(c.Rotation.MaxSizeMB, 10),
            MaxBackups: max(c.Rotation.MaxBackups, 1),
            MaxAge:     max(c.Rotation.MaxAgeDays, 7),
            Compress:   c.Rotation.Compress,
        }), nil
    }
    if dir := filepath.Dir(out); dir != "." {
        if err := os.MkdirAll(dir, 0o755); err != nil {
            return nil, fmt.Errorf("log output %s: %w", out, err)
        }
    }
    f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
    if err != nil {
        return nil, fmt.Errorf("log output %s: %w", out, err)
    }
    return zapcore.AddSync(f), nil
}

func encoderConfig(dev bool) zapcore.EncoderConfig {
    if dev {
        cfg := zap.NewDevelopmentEncoderConfig()
        cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
        return cfg
    }
    cfg := zap.NewProductionEncoderConfig()
    cfg.EncodeTime = zapcore.ISO8601TimeEncoder
    return cfg
}

// Sync flushes the logger, ignoring the errors terminals return for fsync.
func Sync(l *zap.Logger) error {
    err := l.Sync()
    if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EBADF) {
        return nil
    }
    return err
}
