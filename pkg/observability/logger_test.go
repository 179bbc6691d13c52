package observability

import (
    "os"
    "path/filepath"
    "strings"
    "testing"

    "github.com/stretchr/testify/require"
    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/config"
)

func TestParseLevel(t *testing.T) {
    require.Equal(t, zap.DebugLevel, ParseLevel("DEBUG"))
    require.Equal(t, zap.WarnLevel, ParseLevel("warning"))
    require.Equal(t, zap.ErrorLevel, ParseLevel("error"))
    require.Equal(t, zap.InfoLevel, ParseLevel("bogus"))
}

func TestSetupLoggerWritesFile(t *testing.T) {
    prev := zap.L()
    defer zap.ReplaceGlobals(prev)

    out := filepath.Join(t.TempDir(), "logs", "zt.log")
    logger, err := SetupLogger(config.LogConfig{Level: "debug", Format: "json", Outputs: []string{out}})
    require.NoError(t, err)

    zap.L().Debug("hello", zap.String("nwid", "8056c2e21c000001"))
    require.NoError(t, Sync(logger))

    b, err := os.ReadFile(out)
    require.NoError(t, err)
    require.True(t, strings.Contains(string(b), `"nwid":"8056c2e21c000001"`), string(b))
}

func TestSetupLoggerBadPath(t *testing.T) {
    prev := zap.L()
    defer zap.ReplaceGlobals(prev)

    dir := t.TempDir()
    blocker := filepath.Join(dir, "file")
    require.NoError(t, os.WriteFile(blocker, nil, 0o644))
    _, err := SetupLogger(config.LogConfig{Level: "info", Outputs: []string{filepath.Join(blocker, "sub", "x.log")}})
    require.Error(t, err)
}
