// Package config provides YAML-based configuration loading for the ZeroTier
// SDK service.
package config

import (
    "errors"
    "fmt"
    "net/netip"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // Home is the directory holding identity, state objects and status
    Home string `mapstructure:"home"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    Ports    PortsConfig    `mapstructure:"ports"`
    TCPRelay TCPRelayConfig `mapstructure:"tcp_relay"`

    // PollTimeout is the soft receive timeout of socket loops
    PollTimeout time.Duration `mapstructure:"poll_timeout"`

    DataStore DataStoreConfig `mapstructure:"datastore"`

    // Networks to join at startup (16 hex digit network ids)
    Networks []string `mapstructure:"networks"`

    Physical PhysicalConfig          `mapstructure:"physical"`
    Virtual  map[string]VirtualConfig `mapstructure:"virtual"`

    TAP    TAPConfig    `mapstructure:"tap"`
    Status StatusConfig `mapstructure:"status"`
    API    APIConfig    `mapstructure:"api"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        Home: "./zerotier-one",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: false,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/zerotier-one.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Ports: PortsConfig{Primary: 9993},
        TCPRelay: TCPRelayConfig{
            Enable:      false,
            Address:     "204.80.128.1:443",
            After:       60 * time.Second,
            DialTimeout: 10 * time.Second,
        },
        PollTimeout: 100 * time.Millisecond,
        DataStore:   DataStoreConfig{Kind: "fs"},
        Virtual:     map[string]VirtualConfig{},
        TAP: TAPConfig{
            Enable:        false,
            Prefix:        "zt",
            AllowManaged:  true,
            MulticastScan: 5 * time.Second,
        },
        Status: StatusConfig{
            Format:   "json",
            Interval: 10 * time.Second,
            File:     "service.status",
        },
        API: APIConfig{Enable: false, Listen: "127.0.0.1:9993"},
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix ZTSDK and `.`/`-` are replaced with `_`.
// Example: ZTSDK_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("ZTSDK")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("home", cfg.Home)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.trace", cfg.Log.Trace)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("ports.primary", cfg.Ports.Primary)
    v.SetDefault("ports.secondary", cfg.Ports.Secondary)
    v.SetDefault("ports.bind", cfg.Ports.Bind)
    v.SetDefault("tcp_relay.enable", cfg.TCPRelay.Enable)
    v.SetDefault("tcp_relay.address", cfg.TCPRelay.Address)
    v.SetDefault("tcp_relay.after", cfg.TCPRelay.After)
    v.SetDefault("tcp_relay.dial_timeout", cfg.TCPRelay.DialTimeout)
    v.SetDefault("poll_timeout", cfg.PollTimeout)
    v.SetDefault("datastore.kind", cfg.DataStore.Kind)
    v.SetDefault("datastore.cache_ttl", cfg.DataStore.CacheTTL)
    v.SetDefault("networks", cfg.Networks)
    v.SetDefault("physical.blacklist", cfg.Physical.Blacklist)
    v.SetDefault("tap.enable", cfg.TAP.Enable)
    v.SetDefault("tap.prefix", cfg.TAP.Prefix)
    v.SetDefault("tap.allow_managed", cfg.TAP.AllowManaged)
    v.SetDefault("tap.allow_global", cfg.TAP.AllowGlobal)
    v.SetDefault("tap.allow_default", cfg.TAP.AllowDefault)
    v.SetDefault("tap.multicast_scan", cfg.TAP.MulticastScan)
    v.SetDefault("status.format", cfg.Status.Format)
    v.SetDefault("status.interval", cfg.Status.Interval)
    v.SetDefault("status.file", cfg.Status.File)
    v.SetDefault("api.enable", cfg.API.Enable)
    v.SetDefault("api.listen", cfg.API.Listen)
    v.SetDefault("api.token", cfg.API.Token)

    // Choose config file
    if path == "" {
        if envPath := os.Getenv("ZTSDK_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("zerotier-one")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".zerotier-one"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if strings.TrimSpace(c.Home) == "" {
        return errors.New("home must not be empty")
    }

    for _, p := range []struct {
        name string
        v    int
    }{{"ports.primary", c.Ports.Primary}, {"ports.secondary", c.Ports.Secondary}} {
        if p.v < 0 || p.v > 65535 {
            return fmt.Errorf("invalid %s: %d", p.name, p.v)
        }
    }
    if c.Ports.Secondary != 0 && c.Ports.Secondary == c.Ports.Primary {
        return fmt.Errorf("ports.secondary must differ from ports.primary (%d)", c.Ports.Primary)
    }
    for _, b := range c.Ports.Bind {
        if _, err := netip.ParseAddr(b); err != nil {
            return fmt.Errorf("invalid ports.bind address %q: %w", b, err)
        }
    }

    if c.TCPRelay.Enable {
        if _, err := netip.ParseAddrPort(c.TCPRelay.Address); err != nil {
            return fmt.Errorf("invalid tcp_relay.address %q: %w", c.TCPRelay.Address, err)
        }
    }
    if c.PollTimeout <= 0 {
        c.PollTimeout = 100 * time.Millisecond
    }

    c.DataStore.Kind = strings.ToLower(strings.TrimSpace(c.DataStore.Kind))
    switch c.DataStore.Kind {
    case "", "fs":
        c.DataStore.Kind = "fs"
    case "memory":
    default:
        return fmt.Errorf("invalid datastore.kind: %q", c.DataStore.Kind)
    }

    for _, n := range c.Networks {
        if len(strings.TrimSpace(n)) != 16 {
            return fmt.Errorf("invalid network id %q", n)
        }
    }
    for _, cidr := range c.Physical.Blacklist {
        if _, err := netip.ParsePrefix(cidr); err != nil {
            return fmt.Errorf("invalid physical.blacklist entry %q: %w", cidr, err)
        }
    }
    for addr, vc := range c.Virtual {
        if len(addr) != 10 {
            return fmt.Errorf("invalid virtual address %q", addr)
        }
        for _, try := range vc.Try {
            if _, err := netip.ParseAddrPort(try); err != nil {
                return fmt.Errorf("invalid virtual.%s.try entry %q: %w", addr, try, err)
            }
        }
        for _, cidr := range vc.Blacklist {
            if _, err := netip.ParsePrefix(cidr); err != nil {
                return fmt.Errorf("invalid virtual.%s.blacklist entry %q: %w", addr, cidr, err)
            }
        }
    }

    if c.TAP.MulticastScan <= 0 {
        c.TAP.MulticastScan = 5 * time.Second
    }
    if c.API.Enable && !IsPipeName(c.API.Listen) {
        ap, err := netip.ParseAddrPort(c.API.Listen)
        if err != nil {
            return fmt.Errorf("invalid api.listen %q: %w", c.API.Listen, err)
        }
        if !ap.Addr().IsLoopback() {
            return fmt.Errorf("api.listen must be a loopback address, got %q", c.API.Listen)
        }
    }

    c.Status.Format = strings.ToLower(strings.TrimSpace(c.Status.Format))
    switch c.Status.Format {
    case "json", "cbor", "proto":
    case "":
        c.Status.Format = "json"
    default:
        return fmt.Errorf("invalid status.format: %q", c.Status.Format)
    }
    if c.Status.File == "" {
        c.Status.File = "service.status"
    }
    return nil
}

// StatusPath is the absolute location of the status snapshot.
func (c *Config) StatusPath() string {
    if filepath.IsAbs(c.Status.File) {
        return c.Status.File
    }
    return filepath.Join(c.Home, c.Status.File)
}
