package main

import (
    "context"
    "errors"
    "fmt"
    "io"
    "net/netip"
    "os"
    "path/filepath"
    "strconv"
    "strings"
    "time"

    "github.com/zerotier/ZeroTierOne/pkg/config"
    "github.com/zerotier/ZeroTierOne/pkg/sdk"
    "github.com/zerotier/ZeroTierOne/pkg/service"
)

const commandUsage = `  info                     address, version and connectivity
  listnetworks             joined networks
  listpeers                known peers
  join <nwid>              join a network
  leave <nwid>             leave a network
  orbit <world> <seed>     add a moon (hex ids)
  deorbit <world>          remove a moon
`

var errUsage = errors.New("invalid command")

// control runs one command against a running service's control API.
func control(cfg *config.Config, opts Options, stdout, stderr io.Writer) int {
    token, err := controlToken(cfg, opts.Token)
    if err != nil {
        fmt.Fprintln(stderr, err)
        return 1
    }
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer cancel()
    c := service.NewClient(cfg.API.Listen, token)
    if err := runCommand(ctx, c, opts.Command, stdout); err != nil {
        if errors.Is(err, errUsage) {
            fmt.Fprintf(stderr, "%v\n\ncommands:\n%s", err, commandUsage)
            return 2
        }
        fmt.Fprintf(stderr, "%s: %v\n", opts.Command[0], err)
        return 1
    }
    return 0
}

func controlToken(cfg *config.Config, flagToken string) (string, error) {
    if t := strings.TrimSpace(flagToken); t != "" {
        return t, nil
    }
    if t := strings.TrimSpace(cfg.API.Token); t != "" {
        return t, nil
    }
    b, err := os.ReadFile(filepath.Join(cfg.Home, service.AuthTokenName))
    if err != nil {
        return "", fmt.Errorf("missing control API token: %w", err)
    }
    return strings.TrimSpace(string(b)), nil
}

func runCommand(ctx context.Context, c *service.Client, argv []string, w io.Writer) error {
    cmd, args := argv[0], argv[1:]
    arity := map[string]int{"info": 0, "listnetworks": 0, "listpeers": 0, "join": 1, "leave": 1, "orbit": 2, "deorbit": 1}
    n, ok := arity[cmd]
    if !ok {
        return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
    }
    if len(args) != n {
        return fmt.Errorf("%w: %s takes %d argument(s)", errUsage, cmd, n)
    }

    switch cmd {
    case "info":
        st, err := c.Status(ctx)
        if err != nil {
            return err
        }
        state := "OFFLINE"
        if st.TCPFallbackActive {
            state = "TUNNELED"
        } else if st.Online {
            state = "ONLINE"
        }
        fmt.Fprintf(w, "200 info %s %s %s\n", st.Address, orDash(st.Version), state)

    case "listnetworks":
        nets, err := c.Networks(ctx)
        if err != nil {
            return err
        }
        fmt.Fprintln(w, "200 listnetworks <nwid> <name> <mac> <status> <type> <dev> <ZT assigned ips>")
        for _, n := range nets {
            fmt.Fprintf(w, "200 listnetworks %s %s %s %s %s %s %s\n",
                n.NetworkID, orDash(n.Name), n.MAC, n.Status, n.Type, orDash(n.Device), orDash(joinPrefixes(n.AssignedAddresses)))
        }

    case "listpeers":
        peers, err := c.Peers(ctx)
        if err != nil {
            return err
        }
        now := time.Now()
        fmt.Fprintln(w, "200 listpeers <ztaddr> <path> <latency> <version> <role>")
        for _, p := range peers {
            path := "-"
            if pp := p.PreferredPath; pp != nil {
                path = fmt.Sprintf("%s;%d;%d", pp.Address, ago(now, pp.LastSend), ago(now, pp.LastReceive))
            }
            latency := int64(-1)
            if p.Latency >= 0 {
                latency = p.Latency.Milliseconds()
            }
            fmt.Fprintf(w, "200 listpeers %s %s %d %s %s\n", p.Address, path, latency, orDash(p.Version), p.Role)
        }

    case "join", "leave":
        nwid, err := sdk.ParseNetworkID(args[0])
        if err != nil {
            return fmt.Errorf("%w: %v", errUsage, err)
        }
        if cmd == "join" {
            _, err = c.Join(ctx, nwid)
        } else {
            err = c.Leave(ctx, nwid)
        }
        if err != nil {
            return err
        }
        fmt.Fprintf(w, "200 %s OK\n", cmd)

    case "orbit", "deorbit":
        world, err := strconv.ParseUint(args[0], 16, 64)
        if err != nil {
            return fmt.Errorf("%w: world id %q", errUsage, args[0])
        }
        if cmd == "orbit" {
            seed, perr := strconv.ParseUint(args[1], 16, 64)
            if perr != nil {
                return fmt.Errorf("%w: seed %q", errUsage, args[1])
            }
            err = c.Orbit(ctx, world, seed)
        } else {
            err = c.Deorbit(ctx, world)
        }
        if err != nil {
            return err
        }
        fmt.Fprintf(w, "200 %s OK\n", cmd)
    }
    return nil
}

func orDash(s string) string {
    if s == "" {
        return "-"
    }
    return s
}

func joinPrefixes(ps []netip.Prefix) string {
    out := make([]string, len(ps))
    for i, p := range ps {
        out[i] = p.String()
    }
    return strings.Join(out, ",")
}

// ago is the milliseconds since t, -1 for never.
func ago(now, t time.Time) int64 {
    if t.IsZero() {
        return -1
    }
    return now.Sub(t).Milliseconds()
}
