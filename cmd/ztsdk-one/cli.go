package main

import (
    "flag"
    "fmt"
    "strings"
)

// Options holds CLI options for the service.
type Options struct {
    ConfigPath string
    Home       string
    Join       []string
    Status     bool
    Version    bool
    // Token authenticates control commands; empty uses api.token or the
    // token file in the home directory.
    Token string
    // Command is a control command for a running service, e.g. "join <nwid>".
    Command []string
}

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }
func (l *listFlag) Set(v string) error {
    for _, p := range strings.Split(v, ",") {
        if p = strings.TrimSpace(p); p != "" {
            *l = append(*l, p)
        }
    }
    return nil
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
    fs := flag.NewFlagSet("ztsdk-one", flag.ExitOnError)
    var opts Options
    var join listFlag
    fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
    fs.StringVar(&opts.Home, "home", "", "Override the home directory")
    fs.Var(&join, "join", "Network id to join (repeatable, comma separated)")
    fs.BoolVar(&opts.Status, "status", false, "Print the last status snapshot and exit")
    fs.BoolVar(&opts.Version, "version", false, "Print the engine version and exit")
    fs.StringVar(&opts.Token, "token", "", "Control API token for commands")
    fs.Usage = func() {
        fmt.Fprintf(fs.Output(), "usage: ztsdk-one [flags] [command [args]]\n\ncommands:\n%s\nflags:\n", commandUsage)
        fs.PrintDefaults()
    }
    _ = fs.Parse(args)
    opts.Join = join
    opts.Command = fs.Args()
    return opts
}
