package main

import "flag"

// Options holds CLI options for the node.
type Options struct {
    ConfigPath string
    // LocalPort enables advertising and overrides advertiser.local_port.
    LocalPort int
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
    fs := flag.NewFlagSet("ttrelay-node", flag.ExitOnError)
    var opts Options
    fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
    fs.IntVar(&opts.LocalPort, "local-port", 0, "Advertise and relay invitations to this 127.0.0.1 port")
    _ = fs.Parse(args)
    return opts
}
