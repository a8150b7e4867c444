package main

import (
    "io"
    "os"
    "path/filepath"

    "ttrelay/pkg/config"
    "ttrelay/pkg/discovery"
    "ttrelay/pkg/discovery/lan"
    "ttrelay/pkg/discovery/mem"
)

// ErrUnknownKind names an unsupported discovery.kind.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown discovery kind: " + string(e) }

// newLayer builds the discovery layer selected by cfg. The mem kind keeps
// both roles inside this process, which is only useful for smoke tests.
func newLayer(cfg *config.Config) (discovery.Layer, error) {
    switch cfg.Discovery.Kind {
    case "lan", "mdns":
        l, err := lan.New(cfg.ServiceType, lan.Options{
            ListenAddr:     cfg.Discovery.ListenAddr,
            Domain:         cfg.Discovery.Domain,
            BrowseInterval: cfg.Discovery.BrowseInterval(),
            QueryTimeout:   cfg.Discovery.QueryTimeout(),
            DisableIPv6:    cfg.Discovery.DisableIPv6,
            Interface:      cfg.Discovery.Interface,
        })
        if err != nil { return nil, err }
        return l, nil
    case "mem", "inproc":
        l, err := mem.NewNetwork().Layer(cfg.ServiceType)
        if err != nil { return nil, err }
        return l, nil
    default:
        return nil, ErrUnknownKind(cfg.Discovery.Kind)
    }
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openOutput resolves events.output. An empty output disables the stream.
func openOutput(out string) (io.Writer, io.Closer, error) {
    switch out {
    case "":
        return nil, nopCloser{}, nil
    case "stdout":
        return os.Stdout, nopCloser{}, nil
    case "stderr":
        return os.Stderr, nopCloser{}, nil
    }
    if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil { return nil, nil, err }
    f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
    if err != nil { return nil, nil, err }
    return f, f, nil
}
