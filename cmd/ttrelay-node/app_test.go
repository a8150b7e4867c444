package main

import (
    "bytes"
    "context"
    "errors"
    "io"
    "net"
    "strings"
    "sync"
    "testing"
    "time"

    "ttrelay/pkg/codec"
    "ttrelay/pkg/config"
    "ttrelay/pkg/events"
)

func TestParseFlags(t *testing.T) {
    opts := ParseFlags([]string{"-config", "relay.yaml", "-local-port", "8080"})
    if opts.ConfigPath != "relay.yaml" || opts.LocalPort != 8080 { t.Fatalf("unexpected options: %+v", opts) }
}

func TestNewLayerByKind(t *testing.T) {
    cfg := config.Default()
    for _, kind := range []string{"lan", "mem"} {
        cfg.Discovery.Kind = kind
        l, err := newLayer(cfg)
        if err != nil { t.Fatalf("%s: %v", kind, err) }
        if l.ServiceType() != cfg.ServiceType { t.Fatalf("%s: service type %q", kind, l.ServiceType()) }
    }
    cfg.Discovery.Kind = "bluetooth"
    var unknown ErrUnknownKind
    if _, err := newLayer(cfg); !errors.As(err, &unknown) || string(unknown) != "bluetooth" {
        t.Fatalf("expected ErrUnknownKind, got %v", err)
    }
}

// syncBuffer is written by the emitter while the test reads it.
type syncBuffer struct {
    mu  sync.Mutex
    buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
    b.mu.Lock(); defer b.mu.Unlock()
    return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
    b.mu.Lock(); defer b.mu.Unlock()
    return b.buf.String()
}

func TestNodeRelaysToItselfOverMem(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    defer ln.Close()
    go func() {
        for {
            c, err := ln.Accept()
            if err != nil { return }
            go func() { _, _ = io.Copy(c, c); _ = c.Close() }()
        }
    }()

    cfg := config.Default()
    cfg.Discovery.Kind = "mem"
    cfg.Advertiser.Enable = true
    cfg.Advertiser.LocalPort = ln.Addr().(*net.TCPAddr).Port
    cfg.Browser.AutoConnect = true
    layer, err := newLayer(cfg)
    if err != nil { t.Fatalf("layer: %v", err) }

    out := &syncBuffer{}
    n := newNode(cfg, layer, events.NewEmitter(out, codec.JSON()))
    ctx, cancel := context.WithCancel(context.Background())
    done := make(chan error, 1)
    go func() { done <- n.run(ctx) }()

    deadline := time.Now().Add(3 * time.Second)
    for n.br.RelayCount() == 0 || n.adv.RelayCount() == 0 {
        if time.Now().After(deadline) { t.Fatalf("auto-connect did not produce relays") }
        time.Sleep(10 * time.Millisecond)
    }
    cancel()
    select {
    case err := <-done:
        if err != nil { t.Fatalf("run: %v", err) }
    case <-time.After(3 * time.Second):
        t.Fatalf("node did not stop")
    }

    s := out.String()
    for _, want := range []string{
        `"event":"discoveryAdvertisingStateUpdateNonTCP"`,
        `"peerAvailable":true`,
        `"advertisingActive":false`,
    } {
        if !strings.Contains(s, want) { t.Fatalf("event stream lacks %s:\n%s", want, s) }
    }
    if n.br.RelayCount() != 0 || n.adv.RelayCount() != 0 { t.Fatalf("relays left after shutdown") }
}
