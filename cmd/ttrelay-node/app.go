package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/multierr"
    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "ttrelay/pkg/codec"
    "ttrelay/pkg/config"
    "ttrelay/pkg/discovery"
    "ttrelay/pkg/events"
    "ttrelay/pkg/manager"
    "ttrelay/pkg/observability"
    "ttrelay/pkg/peer"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }
    if opts.LocalPort > 0 {
        cfg.Advertiser.Enable = true
        cfg.Advertiser.LocalPort = opts.LocalPort
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("ttrelay-node started", zap.String("service", cfg.ServiceType))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()
    if err := serve(ctx, cfg); err != nil {
        zap.L().Error("node failed", zap.Error(err))
        return 1
    }
    zap.L().Info("ttrelay-node stopped")
    return 0
}

func serve(ctx context.Context, cfg *config.Config) error {
    layer, err := newLayer(cfg)
    if err != nil { return err }
    c, err := codec.NewRegistry().Lookup(cfg.Events.Format)
    if err != nil { return err }
    w, closer, err := openOutput(cfg.Events.Output)
    if err != nil { return fmt.Errorf("events output: %w", err) }
    defer closer.Close()

    return newNode(cfg, layer, events.NewEmitter(w, c)).run(ctx)
}

// node wires both managers to one discovery layer and reports their state
// through the emitter.
type node struct {
    cfg   *config.Config
    em    *events.Emitter
    adv   *manager.Advertiser
    br    *manager.Browser
    found chan peer.Peer
    log   *zap.Logger
}

func newNode(cfg *config.Config, layer discovery.Layer, em *events.Emitter) *node {
    n := &node{cfg: cfg, em: em, found: make(chan peer.Peer, 64), log: zap.L().Named("node")}
    n.adv = manager.NewAdvertiser(layer, manager.AdvertiserOptions{
        DisposeTimeout: cfg.Relay.DisposeTimeout(),
        BuildTimeout:   cfg.Relay.BuildTimeout(),
        OnDisposed:     func(p peer.Peer) { n.log.Debug("advertisement disposed", zap.Stringer("peer", p)) },
        OnIncomingFailed: func(port int, err error) {
            n.emit(events.IncomingConnectionFailed(port))
        },
        OnError: func(err error) { n.log.Warn("advertiser error", zap.Error(err)) },
    })
    n.br = manager.NewBrowser(layer, manager.BrowserOptions{
        BuildTimeout:   cfg.Relay.BuildTimeout(),
        OnAvailability: n.availability,
    })
    return n
}

func (n *node) emit(ev events.Event) {
    if err := n.em.Emit(ev); err != nil { n.log.Warn("emit event", zap.String("kind", string(ev.Kind)), zap.Error(err)) }
}

func (n *node) availability(a peer.Availability) {
    n.emit(events.PeerAvailabilityChanged(a))
    if !a.Available || !n.cfg.Browser.AutoConnect { return }
    select {
    case n.found <- a.Peer:
    default:
        n.log.Warn("auto-connect queue full", zap.Stringer("peer", a.Peer))
    }
}

func (n *node) state() {
    n.emit(events.DiscoveryAdvertisingState(n.br.Listening(), n.adv.Advertising()))
}

func (n *node) run(ctx context.Context) error {
    g, gctx := errgroup.WithContext(ctx)

    if n.cfg.Browser.Enable {
        if err := n.br.StartListening(gctx); err != nil { return err }
    }
    if n.cfg.Advertiser.Enable {
        if err := n.adv.StartUpdateAdvertisingAndListening(gctx, n.cfg.Advertiser.LocalPort); err != nil {
            _ = n.br.Close()
            return err
        }
    }
    n.state()

    if n.cfg.Browser.Enable && n.cfg.Browser.AutoConnect {
        g.Go(func() error { n.autoConnect(gctx); return nil })
    }
    g.Go(func() error { <-gctx.Done(); return nil })
    err := g.Wait()

    n.adv.StopAdvertising()
    n.br.StopListening()
    n.state()
    return multierr.Combine(err, n.adv.Close(), n.br.Close())
}

// autoConnect connects to every found peer and logs the loopback port it
// is reachable on.
func (n *node) autoConnect(ctx context.Context) {
    for {
        select {
        case <-ctx.Done():
            return
        case p := <-n.found:
            go func() {
                cctx, cancel := context.WithTimeout(ctx, 2*n.cfg.Relay.BuildTimeout()+5*time.Second)
                defer cancel()
                port, err := n.br.ConnectToPeer(cctx, p, p.String())
                if err != nil {
                    n.log.Warn("auto-connect failed", zap.Stringer("peer", p), zap.Error(err))
                    return
                }
                n.log.Info("peer available on loopback", zap.Stringer("peer", p), zap.Int("port", port))
            }()
        }
    }
}
