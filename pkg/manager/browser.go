package manager

import (
    "context"
    "fmt"
    "sync"
    "time"

    "github.com/benbjohnson/clock"
    "go.uber.org/multierr"
    "go.uber.org/zap"

    "ttrelay/pkg/discovery"
    "ttrelay/pkg/peer"
    "ttrelay/pkg/relay"
    "ttrelay/pkg/relayerr"
    "ttrelay/pkg/session"
    "ttrelay/pkg/vsocket"
)

type BrowserOptions struct {
    BuildTimeout time.Duration
    Clock        clock.Clock
    // Local identifies this node towards advertisers. A fresh peer when zero.
    Local peer.Peer
    // OnAvailability is called outside the manager lock for every found or
    // lost peer.
    OnAvailability func(peer.Availability)
}

// link is one browser relay and the result of opening it. Concurrent
// ConnectToPeer calls for the same uuid share it.
type link struct {
    sess  *session.Session
    relay *relay.BrowserRelay

    once  sync.Once
    ready chan struct{}
    port  int
    err   error
}

func (l *link) settle(port int, err error) {
    l.once.Do(func() {
        l.port, l.err = port, err
        close(l.ready)
    })
}

func (l *link) wait(ctx context.Context) (int, error) {
    select {
    case <-l.ready:
        return l.port, l.err
    case <-ctx.Done():
        return 0, fmt.Errorf("%w: %w", relayerr.ErrConnectionFailed, ctx.Err())
    }
}

// Browser discovers advertised peers and connects to them on demand.
type Browser struct {
    layer discovery.Layer
    opts  BrowserOptions
    log   *zap.Logger

    mu        sync.Mutex
    browser   discovery.Browser
    epoch     uint64
    available []peer.Peer
    latest    map[string]peer.Peer
    links     map[string]*link
    closed    bool
}

func NewBrowser(layer discovery.Layer, opts BrowserOptions) *Browser {
    if opts.Local.IsZero() { opts.Local = peer.New() }
    return &Browser{
        layer:  layer,
        opts:   opts,
        log:    zap.L().Named("browser").With(zap.String("service", layer.ServiceType())),
        latest: make(map[string]peer.Peer),
        links:  make(map[string]*link),
    }
}

// Local is the identity presented to advertisers.
func (m *Browser) Local() peer.Peer { return m.opts.Local }

// StartListening starts browsing. Browsing lasts until StopListening,
// independent of ctx.
func (m *Browser) StartListening(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return fmt.Errorf("%w: browser closed", relayerr.ErrConnectionFailed) }
    if m.browser != nil { return nil }

    m.epoch++
    epoch := m.epoch
    br, err := m.layer.Browse(context.WithoutCancel(ctx), m.opts.Local, discovery.BrowseHandler{
        Found: func(p peer.Peer) { m.found(epoch, p) },
        Lost:  func(p peer.Peer) { m.lost(epoch, p) },
    })
    if err != nil {
        m.log.Warn("browse failed", zap.Error(err))
        return fmt.Errorf("%w: browse: %w", relayerr.ErrConnectionFailed, err)
    }
    m.browser = br
    m.log.Info("listening for peers", zap.Stringer("local", m.opts.Local))
    return nil
}

// StopListening stops browsing and forgets every available peer.
func (m *Browser) StopListening() {
    m.mu.Lock()
    br := m.browser
    m.browser = nil
    m.available = nil
    m.latest = make(map[string]peer.Peer)
    m.mu.Unlock()
    if br == nil { return }
    if err := br.Stop(); err != nil { m.log.Debug("stop browse", zap.Error(err)) }
    m.log.Info("stopped listening")
}

func (m *Browser) Listening() bool {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.browser != nil
}

func (m *Browser) found(epoch uint64, p peer.Peer) {
    m.mu.Lock()
    if epoch != m.epoch || m.browser == nil { m.mu.Unlock(); return }
    known := false
    for _, a := range m.available {
        if a == p { known = true; break }
    }
    if !known { m.available = append(m.available, p) }
    if cur, ok := m.latest[p.UUID]; !ok || p.Generation > cur.Generation { m.latest[p.UUID] = p }
    m.mu.Unlock()

    m.log.Debug("peer found", zap.Stringer("peer", p))
    m.emit(peer.Availability{Peer: p, Available: true})
}

func (m *Browser) lost(epoch uint64, p peer.Peer) {
    m.mu.Lock()
    if epoch != m.epoch || m.browser == nil { m.mu.Unlock(); return }
    for i, a := range m.available {
        if a == p {
            m.available = append(m.available[:i], m.available[i+1:]...)
            break
        }
    }
    if q, ok := peer.Latest(m.available, p.UUID); ok {
        m.latest[p.UUID] = q
    } else {
        delete(m.latest, p.UUID)
    }
    m.mu.Unlock()

    m.log.Debug("peer lost", zap.Stringer("peer", p))
    m.emit(peer.Availability{Peer: p, Available: false})
}

func (m *Browser) emit(a peer.Availability) {
    if m.opts.OnAvailability != nil { m.opts.OnAvailability(a) }
}

// LatestKnownGeneration is the newest available generation of uuid.
func (m *Browser) LatestKnownGeneration(uuid string) (peer.Peer, bool) {
    m.mu.Lock(); defer m.mu.Unlock()
    p, ok := m.latest[uuid]
    return p, ok
}

// Available is a snapshot of the available peers in discovery order.
func (m *Browser) Available() []peer.Peer {
    m.mu.Lock(); defer m.mu.Unlock()
    return append([]peer.Peer(nil), m.available...)
}

func (m *Browser) RelayCount() int {
    m.mu.Lock(); defer m.mu.Unlock()
    return len(m.links)
}

// ConnectToPeer connects to the newest generation of p.UUID and returns the
// loopback port local applications use to reach it. A peer that already
// has a relay yields the same port. ctx bounds the wait only.
func (m *Browser) ConnectToPeer(ctx context.Context, p peer.Peer, token string) (int, error) {
    m.mu.Lock()
    if m.browser == nil {
        m.mu.Unlock()
        return 0, relayerr.ErrStartListeningNotActive
    }
    if l, ok := m.links[p.UUID]; ok {
        m.mu.Unlock()
        return l.wait(ctx)
    }
    target, ok := m.latest[p.UUID]
    if !ok {
        m.mu.Unlock()
        return 0, fmt.Errorf("%w: no generation of %s is available", relayerr.ErrIllegalPeerID, p.UUID)
    }
    br := m.browser
    l := &link{ready: make(chan struct{})}
    m.links[p.UUID] = l

    l.sess = session.New(target, session.Handlers{
        OnConnect: func() { go m.open(l) },
        OnDisconnect: func(err error) {
            _ = l.relay.CloseRelay()
            m.mu.Lock()
            if m.links[target.UUID] == l { delete(m.links, target.UUID) }
            m.mu.Unlock()
            if err == nil { err = fmt.Errorf("%w: session disconnected", relayerr.ErrConnectionFailed) }
            l.settle(0, err)
        },
    })
    l.relay = relay.NewBrowser(l.sess, vsocket.Builder{Timeout: m.opts.BuildTimeout, Clock: m.opts.Clock})
    err := l.sess.Connect(func(ctx context.Context) (discovery.Conn, error) { return br.Invite(ctx, target) })
    m.mu.Unlock()

    if err != nil { l.sess.Disconnect() }
    m.log.Debug("connecting", zap.Stringer("peer", target), zap.String("token", token))
    return l.wait(ctx)
}

func (m *Browser) open(l *link) {
    port, err := l.relay.OpenRelay(context.Background())
    if err != nil {
        m.log.Warn("browser relay open failed", zap.Stringer("peer", l.sess.Remote()), zap.Error(err))
        l.settle(0, err)
        l.sess.Disconnect()
        return
    }
    m.log.Info("peer reachable", zap.Stringer("peer", l.sess.Remote()), zap.Int("port", port))
    l.settle(port, nil)
}

// Disconnect ends the session with p.UUID, if any.
func (m *Browser) Disconnect(p peer.Peer) {
    m.mu.Lock()
    l := m.links[p.UUID]
    m.mu.Unlock()
    if l != nil { l.sess.Disconnect() }
}

// Close stops listening and closes every relay.
func (m *Browser) Close() error {
    m.StopListening()
    m.mu.Lock()
    m.closed = true
    links := m.links
    m.links = make(map[string]*link)
    m.mu.Unlock()

    var err error
    for _, l := range links {
        err = multierr.Append(err, l.relay.CloseRelay())
        l.sess.Disconnect()
    }
    return err
}
