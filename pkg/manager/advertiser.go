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

// DefaultDisposeTimeout keeps a superseded advertisement alive long enough
// for invitations addressed to its generation to complete.
const DefaultDisposeTimeout = 30 * time.Second

type AdvertiserOptions struct {
    DisposeTimeout time.Duration
    BuildTimeout   time.Duration
    Clock          clock.Clock

    // OnDisposed reports a superseded advertisement once its timer fired.
    OnDisposed func(peer.Peer)
    // OnIncomingFailed reports an invitation whose relay could not open.
    OnIncomingFailed func(localPort int, err error)
    // OnError reports advertisement setup failures.
    OnError func(error)
}

type handle struct {
    peer  peer.Peer
    ad    discovery.Advertisement
    timer *clock.Timer
}

// Advertiser publishes the local peer and serves invitations with
// advertiser relays, one per remote uuid.
type Advertiser struct {
    layer discovery.Layer
    opts  AdvertiserOptions
    clock clock.Clock
    log   *zap.Logger

    mu       sync.Mutex
    current  *handle
    retiring []*handle
    relays   map[string]*relay.AdvertiserRelay
    closed   bool
}

func NewAdvertiser(layer discovery.Layer, opts AdvertiserOptions) *Advertiser {
    if opts.DisposeTimeout <= 0 { opts.DisposeTimeout = DefaultDisposeTimeout }
    c := opts.Clock
    if c == nil { c = clock.New() }
    return &Advertiser{
        layer:  layer,
        opts:   opts,
        clock:  c,
        log:    zap.L().Named("advertiser").With(zap.String("service", layer.ServiceType())),
        relays: make(map[string]*relay.AdvertiserRelay),
    }
}

// StartUpdateAdvertisingAndListening advertises the next generation of the
// local peer and relays its invitations to 127.0.0.1:localPort. A previous
// advertisement stays up for DisposeTimeout. The advertisement outlives ctx.
func (m *Advertiser) StartUpdateAdvertisingAndListening(ctx context.Context, localPort int) error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return fmt.Errorf("%w: advertiser closed", relayerr.ErrConnectionFailed)
    }
    next := peer.New()
    if m.current != nil { next = m.current.peer.NextGeneration() }

    ad, err := m.layer.Advertise(context.WithoutCancel(ctx), next, func(c discovery.Conn) { m.accept(c, localPort) })
    if err != nil {
        m.mu.Unlock()
        err = fmt.Errorf("%w: advertise %s: %w", relayerr.ErrConnectionFailed, next, err)
        m.log.Warn("advertise failed", zap.Error(err))
        if m.opts.OnError != nil { m.opts.OnError(err) }
        return err
    }

    // at most one advertisement waits for disposal
    expired := m.retiring
    m.retiring = nil
    for _, h := range expired { h.timer.Stop() }
    if old := m.current; old != nil {
        old.timer = m.clock.AfterFunc(m.opts.DisposeTimeout, func() { m.dispose(old) })
        m.retiring = append(m.retiring, old)
    }
    m.current = &handle{peer: next, ad: ad}
    m.mu.Unlock()

    m.log.Info("advertising", zap.Stringer("peer", next), zap.Int("local_port", localPort))
    for _, h := range expired { m.retire(h) }
    return nil
}

func (m *Advertiser) dispose(h *handle) {
    m.mu.Lock()
    found := false
    for i, r := range m.retiring {
        if r == h {
            m.retiring = append(m.retiring[:i], m.retiring[i+1:]...)
            found = true
            break
        }
    }
    m.mu.Unlock()
    if found { m.retire(h) }
}

func (m *Advertiser) retire(h *handle) {
    if err := h.ad.Stop(); err != nil { m.log.Debug("stop advertisement", zap.Stringer("peer", h.peer), zap.Error(err)) }
    m.log.Debug("advertisement disposed", zap.Stringer("peer", h.peer))
    if m.opts.OnDisposed != nil { m.opts.OnDisposed(h.peer) }
}

func (m *Advertiser) accept(c discovery.Conn, localPort int) {
    remote := c.Remote()
    var r *relay.AdvertiserRelay
    s := session.New(remote, session.Handlers{
        OnDisconnect: func(err error) {
            _ = r.CloseRelay()
            m.mu.Lock()
            if m.relays[remote.UUID] == r { delete(m.relays, remote.UUID) }
            m.mu.Unlock()
            m.log.Debug("peer session ended", zap.Stringer("peer", remote), zap.Error(err))
        },
    })
    r = relay.NewAdvertiser(s, localPort, vsocket.Builder{Timeout: m.opts.BuildTimeout, Clock: m.opts.Clock})

    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        _ = c.Close()
        return
    }
    prev := m.relays[remote.UUID]
    m.relays[remote.UUID] = r
    m.mu.Unlock()

    // the previous relay of this uuid is gone before the new session starts
    if prev != nil {
        prev.DisconnectPeerSession()
        if err := prev.CloseRelay(); err != nil { m.log.Debug("close replaced relay", zap.Stringer("peer", prev.Session().Remote()), zap.Error(err)) }
    }
    if err := s.Attach(c); err != nil {
        _ = c.Close()
        m.log.Warn("attach session", zap.Stringer("peer", remote), zap.Error(err))
        return
    }
    go func() {
        if _, err := r.OpenRelay(context.Background()); err != nil {
            m.log.Warn("incoming connection failed", zap.Stringer("peer", remote), zap.Int("local_port", localPort), zap.Error(err))
            if m.opts.OnIncomingFailed != nil { m.opts.OnIncomingFailed(localPort, err) }
        }
    }()
}

// StopAdvertising withdraws every advertisement at once. Live relays are
// left to their sessions.
func (m *Advertiser) StopAdvertising() {
    m.mu.Lock()
    hs := m.retiring
    if m.current != nil { hs = append(hs, m.current) }
    m.retiring, m.current = nil, nil
    m.mu.Unlock()

    for _, h := range hs {
        if h.timer != nil { h.timer.Stop() }
        if err := h.ad.Stop(); err != nil { m.log.Debug("stop advertisement", zap.Stringer("peer", h.peer), zap.Error(err)) }
    }
    if len(hs) > 0 { m.log.Info("advertising stopped") }
}

func (m *Advertiser) Advertising() bool {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.current != nil
}

// Current is the peer advertised by the newest advertisement.
func (m *Advertiser) Current() (peer.Peer, bool) {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.current == nil { return peer.Peer{}, false }
    return m.current.peer, true
}

// AdvertiserCount counts live advertisements including those awaiting
// disposal.
func (m *Advertiser) AdvertiserCount() int {
    m.mu.Lock(); defer m.mu.Unlock()
    n := len(m.retiring)
    if m.current != nil { n++ }
    return n
}

func (m *Advertiser) RelayCount() int {
    m.mu.Lock(); defer m.mu.Unlock()
    return len(m.relays)
}

// Close stops advertising and closes every relay.
func (m *Advertiser) Close() error {
    m.StopAdvertising()
    m.mu.Lock()
    m.closed = true
    relays := m.relays
    m.relays = make(map[string]*relay.AdvertiserRelay)
    m.mu.Unlock()

    var err error
    for _, r := range relays {
        err = multierr.Append(err, r.CloseRelay())
        r.DisconnectPeerSession()
    }
    return err
}
