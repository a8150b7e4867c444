// Package mem is an in-process discovery layer. Advertisements, browses and
// connections live inside a shared Network, and streams are net.Pipe pairs.
// Useful for tests and as a stand-in when no radio is around.
package mem

import (
    "context"
    "errors"
    "net"
    "sync"

    "ttrelay/pkg/discovery"
    "ttrelay/pkg/peer"
)

var (
    errNotAdvertised = errors.New("mem: peer not advertised")
    errStopped       = errors.New("mem: stopped")
    errConnClosed    = errors.New("mem: connection closed")
)

// Network is the shared medium. Layers created from the same Network see
// each other's advertisements when they use the same service type.
type Network struct {
    mu        sync.Mutex
    ads       map[string]map[peer.Peer]*advertisement
    browsers  map[string]map[*browser]struct{}
    failAd    error
    failBrows error
}

func NewNetwork() *Network {
    return &Network{
        ads:      make(map[string]map[peer.Peer]*advertisement),
        browsers: make(map[string]map[*browser]struct{}),
    }
}

// FailNextAdvertise makes the next Advertise call on any layer return err.
func (n *Network) FailNextAdvertise(err error) { n.mu.Lock(); n.failAd = err; n.mu.Unlock() }

// FailNextBrowse makes the next Browse call on any layer return err.
func (n *Network) FailNextBrowse(err error) { n.mu.Lock(); n.failBrows = err; n.mu.Unlock() }

// Advertised returns the peers currently advertised under serviceType.
func (n *Network) Advertised(serviceType string) []peer.Peer {
    n.mu.Lock(); defer n.mu.Unlock()
    out := make([]peer.Peer, 0, len(n.ads[serviceType]))
    for p := range n.ads[serviceType] { out = append(out, p) }
    return out
}

// Layer returns a discovery layer bound to serviceType.
func (n *Network) Layer(serviceType string) (*Layer, error) {
    if err := discovery.ValidateServiceType(serviceType); err != nil {
        return nil, err
    }
    return &Layer{n: n, serviceType: serviceType}, nil
}

// Layer implements discovery.Layer on top of a Network.
type Layer struct {
    n           *Network
    serviceType string
}

func (l *Layer) ServiceType() string { return l.serviceType }

func (l *Layer) Advertise(ctx context.Context, local peer.Peer, onInvite discovery.InvitationHandler) (discovery.Advertisement, error) {
    n := l.n
    n.mu.Lock()
    if err := n.failAd; err != nil {
        n.failAd = nil
        n.mu.Unlock()
        return nil, err
    }
    ads := n.ads[l.serviceType]
    if ads == nil {
        ads = make(map[peer.Peer]*advertisement)
        n.ads[l.serviceType] = ads
    }
    if _, ok := ads[local]; ok {
        n.mu.Unlock()
        return nil, errors.New("mem: peer already advertised")
    }
    ad := &advertisement{l: l, peer: local, onInvite: onInvite}
    ads[local] = ad
    for b := range n.browsers[l.serviceType] { b.push(event{p: local, found: true}) }
    n.mu.Unlock()

    context.AfterFunc(ctx, func() { _ = ad.Stop() })
    return ad, nil
}

func (l *Layer) Browse(ctx context.Context, local peer.Peer, h discovery.BrowseHandler) (discovery.Browser, error) {
    n := l.n
    n.mu.Lock()
    if err := n.failBrows; err != nil {
        n.failBrows = nil
        n.mu.Unlock()
        return nil, err
    }
    b := &browser{l: l, local: local, h: h, wake: make(chan struct{}, 1), done: make(chan struct{})}
    set := n.browsers[l.serviceType]
    if set == nil {
        set = make(map[*browser]struct{})
        n.browsers[l.serviceType] = set
    }
    set[b] = struct{}{}
    for p := range n.ads[l.serviceType] { b.push(event{p: p, found: true}) }
    n.mu.Unlock()

    go b.loop()
    context.AfterFunc(ctx, func() { _ = b.Stop() })
    return b, nil
}

type advertisement struct {
    l        *Layer
    peer     peer.Peer
    onInvite discovery.InvitationHandler
    stopped  bool
}

func (a *advertisement) Peer() peer.Peer { return a.peer }

func (a *advertisement) Stop() error {
    n := a.l.n
    n.mu.Lock(); defer n.mu.Unlock()
    if a.stopped { return nil }
    a.stopped = true
    if ads := n.ads[a.l.serviceType]; ads[a.peer] == a {
        delete(ads, a.peer)
    }
    for b := range n.browsers[a.l.serviceType] { b.push(event{p: a.peer, found: false}) }
    return nil
}

type event struct {
    p     peer.Peer
    found bool
}

type browser struct {
    l     *Layer
    local peer.Peer
    h     discovery.BrowseHandler

    mu      sync.Mutex
    queue   []event
    stopped bool
    wake    chan struct{}
    done    chan struct{}
}

func (b *browser) push(e event) {
    b.mu.Lock()
    if b.stopped { b.mu.Unlock(); return }
    b.queue = append(b.queue, e)
    b.mu.Unlock()
    select { case b.wake <- struct{}{}: default: }
}

func (b *browser) loop() {
    for {
        select {
        case <-b.done:
            return
        case <-b.wake:
        }
        for {
            b.mu.Lock()
            if b.stopped || len(b.queue) == 0 { b.mu.Unlock(); break }
            e := b.queue[0]
            b.queue = b.queue[1:]
            b.mu.Unlock()
            if e.found && b.h.Found != nil {
                b.h.Found(e.p)
            } else if !e.found && b.h.Lost != nil {
                b.h.Lost(e.p)
            }
        }
    }
}

func (b *browser) Invite(ctx context.Context, remote peer.Peer) (discovery.Conn, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    n := b.l.n
    n.mu.Lock()
    b.mu.Lock(); stopped := b.stopped; b.mu.Unlock()
    if stopped { n.mu.Unlock(); return nil, errStopped }
    ad := n.ads[b.l.serviceType][remote]
    n.mu.Unlock()
    if ad == nil { return nil, errNotAdvertised }

    cli, srv := newConnPair(b.local, remote)
    go ad.onInvite(srv)
    return cli, nil
}

func (b *browser) Stop() error {
    n := b.l.n
    n.mu.Lock()
    delete(n.browsers[b.l.serviceType], b)
    n.mu.Unlock()

    b.mu.Lock(); defer b.mu.Unlock()
    if !b.stopped {
        b.stopped = true
        b.queue = nil
        close(b.done)
    }
    return nil
}

type memAddr string
func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// link is the state shared by both ends of a connection.
type link struct {
    mu      sync.Mutex
    done    chan struct{}
    closed  bool
    streams []net.Conn
}

func (l *link) track(c net.Conn) bool {
    l.mu.Lock(); defer l.mu.Unlock()
    if l.closed { return false }
    l.streams = append(l.streams, c)
    return true
}

func (l *link) close() {
    l.mu.Lock()
    if l.closed { l.mu.Unlock(); return }
    l.closed = true
    streams := l.streams
    l.streams = nil
    close(l.done)
    l.mu.Unlock()
    for _, c := range streams { _ = c.Close() }
}

type conn struct {
    local, remote peer.Peer
    other         *conn
    incoming      chan *inStream
    link          *link
}

func newConnPair(a, b peer.Peer) (*conn, *conn) {
    lk := &link{done: make(chan struct{})}
    ca := &conn{local: a, remote: b, incoming: make(chan *inStream, 32), link: lk}
    cb := &conn{local: b, remote: a, incoming: make(chan *inStream, 32), link: lk}
    ca.other, cb.other = cb, ca
    return ca, cb
}

func (c *conn) Local() peer.Peer      { return c.local }
func (c *conn) Remote() peer.Peer     { return c.remote }
func (c *conn) RemoteAddr() net.Addr  { return memAddr(c.remote.String()) }
func (c *conn) Close() error          { c.link.close(); return nil }

func (c *conn) OpenStream(ctx context.Context, name string) (discovery.OutputStream, error) {
    r, w := net.Pipe()
    if !c.link.track(r) || !c.link.track(w) {
        _ = r.Close(); _ = w.Close()
        return nil, errConnClosed
    }
    select {
    case c.other.incoming <- &inStream{name: name, Conn: r}:
        return &outStream{name: name, Conn: w}, nil
    case <-c.link.done:
        return nil, errConnClosed
    case <-ctx.Done():
        _ = r.Close(); _ = w.Close()
        return nil, ctx.Err()
    }
}

func (c *conn) AcceptStream(ctx context.Context) (discovery.InputStream, error) {
    select {
    case s := <-c.incoming:
        return s, nil
    case <-c.link.done:
        return nil, errConnClosed
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

type inStream struct {
    name string
    net.Conn
}

func (s *inStream) Name() string { return s.name }

type outStream struct {
    name string
    net.Conn
}

func (s *outStream) Name() string { return s.name }
