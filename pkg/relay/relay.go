// Package relay bridges local TCP connections to virtual sockets of a peer
// session. One generic Relay holds the session and the socket table; an
// Endpoint strategy decides how local connections come to be: the
// advertiser side dials the application's port, the browser side listens
// on an ephemeral loopback port.
package relay

import (
    "context"
    "fmt"
    "net"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"

    "ttrelay/pkg/relayerr"
    "ttrelay/pkg/session"
    "ttrelay/pkg/vsocket"
)

// tcpChunk is the read size on local TCP connections.
const tcpChunk = 4096

// Endpoint owns the local TCP side of a relay.
type Endpoint interface {
    // Open prepares the local side and returns the port reported to callers.
    // Local connections are paired through the Linker.
    Open(ctx context.Context, l Linker) (int, error)
    // Close tears the local side down.
    Close() error
    // Port is the port returned by Open, or 0.
    Port() int
}

// Linker is what an Endpoint sees of its Relay.
type Linker interface {
    Session() *session.Session
    Builder() vsocket.Builder
    // Bind registers conn with sock and starts relaying in both directions.
    // Both are closed if the relay is already closed.
    Bind(conn net.Conn, sock *vsocket.Socket) error
}

// Stats counts bytes relayed since the relay opened.
type Stats struct {
    // FromPeer is what arrived over virtual sockets and went to local TCP.
    FromPeer uint64
    // ToPeer is what local TCP connections sent to the peer.
    ToPeer uint64
}

// Relay bridges one session to the local endpoint E.
type Relay[E Endpoint] struct {
    sess    *session.Session
    ep      E
    builder vsocket.Builder
    log     *zap.Logger

    mu      sync.Mutex
    sockets map[net.Conn]*vsocket.Socket
    opened  bool
    closed  bool

    fromPeer atomic.Uint64
    toPeer   atomic.Uint64
}

type (
    // AdvertiserRelay dials the application's local port.
    AdvertiserRelay = Relay[*Client]
    // BrowserRelay listens on a loopback port for local applications.
    BrowserRelay = Relay[*Listener]
)

// NewAdvertiser returns a relay that connects to 127.0.0.1:localPort.
func NewAdvertiser(sess *session.Session, localPort int, b vsocket.Builder) *AdvertiserRelay {
    return newRelay(sess, newClient(localPort), b, "advertiser")
}

// NewBrowser returns a relay that listens on an ephemeral loopback port.
func NewBrowser(sess *session.Session, b vsocket.Builder) *BrowserRelay {
    return newRelay(sess, newListener(), b, "browser")
}

func newRelay[E Endpoint](sess *session.Session, ep E, b vsocket.Builder, role string) *Relay[E] {
    return &Relay[E]{
        sess:    sess,
        ep:      ep,
        builder: b,
        sockets: make(map[net.Conn]*vsocket.Socket),
        log:     zap.L().Named("relay").With(zap.String("role", role), zap.String("peer", sess.Remote().String())),
    }
}

func (r *Relay[E]) Session() *session.Session { return r.sess }
func (r *Relay[E]) Builder() vsocket.Builder   { return r.builder }
func (r *Relay[E]) Endpoint() E                { return r.ep }
func (r *Relay[E]) Port() int                  { return r.ep.Port() }

func (r *Relay[E]) Stats() Stats {
    return Stats{FromPeer: r.fromPeer.Load(), ToPeer: r.toPeer.Load()}
}

// VirtualSocketCount is the number of live virtual sockets.
func (r *Relay[E]) VirtualSocketCount() int {
    r.mu.Lock(); defer r.mu.Unlock()
    return len(r.sockets)
}

// DisconnectPeerSession asks the session to disconnect.
func (r *Relay[E]) DisconnectPeerSession() { r.sess.Disconnect() }

// OpenRelay opens the local endpoint and returns its port.
func (r *Relay[E]) OpenRelay(ctx context.Context) (int, error) {
    r.mu.Lock()
    if r.closed { r.mu.Unlock(); return 0, fmt.Errorf("%w: relay closed", relayerr.ErrConnectionFailed) }
    if r.opened { r.mu.Unlock(); return 0, relayerr.ErrDoubleStart }
    r.opened = true
    r.mu.Unlock()

    port, err := r.ep.Open(ctx, r)
    if err != nil {
        r.log.Debug("relay open failed", zap.Error(err))
        return 0, err
    }

    r.mu.Lock()
    closed := r.closed
    r.mu.Unlock()
    if closed {
        _ = r.ep.Close()
        return 0, fmt.Errorf("%w: relay closed while opening", relayerr.ErrConnectionFailed)
    }
    r.log.Debug("relay opened", zap.Int("port", port))
    return port, nil
}

// CloseRelay closes the local endpoint and every virtual socket. The error
// is the outcome of the TCP teardown.
func (r *Relay[E]) CloseRelay() error {
    r.mu.Lock()
    if r.closed { r.mu.Unlock(); return nil }
    r.closed = true
    sockets := r.sockets
    r.sockets = make(map[net.Conn]*vsocket.Socket)
    r.mu.Unlock()

    err := r.ep.Close()
    for conn, sock := range sockets {
        _ = sock.Close()
        _ = conn.Close()
    }
    r.log.Debug("relay closed", zap.Int("sockets", len(sockets)), zap.Error(err))
    return err
}

func (r *Relay[E]) Bind(conn net.Conn, sock *vsocket.Socket) error {
    r.mu.Lock()
    if r.closed {
        r.mu.Unlock()
        _ = sock.Close()
        _ = conn.Close()
        return fmt.Errorf("%w: relay closed", relayerr.ErrConnectionFailed)
    }
    r.sockets[conn] = sock
    r.mu.Unlock()

    sock.OnData(func(b []byte) {
        if _, err := conn.Write(b); err != nil {
            r.drop(conn)
            return
        }
        r.fromPeer.Add(uint64(len(b)))
    })
    sock.OnClosed(func() { r.drop(conn) })
    if err := sock.Open(); err != nil {
        r.drop(conn)
        return err
    }
    go r.pumpLocal(conn, sock)
    return nil
}

// pumpLocal copies local TCP input into the virtual socket until the local
// side goes away.
func (r *Relay[E]) pumpLocal(conn net.Conn, sock *vsocket.Socket) {
    buf := make([]byte, tcpChunk)
    for {
        n, err := conn.Read(buf)
        if n > 0 {
            if w := sock.Write(buf[:n]); w > 0 { r.toPeer.Add(uint64(w)) }
        }
        if err != nil {
            r.drop(conn)
            return
        }
    }
}

// drop removes conn from the table and closes both sides. The session is
// left alone.
func (r *Relay[E]) drop(conn net.Conn) {
    r.mu.Lock()
    sock, ok := r.sockets[conn]
    delete(r.sockets, conn)
    r.mu.Unlock()
    if ok { _ = sock.Close() }
    _ = conn.Close()
}
