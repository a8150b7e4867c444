package relay

import (
    "context"
    "fmt"
    "net"
    "strconv"
    "sync"
    "time"

    "go.uber.org/multierr"
    "go.uber.org/zap"

    "ttrelay/pkg/discovery"
    "ttrelay/pkg/relayerr"
    "ttrelay/pkg/vsocket"
)

const dialTimeout = 5 * time.Second

// Client is the advertiser-side endpoint: it connects to the application's
// port on 127.0.0.1. The first connection is paired by the advertiser
// builder; afterwards every further stream opened by the browser gets a
// fresh connection of its own, whether or not the first pairing succeeded.
type Client struct {
    port int

    ctx    context.Context
    cancel context.CancelFunc

    mu        sync.Mutex
    conns     map[*clientConn]struct{}
    localPort int
    token     uint64
    linker    Linker
    closed    bool
}

func newClient(port int) *Client {
    ctx, cancel := context.WithCancel(context.Background())
    return &Client{port: port, ctx: ctx, cancel: cancel, conns: make(map[*clientConn]struct{})}
}

// Port is the application port the client connects to.
func (c *Client) Port() int { return c.port }

// ClientLocalPort is the ephemeral port of the first TCP connection.
func (c *Client) ClientLocalPort() int {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.localPort
}

func (c *Client) Open(ctx context.Context, l Linker) (int, error) {
    defer c.respond(l)
    conn, err := c.dial(ctx)
    if err != nil { return 0, err }

    c.mu.Lock()
    if a, ok := conn.LocalAddr().(*net.TCPAddr); ok { c.localPort = a.Port }
    c.mu.Unlock()

    sock, err := l.Builder().Advertiser(ctx, l.Session())
    if err != nil {
        _ = conn.Close()
        return 0, err
    }
    if err := l.Bind(conn, sock); err != nil { return 0, err }
    return c.port, nil
}

// respond installs the standing responder for streams after the first one.
// A browser whose application connects later than the build timeout is
// served by it.
func (c *Client) respond(l Linker) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.closed || c.linker != nil { return }
    c.linker = l
    c.token = l.Session().SetInputStreamHandler(func(in discovery.InputStream) { go c.answer(in) })
}

// answer serves a stream that arrived after the first pairing.
func (c *Client) answer(in discovery.InputStream) {
    c.mu.Lock()
    l := c.linker
    c.mu.Unlock()
    if l == nil { _ = in.Close(); return }

    conn, err := c.dial(c.ctx)
    if err != nil {
        zap.L().Named("relay").Debug("local connect for inbound stream failed", zap.String("stream", in.Name()), zap.Error(err))
        _ = in.Close()
        return
    }
    sock, err := vsocket.Answer(c.ctx, l.Session(), in)
    if err != nil {
        _ = conn.Close()
        return
    }
    _ = l.Bind(conn, sock)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
    c.mu.Lock()
    closed := c.closed
    c.mu.Unlock()
    if closed { return nil, fmt.Errorf("%w: client closed", relayerr.ErrConnectionFailed) }

    addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(c.port))
    d := net.Dialer{Timeout: dialTimeout}
    raw, err := d.DialContext(ctx, "tcp", addr)
    if err != nil {
        return nil, fmt.Errorf("%w: connect %s: %w", relayerr.ErrConnectionFailed, addr, err)
    }
    cc := &clientConn{Conn: raw, owner: c}

    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        _ = raw.Close()
        return nil, fmt.Errorf("%w: client closed", relayerr.ErrConnectionFailed)
    }
    c.conns[cc] = struct{}{}
    c.mu.Unlock()
    return cc, nil
}

// Close disconnects every TCP connection the client still holds.
func (c *Client) Close() error {
    c.mu.Lock()
    if c.closed { c.mu.Unlock(); return nil }
    c.closed = true
    conns := c.conns
    c.conns = make(map[*clientConn]struct{})
    l, token := c.linker, c.token
    c.linker = nil
    c.mu.Unlock()

    c.cancel()
    if l != nil { l.Session().ClearInputStreamHandler(token) }
    var err error
    for cc := range conns { err = multierr.Append(err, cc.Conn.Close()) }
    return err
}

// clientConn forgets itself from its Client once closed.
type clientConn struct {
    net.Conn
    owner *Client
    once  sync.Once
}

func (cc *clientConn) Close() error {
    err := cc.Conn.Close()
    cc.once.Do(func() {
        cc.owner.mu.Lock()
        delete(cc.owner.conns, cc)
        cc.owner.mu.Unlock()
    })
    return err
}
