package relay

import (
    "context"
    "fmt"
    "net"
    "sync"

    "go.uber.org/zap"

    "ttrelay/pkg/relayerr"
)

// Listener is the browser-side endpoint: local applications connect to an
// ephemeral port on 127.0.0.1 and each accepted connection gets its own
// virtual socket.
type Listener struct {
    ctx    context.Context
    cancel context.CancelFunc
    // negotiations run one at a time; the session has a single handler slot
    turn chan struct{}

    mu     sync.Mutex
    ln     net.Listener
    port   int
    active map[net.Conn]struct{}
}

func newListener() *Listener {
    ctx, cancel := context.WithCancel(context.Background())
    return &Listener{ctx: ctx, cancel: cancel, turn: make(chan struct{}, 1), active: make(map[net.Conn]struct{})}
}

// ListenerPort is the bound loopback port, or 0 before Open.
func (l *Listener) ListenerPort() int { return l.Port() }

func (l *Listener) Port() int {
    l.mu.Lock(); defer l.mu.Unlock()
    return l.port
}

// Pending is the number of accepted connections still negotiating.
func (l *Listener) Pending() int {
    l.mu.Lock(); defer l.mu.Unlock()
    return len(l.active)
}

func (l *Listener) Open(_ context.Context, lk Linker) (int, error) {
    if l.ctx.Err() != nil { return 0, fmt.Errorf("%w: listener closed", relayerr.ErrConnectionFailed) }
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { return 0, fmt.Errorf("%w: listen: %w", relayerr.ErrConnectionFailed, err) }
    port := ln.Addr().(*net.TCPAddr).Port

    l.mu.Lock()
    l.ln, l.port = ln, port
    l.mu.Unlock()

    go l.acceptLoop(ln, lk)
    return port, nil
}

func (l *Listener) acceptLoop(ln net.Listener, lk Linker) {
    for {
        conn, err := ln.Accept()
        if err != nil { return }
        l.mu.Lock()
        l.active[conn] = struct{}{}
        l.mu.Unlock()
        go l.link(conn, lk)
    }
}

func (l *Listener) link(conn net.Conn, lk Linker) {
    defer func() { l.mu.Lock(); delete(l.active, conn); l.mu.Unlock() }()

    select {
    case l.turn <- struct{}{}:
    case <-l.ctx.Done():
        _ = conn.Close()
        return
    }
    sock, err := lk.Builder().Browser(l.ctx, lk.Session())
    <-l.turn
    if err != nil {
        zap.L().Named("relay").Debug("virtual socket for local connection failed", zap.Stringer("local", conn.RemoteAddr()), zap.Error(err))
        _ = conn.Close()
        return
    }
    _ = lk.Bind(conn, sock)
}

// Close stops listening and drops connections still negotiating.
func (l *Listener) Close() error {
    l.cancel()
    l.mu.Lock()
    ln := l.ln
    active := l.active
    l.active = make(map[net.Conn]struct{})
    l.mu.Unlock()
    for c := range active { _ = c.Close() }
    if ln == nil { return nil }
    if err := ln.Close(); err != nil {
        return fmt.Errorf("%w: stop listening: %w", relayerr.ErrConnectionFailed, err)
    }
    return nil
}
