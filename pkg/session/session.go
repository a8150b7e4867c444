// Package session wraps one peer connection in a single-use state machine.
//
// A Session moves NotConnected -> Connecting -> Connected -> NotConnected and
// never reconnects. Every session owns one dispatch goroutine: it fires the
// connect handler, then hands inbound named streams to the registered
// handler in arrival order, and finally fires the disconnect handler once.
package session

import (
    "context"
    "fmt"
    "sync"

    "go.uber.org/zap"

    "ttrelay/pkg/discovery"
    "ttrelay/pkg/peer"
    "ttrelay/pkg/relayerr"
)

// State of a Session.
type State int

const (
    NotConnected State = iota
    Connecting
    Connected
)

func (s State) String() string {
    switch s {
    case NotConnected:
        return "not-connected"
    case Connecting:
        return "connecting"
    case Connected:
        return "connected"
    default:
        return "unknown"
    }
}

// Dialer produces the underlying connection. It must honour ctx, which is
// cancelled by Disconnect.
type Dialer func(ctx context.Context) (discovery.Conn, error)

// StreamHandler receives an inbound named stream. It runs on the session's
// dispatch goroutine.
type StreamHandler func(discovery.InputStream)

// Handlers are invoked exactly once each. OnDisconnect receives nil after a
// local Disconnect and an ErrConnectionFailed-wrapped cause otherwise.
type Handlers struct {
    OnConnect    func()
    OnDisconnect func(err error)
}

// maxPending bounds inbound streams held while no handler is registered.
const maxPending = 16

type slot struct {
    id   uint64
    fn   StreamHandler
    once bool
}

// Session is one negotiated connection to a fixed remote peer.
type Session struct {
    remote peer.Peer
    h      Handlers
    log    *zap.Logger

    ctx    context.Context
    cancel context.CancelFunc
    done   chan struct{}
    wake   chan struct{}

    mu       sync.Mutex
    state    State
    started  bool
    terminal bool
    conn     discovery.Conn
    err      error
    handler  *slot
    nextID   uint64
}

// New returns a session in NotConnected; call Connect or Attach to start it.
func New(remote peer.Peer, h Handlers) *Session {
    ctx, cancel := context.WithCancel(context.Background())
    return &Session{
        remote: remote,
        h:      h,
        log:    zap.L().Named("session").With(zap.String("peer", remote.String())),
        ctx:    ctx,
        cancel: cancel,
        done:   make(chan struct{}),
        wake:   make(chan struct{}, 1),
    }
}

func (s *Session) Remote() peer.Peer { return s.remote }

// Done is closed once the session reached its terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
    s.mu.Lock(); defer s.mu.Unlock()
    return s.state
}

// Err reports why a terminated session ended.
func (s *Session) Err() error {
    s.mu.Lock(); defer s.mu.Unlock()
    return s.err
}

// Connect starts dialing in the background.
func (s *Session) Connect(dial Dialer) error {
    s.mu.Lock()
    if s.terminal { s.mu.Unlock(); return relayerr.ErrStartAfterKilled }
    if s.started { s.mu.Unlock(); return relayerr.ErrDoubleStart }
    s.started = true
    s.state = Connecting
    s.mu.Unlock()

    go s.run(dial)
    return nil
}

// Attach starts the session over an already accepted connection. The
// connection is closed if the session cannot be started.
func (s *Session) Attach(conn discovery.Conn) error {
    err := s.Connect(func(context.Context) (discovery.Conn, error) { return conn, nil })
    if err != nil { _ = conn.Close() }
    return err
}

// StartOutputStream opens a named stream to the remote peer.
func (s *Session) StartOutputStream(ctx context.Context, name string) (discovery.OutputStream, error) {
    s.mu.Lock()
    conn, st := s.conn, s.state
    s.mu.Unlock()
    if st != Connected || conn == nil {
        return nil, fmt.Errorf("%w: session is %s", relayerr.ErrConnectionFailed, st)
    }
    out, err := conn.OpenStream(ctx, name)
    if err != nil {
        return nil, fmt.Errorf("%w: open stream %q: %w", relayerr.ErrConnectionFailed, name, err)
    }
    return out, nil
}

// SetInputStreamHandler installs h for every following inbound stream,
// replacing the current handler. The returned token disarms it.
func (s *Session) SetInputStreamHandler(h StreamHandler) uint64 { return s.install(h, false) }

// AwaitInputStream installs h for the next inbound stream only.
func (s *Session) AwaitInputStream(h StreamHandler) uint64 { return s.install(h, true) }

// ClearInputStreamHandler removes the handler installed under token, if it
// is still the current one.
func (s *Session) ClearInputStreamHandler(token uint64) {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.handler != nil && s.handler.id == token { s.handler = nil }
}

func (s *Session) install(h StreamHandler, once bool) uint64 {
    s.mu.Lock()
    s.nextID++
    id := s.nextID
    if !s.terminal { s.handler = &slot{id: id, fn: h, once: once} }
    s.mu.Unlock()
    select { case s.wake <- struct{}{}: default: }
    return id
}

// Disconnect tears the session down. Idempotent.
func (s *Session) Disconnect() {
    s.mu.Lock()
    if s.terminal { s.mu.Unlock(); return }
    started, conn := s.started, s.conn
    s.started = true
    s.mu.Unlock()

    s.cancel()
    if conn != nil { _ = conn.Close() }
    if !started { s.finish(nil) }
}

func (s *Session) run(dial Dialer) {
    conn, err := dial(s.ctx)
    if err != nil {
        s.log.Debug("session dial failed", zap.Error(err))
        s.finish(fmt.Errorf("%w: %w", relayerr.ErrConnectionFailed, err))
        return
    }

    s.mu.Lock()
    if s.ctx.Err() != nil {
        s.mu.Unlock()
        _ = conn.Close()
        s.finish(fmt.Errorf("%w: disconnected while connecting", relayerr.ErrConnectionFailed))
        return
    }
    s.conn = conn
    s.state = Connected
    s.mu.Unlock()

    s.log.Debug("session connected", zap.Stringer("addr", conn.RemoteAddr()))
    if s.h.OnConnect != nil { s.h.OnConnect() }

    incoming := make(chan discovery.InputStream)
    ended := make(chan error, 1)
    go func() {
        for {
            st, err := conn.AcceptStream(s.ctx)
            if err != nil { ended <- err; return }
            select {
            case incoming <- st:
            case <-s.ctx.Done():
                _ = st.Close()
                ended <- s.ctx.Err()
                return
            }
        }
    }()

    var pending []discovery.InputStream
    var cause error
loop:
    for {
        pending = s.deliver(pending)
        select {
        case st := <-incoming:
            pending = append(pending, st)
            if len(pending) > maxPending {
                s.log.Warn("dropping unclaimed inbound stream", zap.String("stream", pending[0].Name()))
                _ = pending[0].Close()
                pending = pending[1:]
            }
        case <-s.wake:
        case cause = <-ended:
            break loop
        }
    }
    for _, st := range pending { _ = st.Close() }
    _ = conn.Close()

    if s.ctx.Err() != nil {
        s.finish(nil)
        return
    }
    s.finish(fmt.Errorf("%w: %w", relayerr.ErrConnectionFailed, cause))
}

// deliver hands pending streams to the current handler until none is left
// or the slot is empty.
func (s *Session) deliver(pending []discovery.InputStream) []discovery.InputStream {
    for len(pending) > 0 {
        s.mu.Lock()
        h := s.handler
        if h != nil && h.once { s.handler = nil }
        s.mu.Unlock()
        if h == nil { return pending }
        st := pending[0]
        pending = pending[1:]
        h.fn(st)
    }
    return pending
}

func (s *Session) finish(err error) {
    s.mu.Lock()
    if s.terminal { s.mu.Unlock(); return }
    s.terminal = true
    s.state = NotConnected
    s.err = err
    s.handler = nil
    s.conn = nil
    s.mu.Unlock()

    s.cancel()
    close(s.done)
    s.log.Debug("session disconnected", zap.Error(err))
    if s.h.OnDisconnect != nil { s.h.OnDisconnect(err) }
}
