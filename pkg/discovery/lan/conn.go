package lan

import (
    "context"
    "fmt"
    "net"
    "sync"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "ttrelay/pkg/discovery"
    "ttrelay/pkg/peer"
)

// Application error codes used when closing connections and streams.
const (
    codeClosed  quicgo.ApplicationErrorCode = 0
    codeRefused quicgo.ApplicationErrorCode = 1
    codeUnused  quicgo.StreamErrorCode      = 0
)

// headerTimeout bounds how long a new stream may take to name itself.
const headerTimeout = 5 * time.Second

// conn is a QUIC connection after a successful invite. Every stream past
// the control stream starts with a header frame naming it.
type conn struct {
    local, remote peer.Peer
    qc            quicgo.Connection
    ctrl          quicgo.Stream
    named         chan *inStream

    once sync.Once
}

func newConn(local, remote peer.Peer, qc quicgo.Connection, ctrl quicgo.Stream) *conn {
    c := &conn{local: local, remote: remote, qc: qc, ctrl: ctrl, named: make(chan *inStream)}
    go c.acceptLoop()
    return c
}

func (c *conn) Local() peer.Peer     { return c.local }
func (c *conn) Remote() peer.Peer    { return c.remote }
func (c *conn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

func (c *conn) OpenStream(ctx context.Context, name string) (discovery.OutputStream, error) {
    st, err := c.qc.OpenStreamSync(ctx)
    if err != nil { return nil, err }
    if err := writeFrame(st, header{Name: name}); err != nil {
        st.CancelWrite(codeUnused)
        st.CancelRead(codeUnused)
        return nil, fmt.Errorf("lan: write stream header: %w", err)
    }
    // output streams are never read from
    st.CancelRead(codeUnused)
    return &outStream{name: name, Stream: st}, nil
}

func (c *conn) AcceptStream(ctx context.Context) (discovery.InputStream, error) {
    select {
    case st := <-c.named:
        return st, nil
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-c.qc.Context().Done():
        return nil, context.Cause(c.qc.Context())
    }
}

// acceptLoop reads every stream header on a goroutine of its own, so one
// silent stream does not hold back the others.
func (c *conn) acceptLoop() {
    ctx := c.qc.Context()
    for {
        st, err := c.qc.AcceptStream(ctx)
        if err != nil { return }
        go c.readHeader(ctx, st)
    }
}

func (c *conn) readHeader(ctx context.Context, st quicgo.Stream) {
    _ = st.SetReadDeadline(time.Now().Add(headerTimeout))
    var h header
    if err := readFrame(st, &h); err != nil {
        st.CancelRead(codeUnused)
        st.CancelWrite(codeUnused)
        return
    }
    _ = st.SetReadDeadline(time.Time{})
    // input streams are never written to
    _ = st.Close()
    select {
    case c.named <- &inStream{name: h.Name, Stream: st}:
    case <-ctx.Done():
        st.CancelRead(codeUnused)
    }
}

func (c *conn) Close() error {
    var err error
    c.once.Do(func() { err = c.qc.CloseWithError(codeClosed, "closed") })
    return err
}

type outStream struct {
    name string
    quicgo.Stream
}

func (s *outStream) Name() string { return s.name }

type inStream struct {
    name string
    quicgo.Stream
}

func (s *inStream) Name() string { return s.name }

func (s *inStream) Close() error {
    s.CancelRead(codeUnused)
    return nil
}
