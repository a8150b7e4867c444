package relay

import (
    "context"
    "errors"
    "io"
    "net"
    "strconv"
    "testing"
    "time"

    "ttrelay/pkg/discovery"
    "ttrelay/pkg/discovery/mem"
    "ttrelay/pkg/peer"
    "ttrelay/pkg/relayerr"
    "ttrelay/pkg/session"
    "ttrelay/pkg/vsocket"
)

// echoServer plays the application behind the advertiser.
func echoServer(t *testing.T) int {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    t.Cleanup(func() { _ = ln.Close() })
    go func() {
        for {
            c, err := ln.Accept()
            if err != nil { return }
            go func() { _, _ = io.Copy(c, c); _ = c.Close() }()
        }
    }()
    return ln.Addr().(*net.TCPAddr).Port
}

type pair struct {
    adv     chan *AdvertiserRelay
    browser *BrowserRelay
    port    int
}

// setup wires an advertiser relay in front of appPort and a browser relay
// connected to it over an in-memory discovery network.
func setup(t *testing.T, appPort int, b vsocket.Builder) *pair {
    t.Helper()
    l, err := mem.NewNetwork().Layer("thali")
    if err != nil { t.Fatalf("layer: %v", err) }
    ctx := context.Background()
    p := &pair{adv: make(chan *AdvertiserRelay, 1)}

    advPeer := peer.New()
    _, err = l.Advertise(ctx, advPeer, func(c discovery.Conn) {
        var r *AdvertiserRelay
        s := session.New(c.Remote(), session.Handlers{OnDisconnect: func(error) { _ = r.CloseRelay() }})
        r = NewAdvertiser(s, appPort, b)
        if err := s.Attach(c); err != nil { t.Errorf("attach: %v", err); return }
        p.adv <- r
        go func() { _, _ = r.OpenRelay(ctx) }()
    })
    if err != nil { t.Fatalf("advertise: %v", err) }

    br, err := l.Browse(ctx, peer.New(), discovery.BrowseHandler{})
    if err != nil { t.Fatalf("browse: %v", err) }
    t.Cleanup(func() { _ = br.Stop() })

    connected := make(chan struct{})
    s := session.New(advPeer, session.Handlers{OnConnect: func() { close(connected) }})
    if err := s.Connect(func(ctx context.Context) (discovery.Conn, error) { return br.Invite(ctx, advPeer) }); err != nil {
        t.Fatalf("connect: %v", err)
    }
    select {
    case <-connected:
    case <-time.After(2 * time.Second):
        t.Fatalf("session did not connect")
    }
    p.browser = NewBrowser(s, b)
    p.port, err = p.browser.OpenRelay(ctx)
    if err != nil { t.Fatalf("open browser relay: %v", err) }
    if p.port == 0 || p.port != p.browser.Endpoint().ListenerPort() { t.Fatalf("unexpected listener port %d", p.port) }
    t.Cleanup(func() { _ = p.browser.CloseRelay(); s.Disconnect() })
    return p
}

func dialLocal(t *testing.T, port int) net.Conn {
    t.Helper()
    c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
    if err != nil { t.Fatalf("dial relay: %v", err) }
    t.Cleanup(func() { _ = c.Close() })
    return c
}

func roundtrip(t *testing.T, c net.Conn, msg string) {
    t.Helper()
    _ = c.SetDeadline(time.Now().Add(3 * time.Second))
    if _, err := c.Write([]byte(msg)); err != nil { t.Fatalf("write: %v", err) }
    buf := make([]byte, len(msg))
    if _, err := io.ReadFull(c, buf); err != nil { t.Fatalf("read: %v", err) }
    if string(buf) != msg { t.Fatalf("echo mismatch: %q != %q", buf, msg) }
}

func eventually(t *testing.T, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("condition not met: %s", what)
}

func TestRelayEndToEnd(t *testing.T) {
    p := setup(t, echoServer(t), vsocket.Builder{Timeout: 2 * time.Second})
    adv := <-p.adv

    c1 := dialLocal(t, p.port)
    roundtrip(t, c1, "hello over the mesh")
    eventually(t, "one socket per side", func() bool { return p.browser.VirtualSocketCount() == 1 && adv.VirtualSocketCount() == 1 })
    if adv.Endpoint().ClientLocalPort() == 0 { t.Fatalf("client local port unknown") }

    // a second local connection multiplexes over the same session
    c2 := dialLocal(t, p.port)
    roundtrip(t, c2, "second")
    roundtrip(t, c1, "first again")
    eventually(t, "two sockets per side", func() bool { return p.browser.VirtualSocketCount() == 2 && adv.VirtualSocketCount() == 2 })

    _ = c2.Close()
    eventually(t, "closed local conn removes its socket", func() bool { return p.browser.VirtualSocketCount() == 1 && adv.VirtualSocketCount() == 1 })
    roundtrip(t, c1, "still alive")

    st := p.browser.Stats()
    if st.ToPeer == 0 || st.FromPeer == 0 { t.Fatalf("stats not counted: %+v", st) }

    if err := p.browser.CloseRelay(); err != nil { t.Fatalf("close: %v", err) }
    if p.browser.VirtualSocketCount() != 0 { t.Fatalf("table not cleared") }
    if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p.port)), 200*time.Millisecond); err == nil {
        t.Fatalf("listener still accepting after close")
    }
    if _, err := p.browser.OpenRelay(context.Background()); !errors.Is(err, relayerr.ErrConnectionFailed) {
        t.Fatalf("open after close: expected ErrConnectionFailed, got %v", err)
    }
}

func TestSessionDisconnectTearsDownAdvertiser(t *testing.T) {
    p := setup(t, echoServer(t), vsocket.Builder{Timeout: 2 * time.Second})
    adv := <-p.adv
    c := dialLocal(t, p.port)
    roundtrip(t, c, "ping")

    p.browser.DisconnectPeerSession()
    eventually(t, "advertiser table purged", func() bool { return adv.VirtualSocketCount() == 0 })
    eventually(t, "browser sockets closed", func() bool { return p.browser.VirtualSocketCount() == 0 })
    _ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
    if _, err := c.Read(make([]byte, 1)); err == nil { t.Fatalf("local conn should be closed") }
}

func TestAdvertiserOpenFailsWithoutApplication(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    port := ln.Addr().(*net.TCPAddr).Port
    _ = ln.Close()

    r := NewAdvertiser(session.New(peer.New(), session.Handlers{}), port, vsocket.Builder{Timeout: time.Second})
    if _, err := r.OpenRelay(context.Background()); !errors.Is(err, relayerr.ErrConnectionFailed) {
        t.Fatalf("expected ErrConnectionFailed, got %v", err)
    }
    if _, err := r.OpenRelay(context.Background()); !errors.Is(err, relayerr.ErrDoubleStart) {
        t.Fatalf("expected ErrDoubleStart, got %v", err)
    }
    if err := r.CloseRelay(); err != nil { t.Fatalf("close: %v", err) }
}

func TestBrowserBuildTimeoutClosesLocalConn(t *testing.T) {
    l, _ := mem.NewNetwork().Layer("thali")
    ctx := context.Background()
    adv := peer.New()
    // the advertiser accepts the session but never answers streams
    if _, err := l.Advertise(ctx, adv, func(c discovery.Conn) {
        s := session.New(c.Remote(), session.Handlers{})
        _ = s.Attach(c)
        t.Cleanup(s.Disconnect)
    }); err != nil { t.Fatalf("advertise: %v", err) }
    br, _ := l.Browse(ctx, peer.New(), discovery.BrowseHandler{})
    defer br.Stop()

    connected := make(chan struct{})
    s := session.New(adv, session.Handlers{OnConnect: func() { close(connected) }})
    _ = s.Connect(func(ctx context.Context) (discovery.Conn, error) { return br.Invite(ctx, adv) })
    <-connected
    defer s.Disconnect()

    r := NewBrowser(s, vsocket.Builder{Timeout: 100 * time.Millisecond})
    port, err := r.OpenRelay(ctx)
    if err != nil { t.Fatalf("open: %v", err) }
    defer r.CloseRelay()

    c := dialLocal(t, port)
    _ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
    if _, err := c.Read(make([]byte, 1)); err == nil { t.Fatalf("expected local conn to be closed after timeout") }
    if r.VirtualSocketCount() != 0 { t.Fatalf("no socket expected") }
}
