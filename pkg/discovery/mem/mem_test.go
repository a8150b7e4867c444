package mem

import (
    "context"
    "errors"
    "io"
    "testing"
    "time"

    "ttrelay/pkg/discovery"
    "ttrelay/pkg/peer"
)

func TestLayerRejectsInvalidServiceType(t *testing.T) {
    if _, err := NewNetwork().Layer("bad--type"); !errors.Is(err, discovery.ErrInvalidServiceType) {
        t.Fatalf("expected ErrInvalidServiceType, got %v", err)
    }
}

func TestBrowseReportsFoundAndLost(t *testing.T) {
    n := NewNetwork()
    l, err := n.Layer("thali")
    if err != nil { t.Fatalf("layer: %v", err) }
    ctx := context.Background()

    first := peer.New()
    ad1, err := l.Advertise(ctx, first, func(discovery.Conn) {})
    if err != nil { t.Fatalf("advertise: %v", err) }

    found := make(chan peer.Peer, 4)
    lost := make(chan peer.Peer, 4)
    b, err := l.Browse(ctx, peer.New(), discovery.BrowseHandler{
        Found: func(p peer.Peer) { found <- p },
        Lost:  func(p peer.Peer) { lost <- p },
    })
    if err != nil { t.Fatalf("browse: %v", err) }
    defer b.Stop()

    if got := recvPeer(t, found); got != first { t.Fatalf("found %v, want %v", got, first) }

    second := first.NextGeneration()
    if _, err := l.Advertise(ctx, second, func(discovery.Conn) {}); err != nil { t.Fatalf("advertise 2: %v", err) }
    if got := recvPeer(t, found); got != second { t.Fatalf("found %v, want %v", got, second) }

    _ = ad1.Stop()
    if got := recvPeer(t, lost); got != first { t.Fatalf("lost %v, want %v", got, first) }
}

func TestOtherServiceTypeIsInvisible(t *testing.T) {
    n := NewNetwork()
    a, _ := n.Layer("alpha")
    b, _ := n.Layer("beta")
    ctx := context.Background()
    if _, err := a.Advertise(ctx, peer.New(), func(discovery.Conn) {}); err != nil { t.Fatalf("advertise: %v", err) }
    found := make(chan peer.Peer, 1)
    br, err := b.Browse(ctx, peer.New(), discovery.BrowseHandler{Found: func(p peer.Peer) { found <- p }})
    if err != nil { t.Fatalf("browse: %v", err) }
    defer br.Stop()
    select {
    case p := <-found:
        t.Fatalf("unexpected peer %v", p)
    case <-time.After(50 * time.Millisecond):
    }
}

func TestFailNextHooks(t *testing.T) {
    n := NewNetwork()
    l, _ := n.Layer("thali")
    boom := errors.New("boom")
    n.FailNextAdvertise(boom)
    if _, err := l.Advertise(context.Background(), peer.New(), nil); !errors.Is(err, boom) { t.Fatalf("expected boom, got %v", err) }
    if _, err := l.Advertise(context.Background(), peer.New(), func(discovery.Conn) {}); err != nil { t.Fatalf("hook must be one-shot: %v", err) }
    n.FailNextBrowse(boom)
    if _, err := l.Browse(context.Background(), peer.New(), discovery.BrowseHandler{}); !errors.Is(err, boom) { t.Fatalf("expected boom, got %v", err) }
}

func TestInviteAndNamedStreams(t *testing.T) {
    n := NewNetwork()
    l, _ := n.Layer("thali")
    ctx := context.Background()

    adv := peer.New()
    accepted := make(chan discovery.Conn, 1)
    if _, err := l.Advertise(ctx, adv, func(c discovery.Conn) { accepted <- c }); err != nil { t.Fatalf("advertise: %v", err) }

    local := peer.New()
    b, err := l.Browse(ctx, local, discovery.BrowseHandler{})
    if err != nil { t.Fatalf("browse: %v", err) }
    defer b.Stop()

    if _, err := b.Invite(ctx, adv.NextGeneration()); err == nil { t.Fatalf("invite to unknown generation must fail") }

    cli, err := b.Invite(ctx, adv)
    if err != nil { t.Fatalf("invite: %v", err) }
    var srv discovery.Conn
    select {
    case srv = <-accepted:
    case <-time.After(time.Second):
        t.Fatalf("invitation not delivered")
    }
    if srv.Remote() != local || cli.Remote() != adv { t.Fatalf("unexpected identities: %v %v", srv.Remote(), cli.Remote()) }

    out, err := cli.OpenStream(ctx, "s1")
    if err != nil { t.Fatalf("open: %v", err) }
    in, err := srv.AcceptStream(ctx)
    if err != nil { t.Fatalf("accept: %v", err) }
    if in.Name() != "s1" { t.Fatalf("unexpected name %q", in.Name()) }

    go func() { _, _ = out.Write([]byte("ping")) }()
    buf := make([]byte, 4)
    if _, err := io.ReadFull(in, buf); err != nil { t.Fatalf("read: %v", err) }
    if string(buf) != "ping" { t.Fatalf("unexpected payload %q", buf) }

    _ = cli.Close()
    if _, err := srv.AcceptStream(ctx); err == nil { t.Fatalf("accept after close must fail") }
    if _, err := in.Read(buf); err == nil { t.Fatalf("stream read after close must fail") }
    if _, err := srv.OpenStream(ctx, "s2"); err == nil { t.Fatalf("open after close must fail") }
}

func recvPeer(t *testing.T, ch <-chan peer.Peer) peer.Peer {
    t.Helper()
    select {
    case p := <-ch:
        return p
    case <-time.After(time.Second):
        t.Fatalf("timed out waiting for peer event")
    }
    return peer.Peer{}
}
