package discovery

import (
    "context"
    "io"
    "net"

    "ttrelay/pkg/peer"
)

// InputStream is the read side of a named stream opened by the remote peer.
type InputStream interface {
    Name() string
    io.ReadCloser
}

// OutputStream is the write side of a named stream opened locally.
type OutputStream interface {
    Name() string
    io.WriteCloser
}

// Conn is one established connection to a remote peer.
type Conn interface {
    Local() peer.Peer
    Remote() peer.Peer
    RemoteAddr() net.Addr

    // OpenStream opens a named outbound stream. The remote side receives the
    // matching InputStream from AcceptStream.
    OpenStream(ctx context.Context, name string) (OutputStream, error)

    // AcceptStream waits for the next stream opened by the remote peer. It
    // returns an error once the connection is gone.
    AcceptStream(ctx context.Context) (InputStream, error)

    // Close tears down the connection and every stream on it.
    Close() error
}

// InvitationHandler receives connections initiated by browsing peers. It
// must not block; the Conn is already accepted.
type InvitationHandler func(Conn)

// BrowseHandler receives peer found/lost events in order.
type BrowseHandler struct {
    Found func(peer.Peer)
    Lost  func(peer.Peer)
}

// Advertisement is a running advertisement of one peer generation.
type Advertisement interface {
    Peer() peer.Peer
    // Stop withdraws the advertisement. Safe to call more than once.
    Stop() error
}

// Browser is a running browse.
type Browser interface {
    // Invite connects to a peer previously reported as found.
    Invite(ctx context.Context, remote peer.Peer) (Conn, error)
    // Stop ends browsing. Safe to call more than once.
    Stop() error
}

// Layer is a discovery implementation bound to one service type.
type Layer interface {
    ServiceType() string
    Advertise(ctx context.Context, local peer.Peer, onInvite InvitationHandler) (Advertisement, error)
    Browse(ctx context.Context, local peer.Peer, h BrowseHandler) (Browser, error)
}
