// Package discovery defines the boundary between the relay core and the
// peer-discovery layer that advertises, browses and connects nearby peers.
//
// Key concepts:
// - Layer: advertises a local peer or browses for remote ones under a service type
// - Advertisement: a running advertisement; invitations arrive as Conns
// - Browser: a running browse; reports found/lost peers and invites them
// - Conn: an established peer connection carrying named one-way streams
//
// Implementations: mem (in-process, for tests) and lan (mDNS + QUIC).
package discovery
