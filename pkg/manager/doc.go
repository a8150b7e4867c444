// Package manager drives the discovery lifecycle on both sides of a
// connection. Advertiser publishes rotating generations of the local peer
// and answers invitations with advertiser relays; Browser tracks which
// peers are available and opens browser relays on demand.
package manager
