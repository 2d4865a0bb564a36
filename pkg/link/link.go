// Package link defines the radio abstraction a mesh node runs on.
//
// A Link is short-range, connection-oriented and lossy: it discovers
// neighbours through advertisements, connects to a bounded number of them,
// and moves small byte packets with no ordering guarantee across peers and
// no length framing. Everything above it (fragmentation, relay, encryption)
// lives in the mesh engine.
package link

import (
	"context"
	"errors"
)

var (
	ErrNotStarted     = errors.New("link not started")
	ErrNotConnected   = errors.New("peer not connected")
	ErrUnreachable    = errors.New("peer out of range")
	ErrProbeFailed    = errors.New("peer does not speak the mesh protocol")
	ErrPacketTooLarge = errors.New("packet exceeds link MTU")
	ErrClosed         = errors.New("link closed")
)

// DefaultMTU matches a BLE characteristic write after ATT overhead
const DefaultMTU = 182

// Advertisement is a discovery sighting of a nearby peer
type Advertisement struct {
	PeerID  string
	Name    string // empty when the peer did not advertise one
	RSSI    int    // dBm
	Service bool   // the peer advertises the mesh service
}

// Events receives everything a link reports. Calls for one link arrive
// sequentially, in the order the link observed them.
type Events interface {
	OnAdvertisement(ad Advertisement)
	// OnConnected fires when a connection is up. inbound is true when the
	// remote side initiated it.
	OnConnected(peerID string, inbound bool)
	OnDisconnected(peerID string, err error)
	OnBytes(peerID string, data []byte)
}

// Link is a connection-oriented, small-MTU transport
type Link interface {
	// Start begins discovery and delivery of events until ctx ends
	Start(ctx context.Context, events Events) error

	// Connect initiates a connection. A nil return means the attempt was
	// started; success is reported through Events.OnConnected.
	Connect(ctx context.Context, peerID string) error

	// Probe checks that a connected peer exposes the mesh service
	Probe(ctx context.Context, peerID string) error

	Disconnect(peerID string) error

	// Write sends one packet of at most MaxWriteSize bytes
	Write(peerID string, data []byte) error

	MaxWriteSize(peerID string) int

	Close() error
}
