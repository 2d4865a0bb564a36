package network

import (
	"fmt"
	"strings"
	"time"
)

// PeerState is where a peer is in the connection lifecycle
type PeerState int

const (
	PeerDisconnected PeerState = iota
	PeerDiscovered
	PeerConnecting
	PeerVerifying
	PeerConnected
)

func (s PeerState) String() string {
	switch s {
	case PeerDisconnected:
		return "disconnected"
	case PeerDiscovered:
		return "discovered"
	case PeerConnecting:
		return "connecting"
	case PeerVerifying:
		return "verifying"
	case PeerConnected:
		return "connected"
	default:
		return fmt.Sprintf("PeerState(%d)", int(s))
	}
}

func (s PeerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PeerState) UnmarshalText(text []byte) error {
	for st := PeerDisconnected; st <= PeerConnected; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown peer state %q", text)
}

// Active reports whether the peer holds or is building a connection
func (s PeerState) Active() bool {
	return s == PeerConnecting || s == PeerVerifying || s == PeerConnected
}

// PeerInfo is a read-only snapshot of a peer
type PeerInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	RSSI     int       `json:"rssi"`
	Signal   string    `json:"signal"`
	LastSeen time.Time `json:"last_seen"`
	State    PeerState `json:"state"`
	Verified bool      `json:"verified"`
	Inbound  bool      `json:"inbound"`
	Known    bool      `json:"known"`
}

// KnownPeer is an entry of the reconnect set
type KnownPeer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SignalStrength labels an RSSI reading
func SignalStrength(rssi int) string {
	switch {
	case rssi > -50:
		return "Strong"
	case rssi > -70:
		return "Good"
	case rssi > -85:
		return "Weak"
	default:
		return "Very Weak"
	}
}

const placeholderPrefix = "Device-"

func placeholderName(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return placeholderPrefix + id
}

func isPlaceholder(name string) bool {
	return name == "" || strings.HasPrefix(name, placeholderPrefix)
}

// peerEntry is the engine's record of a peer. Owned by the event loop.
type peerEntry struct {
	id       string
	name     string
	rssi     int
	lastSeen time.Time
	state    PeerState

	verified         bool
	unverified       bool // failed the probe; never auto-connected again
	userDisconnected bool // disconnected on request; not reconnected automatically
	inbound          bool
	service          bool

	// bumped on every connect attempt and teardown so late results from
	// connect and probe goroutines can be recognised and ignored
	session uint64
	writer  *peerWriter
}

func newPeerEntry(id string) *peerEntry {
	return &peerEntry{
		id:    id,
		name:  placeholderName(id),
		state: PeerDisconnected,
	}
}

// rename applies the display name rule: a real name replaces a placeholder,
// a placeholder never replaces a real name
func (p *peerEntry) rename(name string) bool {
	if name == "" || name == p.name {
		return false
	}
	if isPlaceholder(name) && !isPlaceholder(p.name) {
		return false
	}
	p.name = name
	return true
}

func (p *peerEntry) info(known bool) PeerInfo {
	return PeerInfo{
		ID:       p.id,
		Name:     p.name,
		RSSI:     p.rssi,
		Signal:   SignalStrength(p.rssi),
		LastSeen: p.lastSeen,
		State:    p.state,
		Verified: p.verified,
		Inbound:  p.inbound,
		Known:    known,
	}
}
