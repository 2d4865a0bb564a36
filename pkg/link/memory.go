package link

import (
	"context"
	"sync"

	"github.com/krol69/MeshLink/pkg/schedule"
)

// DropFunc decides whether a packet from -> to is lost in the air
type DropFunc func(from, to string, data []byte) bool

// HubConfig configures the simulated radio
type HubConfig struct {
	MTU       int // largest write accepted
	SplitSize int // deliver each write as packets of this size; 0 delivers it whole
	RSSI      int // signal strength reported in advertisements
}

// DefaultHubConfig returns BLE-like settings
func DefaultHubConfig() HubConfig {
	return HubConfig{MTU: DefaultMTU, RSSI: -60}
}

// Behavior overrides how a simulated peer answers
type Behavior struct {
	IgnoreConnect bool // connection attempts never complete
	FailProbe     bool // connects but does not expose the mesh service
	NoService     bool // advertises without the mesh service
}

type pair struct{ a, b string }

func makePair(x, y string) pair {
	if x > y {
		x, y = y, x
	}
	return pair{x, y}
}

// Hub is an in-memory radio shared by a set of MemLinks. Range between
// nodes is explicit, so tests can build any topology.
type Hub struct {
	mu      sync.Mutex
	cfg     HubConfig
	links   map[string]*MemLink
	inRange map[pair]bool
	conns   map[pair]bool
	drop    DropFunc
}

// NewHub creates an empty radio
func NewHub(cfg HubConfig) *Hub {
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	return &Hub{
		cfg:     cfg,
		links:   make(map[string]*MemLink),
		inRange: make(map[pair]bool),
		conns:   make(map[pair]bool),
	}
}

// NewLink attaches a node to the radio
func (h *Hub) NewLink(id, name string) *MemLink {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := &MemLink{hub: h, id: id, name: name}
	h.links[id] = l
	return l
}

// SetDropFilter installs a packet-loss filter (nil clears it)
func (h *Hub) SetDropFilter(fn DropFunc) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

// SetInRange puts two nodes within or out of radio range. Going out of range
// tears down their connection.
func (h *Hub) SetInRange(a, b string, in bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := makePair(a, b)
	if in {
		h.inRange[p] = true
		la, lb := h.links[a], h.links[b]
		if la != nil && lb != nil && la.started && lb.started {
			adA, adB := la.advertisement(), lb.advertisement()
			la.post(func(ev Events) { ev.OnAdvertisement(adB) })
			lb.post(func(ev Events) { ev.OnAdvertisement(adA) })
		}
		return
	}

	delete(h.inRange, p)
	if h.conns[p] {
		h.dropConnLocked(p, ErrUnreachable)
	}
}

// Chain puts consecutive ids in range of each other: a-b, b-c, ...
func (h *Hub) Chain(ids ...string) {
	for i := 1; i < len(ids); i++ {
		h.SetInRange(ids[i-1], ids[i], true)
	}
}

// Advertise re-announces id to every started node in range
func (h *Hub) Advertise(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	src := h.links[id]
	if src == nil || !src.started {
		return
	}
	ad := src.advertisement()
	for other, l := range h.links {
		if other == id || !l.started || !h.inRange[makePair(id, other)] {
			continue
		}
		l.post(func(ev Events) { ev.OnAdvertisement(ad) })
	}
}

// Connected reports whether a and b hold a connection
func (h *Hub) Connected(a, b string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[makePair(a, b)]
}

func (h *Hub) dropConnLocked(p pair, err error) {
	delete(h.conns, p)
	if l := h.links[p.a]; l != nil {
		l.post(func(ev Events) { ev.OnDisconnected(p.b, err) })
	}
	if l := h.links[p.b]; l != nil {
		l.post(func(ev Events) { ev.OnDisconnected(p.a, err) })
	}
}

// MemLink is one node's view of a Hub
type MemLink struct {
	hub  *Hub
	id   string
	name string

	// guarded by hub.mu
	behavior Behavior
	started  bool
	events   Events
	queue    *schedule.Loop
}

var _ Link = (*MemLink)(nil)

// ID returns the address other nodes see this link under
func (l *MemLink) ID() string {
	return l.id
}

// SetBehavior changes how this node answers connects and probes
func (l *MemLink) SetBehavior(b Behavior) {
	l.hub.mu.Lock()
	l.behavior = b
	l.hub.mu.Unlock()
}

// advertisement reads behavior, so the caller must hold hub.mu
func (l *MemLink) advertisement() Advertisement {
	return Advertisement{
		PeerID:  l.id,
		Name:    l.name,
		RSSI:    l.hub.cfg.RSSI,
		Service: !l.behavior.NoService,
	}
}

// post queues an event for this link's consumer. Caller holds hub.mu.
func (l *MemLink) post(fn func(Events)) {
	if !l.started {
		return
	}
	ev := l.events
	l.queue.Post(func() { fn(ev) })
}

func (l *MemLink) Start(ctx context.Context, events Events) error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	l.events = events
	l.queue = schedule.NewLoop()
	l.started = true
	go l.queue.Run(ctx)
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for id, other := range h.links {
		if id == l.id || !other.started || !h.inRange[makePair(l.id, id)] {
			continue
		}
		mine, theirs := l.advertisement(), other.advertisement()
		l.post(func(ev Events) { ev.OnAdvertisement(theirs) })
		other.post(func(ev Events) { ev.OnAdvertisement(mine) })
	}
	return nil
}

func (l *MemLink) Connect(ctx context.Context, peerID string) error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if !l.started {
		return ErrNotStarted
	}
	target := h.links[peerID]
	if target == nil || !target.started || !h.inRange[makePair(l.id, peerID)] {
		return ErrUnreachable
	}
	if target.behavior.IgnoreConnect {
		return nil
	}

	p := makePair(l.id, peerID)
	if h.conns[p] {
		l.post(func(ev Events) { ev.OnConnected(peerID, false) })
		return nil
	}

	h.conns[p] = true
	l.post(func(ev Events) { ev.OnConnected(peerID, false) })
	target.post(func(ev Events) { ev.OnConnected(l.id, true) })
	return nil
}

func (l *MemLink) Probe(ctx context.Context, peerID string) error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.conns[makePair(l.id, peerID)] {
		return ErrNotConnected
	}
	if t := h.links[peerID]; t == nil || t.behavior.FailProbe {
		return ErrProbeFailed
	}
	return nil
}

func (l *MemLink) Disconnect(peerID string) error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	p := makePair(l.id, peerID)
	if h.conns[p] {
		h.dropConnLocked(p, nil)
	}
	return nil
}

func (l *MemLink) Write(peerID string, data []byte) error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.conns[makePair(l.id, peerID)] {
		return ErrNotConnected
	}
	if len(data) > h.cfg.MTU {
		return ErrPacketTooLarge
	}
	if h.drop != nil && h.drop(l.id, peerID, data) {
		return nil
	}

	target := h.links[peerID]
	buf := append([]byte(nil), data...)
	size := h.cfg.SplitSize
	if size <= 0 {
		size = len(buf)
	}
	for start := 0; start < len(buf); start += size {
		end := start + size
		if end > len(buf) {
			end = len(buf)
		}
		piece := buf[start:end]
		target.post(func(ev Events) { ev.OnBytes(l.id, piece) })
	}
	return nil
}

func (l *MemLink) MaxWriteSize(peerID string) int {
	return l.hub.cfg.MTU
}

func (l *MemLink) Close() error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if !l.started {
		return nil
	}
	for p := range h.conns {
		if p.a == l.id || p.b == l.id {
			h.dropConnLocked(p, ErrClosed)
		}
	}
	l.started = false
	return nil
}
