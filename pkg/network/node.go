// Package network is the MeshLink protocol engine: the peer connection
// state machine, relay with duplicate suppression, and delivery and typing
// tracking, running on top of a link.Link.
//
// All mutable state of a Node is owned by a single event loop. Link
// events, timer firings and API calls are posted to it; blocking link work
// (connect, probe, paced writes) runs in goroutines that post their results
// back. Application callbacks run on a separate loop, in order, so a
// callback may call back into the Node.
package network

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/krol69/MeshLink/pkg/fragment"
	"github.com/krol69/MeshLink/pkg/link"
	"github.com/krol69/MeshLink/pkg/metrics"
	"github.com/krol69/MeshLink/pkg/schedule"
)

// Sealer encrypts and decrypts payload fields. *crypto.Box implements it.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
	Fingerprint() string
}

// Callbacks are the application hooks of a Node. Nil fields are skipped.
type Callbacks struct {
	// text is protocol.UndecryptableText when a sealed payload could not be opened
	OnMessage           func(originID, text string, encrypted bool)
	OnImage             func(originID string, image []byte, caption string)
	OnTypingChanged     func(name string, typing bool)
	OnDeliveryConfirmed func(id string)
	OnLog               func(text string, level LogLevel)
	OnPeerStateChanged  func(peerID string, state PeerState)
}

// Stats is a point-in-time view of the engine
type Stats struct {
	Name                string           `json:"name"`
	Fingerprint         string           `json:"fingerprint,omitempty"`
	PeersConnected      int              `json:"peers_connected"`
	PeersTotal          int              `json:"peers_total"`
	KnownPeers          int              `json:"known_peers"`
	SeenCached          int              `json:"seen_cached"`
	OutboundPending     int              `json:"outbound_pending"`
	PendingReassemblies int              `json:"pending_reassemblies"`
	Typing              int              `json:"typing"`
	Counters            metrics.Snapshot `json:"counters"`
}

// Option configures a Node
type Option func(*Node)

// WithSealer enables payload encryption. Without it messages go out in the
// clear and sealed messages received are undecryptable.
func WithSealer(s Sealer) Option {
	return func(n *Node) { n.sealer = s }
}

func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithClock replaces the wall clock, for tests
func WithClock(clk clock.Clock) Option {
	return func(n *Node) {
		if clk != nil {
			n.clock = clk
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) {
		if m != nil {
			n.metrics = m
		}
	}
}

func WithCallbacks(cb Callbacks) Option {
	return func(n *Node) { n.callbacks = cb }
}

// WithKnownPeers seeds the reconnect set, oldest first
func WithKnownPeers(peers []KnownPeer) Option {
	return func(n *Node) { n.seed = append(n.seed, peers...) }
}

// Node is one mesh participant
type Node struct {
	cfg       *Config
	link      link.Link
	sealer    Sealer
	logger    *zap.Logger
	clock     clock.Clock
	metrics   *metrics.Metrics
	callbacks Callbacks
	seed      []KnownPeer

	loop   *schedule.Loop
	notify *schedule.Loop
	sched  *schedule.Scheduler
	logs   *logRing

	running atomic.Bool
	started chan struct{}
	ctx     context.Context
	writers sync.WaitGroup

	// owned by loop
	peers          map[string]*peerEntry
	known          *knownPeers
	seen           *seenCache
	outbound       *ledger
	typing         map[string]time.Time
	lastTypingSent time.Time
	burst          *fragment.BurstBuffer
	assembler      *fragment.Assembler
}

// NewNode creates a node on lnk. Nothing happens until Run.
func NewNode(cfg *Config, lnk link.Link, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		link:    lnk,
		logger:  zap.NewNop(),
		clock:   clock.New(),
		metrics: metrics.New(),
		loop:    schedule.NewLoop(),
		notify:  schedule.NewLoop(),
		logs:    newLogRing(cfg.LogHistory),
		started: make(chan struct{}),
		peers:   make(map[string]*peerEntry),
		typing:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.Named("node").With(zap.String("name", cfg.Name))

	var err error
	if n.seen, err = newSeenCache(cfg.SeenCacheSize); err != nil {
		return nil, err
	}
	if n.outbound, err = newLedger(cfg.OutboundLedgerSize); err != nil {
		return nil, err
	}
	if n.known, err = newKnownPeers(cfg.KnownPeersSize); err != nil {
		return nil, err
	}
	for _, kp := range n.seed {
		n.known.Add(kp.ID, kp.Name)
	}

	n.sched = schedule.NewScheduler(n.clock, n.loop)
	n.burst = fragment.NewBurstBuffer(n.sched, cfg.Burst, n.onFrame)
	n.assembler = fragment.NewAssembler(n.sched, cfg.Assembly, n.onFragmentExpired)
	return n, nil
}

// Name returns the display name this node sends under
func (n *Node) Name() string {
	return n.cfg.Name
}

// Fingerprint identifies the payload key, or is empty in plaintext mode
func (n *Node) Fingerprint() string {
	if n.sealer == nil {
		return ""
	}
	return n.sealer.Fingerprint()
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Started is closed once Run has brought the link up
func (n *Node) Started() <-chan struct{} {
	return n.started
}

// Run starts the link and processes events until ctx is cancelled
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.ctx = ctx

	go n.notify.Run(ctx)
	go n.loop.Run(ctx)

	err := n.loop.Do(ctx, func() {
		n.sched.Every(schedule.Key{Kind: schedule.KindReconnect}, n.cfg.ReconnectInterval, n.reconnectSweep)
	})
	if err != nil {
		return err
	}

	if err := n.link.Start(ctx, &linkEvents{n: n}); err != nil {
		cancel()
		<-n.loop.Done()
		return &LinkError{Op: "start", Err: err}
	}
	close(n.started)

	mode := "plaintext"
	if n.sealer != nil {
		mode = "encrypted, key " + n.sealer.Fingerprint()
	}
	n.log(LogSuccess, "Mesh node "+n.cfg.Name+" started ("+mode+")")

	<-ctx.Done()
	<-n.loop.Done()
	// the loop is gone, so nothing else touches the scheduler now
	n.sched.CancelAll()
	n.writers.Wait()
	if err := n.link.Close(); err != nil {
		n.logger.Warn("close link", zap.Error(err))
	}
	n.logger.Info("node stopped")
	return nil
}

// do runs fn on the event loop once the node is running
func (n *Node) do(ctx context.Context, fn func()) error {
	select {
	case <-n.started:
	default:
		return ErrNotRunning
	}
	if err := n.loop.Do(ctx, fn); err != nil {
		if errors.Is(err, schedule.ErrStopped) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

// Peers returns a snapshot of every peer seen, sorted by id
func (n *Node) Peers(ctx context.Context) ([]PeerInfo, error) {
	var out []PeerInfo
	err := n.do(ctx, func() {
		out = make([]PeerInfo, 0, len(n.peers))
		for _, p := range n.peers {
			out = append(out, p.info(n.known.Contains(p.id)))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Peer returns the snapshot of one peer
func (n *Node) Peer(ctx context.Context, peerID string) (PeerInfo, error) {
	var (
		info PeerInfo
		ok   bool
	)
	err := n.do(ctx, func() {
		var p *peerEntry
		if p, ok = n.peers[peerID]; ok {
			info = p.info(n.known.Contains(peerID))
		}
	})
	if err == nil && !ok {
		err = ErrUnknownPeer
	}
	return info, err
}

// KnownPeers returns the reconnect set, least recently connected first
func (n *Node) KnownPeers(ctx context.Context) ([]KnownPeer, error) {
	var out []KnownPeer
	err := n.do(ctx, func() { out = n.known.List() })
	return out, err
}

// Outbound returns the delivery record of a message this node sent
func (n *Node) Outbound(ctx context.Context, id string) (OutboundRecord, bool, error) {
	var (
		rec OutboundRecord
		ok  bool
	)
	err := n.do(ctx, func() { rec, ok = n.outbound.Get(id) })
	return rec, ok, err
}

// Typing returns the names currently typing, sorted
func (n *Node) Typing(ctx context.Context) ([]string, error) {
	var out []string
	err := n.do(ctx, func() {
		out = make([]string, 0, len(n.typing))
		for name := range n.typing {
			out = append(out, name)
		}
	})
	sort.Strings(out)
	return out, err
}

// Logs returns the activity log, oldest first
func (n *Node) Logs() []LogEntry {
	return n.logs.snapshot()
}

func (n *Node) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Name: n.cfg.Name, Fingerprint: n.Fingerprint()}
	err := n.do(ctx, func() {
		for _, p := range n.peers {
			if p.state == PeerConnected {
				s.PeersConnected++
			}
		}
		s.PeersTotal = len(n.peers)
		s.KnownPeers = n.known.Len()
		s.SeenCached = n.seen.Len()
		s.OutboundPending = n.outbound.Pending()
		s.PendingReassemblies = n.assembler.Pending()
		s.Typing = len(n.typing)
	})
	s.Counters = n.metrics.Snapshot()
	return s, err
}

// emit queues an application callback
func (n *Node) emit(fn func()) {
	n.notify.Post(fn)
}
