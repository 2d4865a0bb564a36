// Package p2plink runs the mesh over libp2p on a local network.
//
// Nearby nodes are found with mDNS, which stands in for BLE advertising.
// Each connected peer gets one long-lived stream on MeshProtocol; every
// Write becomes one varint-delimited message on it, so the receiving side
// sees the same packet boundaries a radio link would deliver. A second
// protocol answers probes so a node can tell a mesh peer from any other
// libp2p host.
package p2plink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/krol69/MeshLink/pkg/link"
)

const (
	MeshProtocol  protocol.ID = "/meshlink/mesh/2.0.0"
	ProbeProtocol protocol.ID = "/meshlink/probe/2.0.0"

	// Service tag announced over mDNS
	DefaultServiceTag = "meshlink-mesh"

	probeChallenge = "meshlink?"
	probeAnswer    = "meshlink!"

	// RSSI reported for LAN peers, which have no signal strength
	lanRSSI = -45
)

// Config configures the libp2p link
type Config struct {
	ListenAddrs []string // multiaddrs, e.g. /ip4/0.0.0.0/tcp/0
	Name        string   // display name, announced as the libp2p user agent
	ServiceTag  string   // mDNS service tag
	StaticPeers []string // /ip4/.../tcp/.../p2p/<id> multiaddrs advertised at start
	MTU         int      // largest write, kept small to exercise fragmentation
	EnableMDNS  bool
}

// DefaultConfig returns the default link settings
func DefaultConfig() *Config {
	return &Config{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		ServiceTag:  DefaultServiceTag,
		MTU:         link.DefaultMTU,
		EnableMDNS:  true,
	}
}

type conn struct {
	stream network.Stream
	w      msgio.WriteCloser
}

// Link implements link.Link on a libp2p host
type Link struct {
	cfg    *Config
	logger *zap.Logger

	host host.Host
	mdns mdns.Service

	mu      sync.Mutex
	conns   map[peer.ID]*conn
	events  link.Events
	evq     chan func()
	closed  bool
	closeCh chan struct{}
}

var _ link.Link = (*Link)(nil)

// New creates the libp2p host. Nothing is announced until Start.
func New(cfg *Config, logger *zap.Logger) (*Link, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MTU <= 0 {
		cfg.MTU = link.DefaultMTU
	}
	if cfg.ServiceTag == "" {
		cfg.ServiceTag = DefaultServiceTag
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	}
	if cfg.Name != "" {
		opts = append(opts, libp2p.UserAgent(cfg.Name))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	return &Link{
		cfg:     cfg,
		logger:  logger.Named("p2plink"),
		host:    h,
		conns:   make(map[peer.ID]*conn),
		evq:     make(chan func(), 256),
		closeCh: make(chan struct{}),
	}, nil
}

// ID returns this node's peer id
func (l *Link) ID() string {
	return l.host.ID().String()
}

// Addrs returns the full dialable addresses of this node
func (l *Link) Addrs() []string {
	suffix := "/p2p/" + l.host.ID().String()
	addrs := make([]string, 0, len(l.host.Addrs()))
	for _, a := range l.host.Addrs() {
		addrs = append(addrs, a.String()+suffix)
	}
	return addrs
}

func (l *Link) Start(ctx context.Context, events link.Events) error {
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()

	go l.dispatch(ctx)

	l.host.SetStreamHandler(MeshProtocol, l.handleMeshStream)
	l.host.SetStreamHandler(ProbeProtocol, l.handleProbeStream)

	if l.cfg.EnableMDNS {
		l.mdns = mdns.NewMdnsService(l.host, l.cfg.ServiceTag, &notifee{l: l})
		if err := l.mdns.Start(); err != nil {
			return fmt.Errorf("failed to start mDNS: %w", err)
		}
	}

	for _, s := range l.cfg.StaticPeers {
		maddr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			l.logger.Warn("invalid static peer", zap.String("addr", s), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			l.logger.Warn("static peer has no /p2p id", zap.String("addr", s), zap.Error(err))
			continue
		}
		l.found(*info)
	}

	l.logger.Info("link started",
		zap.String("peer_id", l.ID()),
		zap.Strings("addrs", l.Addrs()),
		zap.Bool("mdns", l.cfg.EnableMDNS))

	go func() {
		<-ctx.Done()
		l.Close()
	}()
	return nil
}

// emit queues an event; events are delivered in order by dispatch
func (l *Link) emit(fn func(link.Events)) {
	l.mu.Lock()
	ev := l.events
	closed := l.closed
	l.mu.Unlock()
	if ev == nil || closed {
		return
	}

	select {
	case l.evq <- func() { fn(ev) }:
	case <-l.closeCh:
	}
}

func (l *Link) dispatch(ctx context.Context) {
	for {
		select {
		case fn := <-l.evq:
			fn()
		case <-ctx.Done():
			return
		case <-l.closeCh:
			return
		}
	}
}

// found records a discovered peer and advertises it upward
func (l *Link) found(info peer.AddrInfo) {
	if info.ID == l.host.ID() {
		return
	}
	l.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
	l.advertise(info.ID)
}

func (l *Link) advertise(id peer.ID) {
	ad := link.Advertisement{
		PeerID:  id.String(),
		Name:    l.agentName(id),
		RSSI:    lanRSSI,
		Service: true,
	}
	l.emit(func(ev link.Events) { ev.OnAdvertisement(ad) })
}

// agentName reads the name a peer announced through identify
func (l *Link) agentName(id peer.ID) string {
	v, err := l.host.Peerstore().Get(id, "AgentVersion")
	if err != nil {
		return ""
	}
	name, _ := v.(string)
	return name
}

func (l *Link) Connect(ctx context.Context, peerID string) error {
	id, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}

	if err := l.host.Connect(ctx, peer.AddrInfo{ID: id}); err != nil {
		return fmt.Errorf("%w: %v", link.ErrUnreachable, err)
	}

	s, err := l.host.NewStream(ctx, id, MeshProtocol)
	if err != nil {
		return fmt.Errorf("failed to open mesh stream: %w", err)
	}

	if l.attach(id, s) {
		l.emit(func(ev link.Events) { ev.OnConnected(peerID, false) })
	}
	// identify has usually finished by now, so the name is known
	l.advertise(id)
	return nil
}

func (l *Link) handleMeshStream(s network.Stream) {
	id := s.Conn().RemotePeer()
	if l.attach(id, s) {
		l.emit(func(ev link.Events) { ev.OnConnected(id.String(), true) })
		l.advertise(id)
	}
}

// attach starts reading s and makes it the write stream if the peer has
// none. Returns true when this is a new connection.
func (l *Link) attach(id peer.ID, s network.Stream) bool {
	l.mu.Lock()
	_, exists := l.conns[id]
	if !exists {
		l.conns[id] = &conn{stream: s, w: msgio.NewVarintWriter(s)}
	}
	l.mu.Unlock()

	go l.readLoop(id, s)
	return !exists
}

func (l *Link) readLoop(id peer.ID, s network.Stream) {
	r := msgio.NewVarintReaderSize(s, l.cfg.MTU)
	defer r.Close()

	for {
		msg, err := r.ReadMsg()
		if err != nil {
			l.detach(id, s, err)
			return
		}
		data := append([]byte(nil), msg...)
		r.ReleaseMsg(msg)
		l.emit(func(ev link.Events) { ev.OnBytes(id.String(), data) })
	}
}

// detach forgets s; if it was the peer's write stream the peer is gone
func (l *Link) detach(id peer.ID, s network.Stream, cause error) {
	l.mu.Lock()
	c, ok := l.conns[id]
	current := ok && c.stream == s
	if current {
		delete(l.conns, id)
	}
	l.mu.Unlock()

	if !current {
		return
	}
	s.Reset()
	if errors.Is(cause, network.ErrReset) || isEOF(cause) {
		cause = nil
	}
	l.emit(func(ev link.Events) { ev.OnDisconnected(id.String(), cause) })
}

func (l *Link) Probe(ctx context.Context, peerID string) error {
	id, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}

	s, err := l.host.NewStream(ctx, id, ProbeProtocol)
	if err != nil {
		return fmt.Errorf("%w: %v", link.ErrProbeFailed, err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	w := msgio.NewVarintWriter(s)
	r := msgio.NewVarintReaderSize(s, len(probeAnswer))
	if err := w.WriteMsg([]byte(probeChallenge)); err != nil {
		return fmt.Errorf("%w: %v", link.ErrProbeFailed, err)
	}
	answer, err := r.ReadMsg()
	if err != nil {
		return fmt.Errorf("%w: %v", link.ErrProbeFailed, err)
	}
	defer r.ReleaseMsg(answer)

	if string(answer) != probeAnswer {
		return link.ErrProbeFailed
	}
	return nil
}

func (l *Link) handleProbeStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(10 * time.Second))

	r := msgio.NewVarintReaderSize(s, len(probeChallenge))
	msg, err := r.ReadMsg()
	if err != nil {
		return
	}
	ok := string(msg) == probeChallenge
	r.ReleaseMsg(msg)
	if ok {
		_ = msgio.NewVarintWriter(s).WriteMsg([]byte(probeAnswer))
	}
}

func (l *Link) Disconnect(peerID string) error {
	id, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}

	l.mu.Lock()
	c, ok := l.conns[id]
	delete(l.conns, id)
	l.mu.Unlock()

	if ok {
		c.stream.Reset()
		l.emit(func(ev link.Events) { ev.OnDisconnected(peerID, nil) })
	}
	return l.host.Network().ClosePeer(id)
}

func (l *Link) Write(peerID string, data []byte) error {
	if len(data) > l.cfg.MTU {
		return link.ErrPacketTooLarge
	}

	id, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}

	l.mu.Lock()
	c, ok := l.conns[id]
	l.mu.Unlock()
	if !ok {
		return link.ErrNotConnected
	}

	return c.w.WriteMsg(data)
}

func (l *Link) MaxWriteSize(peerID string) int {
	return l.cfg.MTU
}

func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := l.conns
	l.conns = make(map[peer.ID]*conn)
	l.mu.Unlock()

	close(l.closeCh)
	for _, c := range conns {
		c.stream.Reset()
	}
	if l.mdns != nil {
		_ = l.mdns.Close()
	}
	return l.host.Close()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

type notifee struct {
	l *Link
}

// HandlePeerFound is called by mDNS for every sighting
func (n *notifee) HandlePeerFound(info peer.AddrInfo) {
	n.l.found(info)
}
