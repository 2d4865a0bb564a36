package network

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krol69/MeshLink/pkg/crypto"
	"github.com/krol69/MeshLink/pkg/link"
	"github.com/krol69/MeshLink/pkg/protocol"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type received struct {
	origin    string
	text      string
	encrypted bool
}

type receivedImage struct {
	origin  string
	image   []byte
	caption string
}

type typingEvent struct {
	name   string
	typing bool
}

// recorder collects application callbacks
type recorder struct {
	mu        sync.Mutex
	messages  []received
	images    []receivedImage
	typing    []typingEvent
	confirmed []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessage: func(origin, text string, encrypted bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, received{origin, text, encrypted})
		},
		OnImage: func(origin string, image []byte, caption string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.images = append(r.images, receivedImage{origin, image, caption})
		},
		OnTypingChanged: func(name string, typing bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.typing = append(r.typing, typingEvent{name, typing})
		},
		OnDeliveryConfirmed: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.confirmed = append(r.confirmed, id)
		},
	}
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) confirmedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.confirmed)
}

func (r *recorder) lastTyping() (typingEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.typing) == 0 {
		return typingEvent{}, false
	}
	return r.typing[len(r.typing)-1], true
}

// rawPeer records what a bare link, not running a node, receives
type rawPeer struct {
	mu        sync.Mutex
	connected map[string]bool
	data      map[string][]byte
}

func newRawPeer() *rawPeer {
	return &rawPeer{connected: make(map[string]bool), data: make(map[string][]byte)}
}

func (r *rawPeer) OnAdvertisement(link.Advertisement) {}

func (r *rawPeer) OnConnected(peerID string, inbound bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected[peerID] = true
}

func (r *rawPeer) OnDisconnected(peerID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected[peerID] = false
}

func (r *rawPeer) OnBytes(peerID string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[peerID] = append(r.data[peerID], data...)
}

func (r *rawPeer) received(peerID string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data[peerID]...)
}

type harness struct {
	t   *testing.T
	hub *link.Hub
	ctx context.Context
}

func newHarness(t *testing.T) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &harness{t: t, hub: link.NewHub(link.DefaultHubConfig()), ctx: ctx}
}

func testConfig(name string) *Config {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Burst.Window = 30 * time.Millisecond
	cfg.ChunkInterval = time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.ProbeTimeout = time.Second
	return cfg
}

type testNode struct {
	*Node
	id  string
	rec *recorder
}

func (h *harness) start(id string, cfg *Config, opts ...Option) *testNode {
	h.t.Helper()

	rec := &recorder{}
	lnk := h.hub.NewLink(id, cfg.Name)
	n, err := NewNode(cfg, lnk, append([]Option{WithCallbacks(rec.callbacks())}, opts...)...)
	require.NoError(h.t, err)

	done := make(chan error, 1)
	go func() { done <- n.Run(h.ctx) }()
	select {
	case <-n.Started():
	case err := <-done:
		h.t.Fatalf("node %s stopped: %v", id, err)
	case <-time.After(waitFor):
		h.t.Fatalf("node %s did not start", id)
	}
	return &testNode{Node: n, id: id, rec: rec}
}

func (h *harness) startRaw(id, name string, behavior link.Behavior) (*link.MemLink, *rawPeer) {
	h.t.Helper()

	lnk := h.hub.NewLink(id, name)
	lnk.SetBehavior(behavior)
	raw := newRawPeer()
	require.NoError(h.t, lnk.Start(h.ctx, raw))
	return lnk, raw
}

func (h *harness) state(n *testNode, peerID string) PeerState {
	info, err := n.Peer(h.ctx, peerID)
	if err != nil {
		return PeerDisconnected
	}
	return info.State
}

func (h *harness) waitState(n *testNode, peerID string, want PeerState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.state(n, peerID) == want }, waitFor, tick,
		"%s never saw %s as %s", n.id, peerID, want)
}

func (h *harness) waitLinked(a, b *testNode) {
	h.t.Helper()
	h.waitState(a, b.id, PeerConnected)
	h.waitState(b, a.id, PeerConnected)
}

func (h *harness) counters(n *testNode) Stats {
	s, err := n.Stats(h.ctx)
	require.NoError(h.t, err)
	return s
}

func newBox(t *testing.T, passphrase string) *crypto.Box {
	t.Helper()
	box, err := crypto.NewBox(passphrase)
	require.NoError(t, err)
	return box
}

func TestNodeNotRunning(t *testing.T) {
	hub := link.NewHub(link.DefaultHubConfig())
	n, err := NewNode(testConfig("Alice"), hub.NewLink("a", "Alice"))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = n.SendText(ctx, "hi")
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = n.Peers(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)

	// input checks come first
	_, err = n.SendText(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = n.SendImage(ctx, make([]byte, 50_001), "")
	assert.ErrorIs(t, err, ErrImageTooLarge)
	_, err = n.SendImageWithThumbnail(ctx, []byte("img"), make([]byte, 2_001), "")
	assert.ErrorIs(t, err, ErrThumbnailTooLarge)
	_, err = n.SendImage(ctx, nil, "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t)
	a := h.start("a", testConfig("Alice"))
	assert.ErrorIs(t, a.Run(h.ctx), ErrAlreadyRunning)
}

func TestEncryptedTextWithDeliveryConfirmation(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)
	box := newBox(t, "correct horse")

	a := h.start("a", testConfig("Alice"), WithSealer(box))
	b := h.start("b", testConfig("Bob"), WithSealer(box))
	h.waitLinked(a, b)

	id, err := a.SendText(h.ctx, "  héllo, mesh 👋 ")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.rec.messageCount() == 1 }, waitFor, tick)
	b.rec.mu.Lock()
	assert.Equal(t, received{origin: "Alice", text: "héllo, mesh 👋", encrypted: true}, b.rec.messages[0])
	b.rec.mu.Unlock()

	require.Eventually(t, func() bool {
		rec, ok, err := a.Outbound(h.ctx, id)
		return err == nil && ok && rec.Delivered
	}, waitFor, tick)

	require.Eventually(t, func() bool { return a.rec.confirmedCount() == 1 }, waitFor, tick)
	a.rec.mu.Lock()
	assert.Equal(t, []string{id}, a.rec.confirmed)
	a.rec.mu.Unlock()

	stats := h.counters(a)
	assert.Equal(t, box.Fingerprint(), stats.Fingerprint)
	assert.Equal(t, 1, stats.PeersConnected)
	assert.Equal(t, 1, stats.KnownPeers)
	assert.Equal(t, 0, stats.OutboundPending)
	assert.Equal(t, uint64(1), stats.Counters.Messages.Confirmed)
}

func TestWrongKeyDeliversPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)

	a := h.start("a", testConfig("Alice"), WithSealer(newBox(t, "one key")))
	b := h.start("b", testConfig("Bob"), WithSealer(newBox(t, "another key")))
	h.waitLinked(a, b)

	_, err := a.SendText(h.ctx, "secret")
	require.NoError(t, err)
	_, err = a.SendImage(h.ctx, []byte("png bytes"), "beach")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b.rec.mu.Lock()
		defer b.rec.mu.Unlock()
		return len(b.rec.messages) == 1 && len(b.rec.images) == 1
	}, waitFor, tick)

	b.rec.mu.Lock()
	assert.Equal(t, received{origin: "Alice", text: protocol.UndecryptableText, encrypted: true}, b.rec.messages[0])
	assert.Nil(t, b.rec.images[0].image)
	assert.Equal(t, protocol.UndecryptableText, b.rec.images[0].caption)
	b.rec.mu.Unlock()

	assert.Equal(t, uint64(2), h.counters(b).Counters.Messages.AuthErrors)
}

func TestPlaintextNodeCannotReadSealedMessages(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)

	a := h.start("a", testConfig("Alice"), WithSealer(newBox(t, "key")))
	b := h.start("b", testConfig("Bob"))
	h.waitLinked(a, b)

	_, err := a.SendText(h.ctx, "secret")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.rec.messageCount() == 1 }, waitFor, tick)

	b.rec.mu.Lock()
	defer b.rec.mu.Unlock()
	assert.Equal(t, protocol.UndecryptableText, b.rec.messages[0].text)
}

// A - B - C - D with a direct A - D link whose first message write is lost:
// D still gets the message through the relays and its ack reaches A directly.
func TestRelayAndAckOverAnotherPath(t *testing.T) {
	h := newHarness(t)
	h.hub.Chain("a", "b", "c", "d")
	h.hub.SetInRange("a", "d", true)

	var armed, dropped atomic.Bool
	h.hub.SetDropFilter(func(from, to string, data []byte) bool {
		return armed.Load() && from == "a" && to == "d" && dropped.CompareAndSwap(false, true)
	})

	box := newBox(t, "mesh")
	a := h.start("a", testConfig("Alice"), WithSealer(box))
	b := h.start("b", testConfig("Bob"), WithSealer(box))
	c := h.start("c", testConfig("Carol"), WithSealer(box))
	d := h.start("d", testConfig("Dave"), WithSealer(box))
	h.waitLinked(a, b)
	h.waitLinked(b, c)
	h.waitLinked(c, d)
	h.waitLinked(a, d)

	armed.Store(true)
	id, err := a.SendText(h.ctx, "over the hills")
	require.NoError(t, err)

	for _, n := range []*testNode{b, c, d} {
		require.Eventually(t, func() bool { return n.rec.messageCount() == 1 }, waitFor, tick, "node %s", n.id)
	}
	assert.True(t, dropped.Load())

	d.rec.mu.Lock()
	assert.Equal(t, received{origin: "Alice", text: "over the hills", encrypted: true}, d.rec.messages[0])
	d.rec.mu.Unlock()

	// acks from B and D, each one hop
	require.Eventually(t, func() bool { return h.counters(a).Counters.Messages.AcksReceived == 2 }, waitFor, tick)
	rec, ok, err := a.Outbound(h.ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Delivered)

	require.Eventually(t, func() bool { return a.rec.confirmedCount() == 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	a.rec.mu.Lock()
	assert.Equal(t, []string{id}, a.rec.confirmed)
	a.rec.mu.Unlock()

	assert.Equal(t, uint64(1), h.counters(b).Counters.Messages.Relayed)
	assert.Equal(t, uint64(1), h.counters(c).Counters.Messages.Relayed)
}

func TestDuplicatesDroppedOnCycle(t *testing.T) {
	h := newHarness(t)
	h.hub.Chain("a", "b", "c", "a")

	a := h.start("a", testConfig("Alice"))
	b := h.start("b", testConfig("Bob"))
	c := h.start("c", testConfig("Carol"))
	h.waitLinked(a, b)
	h.waitLinked(b, c)
	h.waitLinked(c, a)

	_, err := a.SendText(h.ctx, "round and round")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dups := h.counters(a).Counters.Messages.DropDuplicate +
			h.counters(b).Counters.Messages.DropDuplicate +
			h.counters(c).Counters.Messages.DropDuplicate
		return dups >= 2
	}, waitFor, tick)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, b.rec.messageCount())
	assert.Equal(t, 1, c.rec.messageCount())
	assert.Equal(t, 0, a.rec.messageCount())
}

func TestTTLBoundsHops(t *testing.T) {
	h := newHarness(t)
	h.hub.Chain("a", "b", "c", "d")

	cfg := testConfig("Alice")
	cfg.TTL = 1
	a := h.start("a", cfg)
	b := h.start("b", testConfig("Bob"))
	c := h.start("c", testConfig("Carol"))
	d := h.start("d", testConfig("Dave"))
	h.waitLinked(a, b)
	h.waitLinked(b, c)
	h.waitLinked(c, d)

	_, err := a.SendText(h.ctx, "short range")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.rec.messageCount() == 1 }, waitFor, tick)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, d.rec.messageCount())
	assert.Equal(t, uint64(0), h.counters(c).Counters.Messages.Relayed)
}

func TestLargeImageIsChunked(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)
	box := newBox(t, "pictures")

	cfg := testConfig("Alice")
	cfg.Burst.Window = 50 * time.Millisecond
	a := h.start("a", cfg, WithSealer(box))
	b := h.start("b", testConfig("Bob"), WithSealer(box))
	h.waitLinked(a, b)

	image := make([]byte, 50_000)
	for i := range image {
		image[i] = byte(i * 7)
	}
	thumb := []byte("tiny preview")

	_, err := a.SendImageWithThumbnail(h.ctx, image, thumb, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b.rec.mu.Lock()
		defer b.rec.mu.Unlock()
		return len(b.rec.images) == 1
	}, 30*time.Second, 20*time.Millisecond)

	b.rec.mu.Lock()
	got := b.rec.images[0]
	b.rec.mu.Unlock()
	assert.Equal(t, "Alice", got.origin)
	assert.Equal(t, protocol.DefaultImageCaption, got.caption)
	assert.True(t, bytes.Equal(image, got.image))

	assert.Greater(t, h.counters(a).Counters.Frames.ChunksSent, uint64(100))
	assert.Equal(t, uint64(1), h.counters(b).Counters.Frames.ChunkedReassembled)
}

func TestTypingThrottleAndExpiry(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)

	a := h.start("a", testConfig("Alice"))
	bcfg := testConfig("Bob")
	bcfg.TypingExpiry = 300 * time.Millisecond
	b := h.start("b", bcfg)
	h.waitLinked(a, b)

	sent, err := a.NotifyTyping(h.ctx)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = a.NotifyTyping(h.ctx)
	require.NoError(t, err)
	assert.False(t, sent, "second indicator inside the throttle window")

	require.Eventually(t, func() bool {
		ev, ok := b.rec.lastTyping()
		return ok && ev == typingEvent{"Alice", true}
	}, waitFor, tick)

	names, err := b.Typing(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, names)

	require.Eventually(t, func() bool {
		ev, _ := b.rec.lastTyping()
		return ev == typingEvent{"Alice", false}
	}, waitFor, tick)

	names, err = b.Typing(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestTypingNeedsConnectedPeer(t *testing.T) {
	h := newHarness(t)
	a := h.start("a", testConfig("Alice"))

	sent, err := a.NotifyTyping(h.ctx)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestMessageClearsTyping(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)

	a := h.start("a", testConfig("Alice"))
	b := h.start("b", testConfig("Bob"))
	h.waitLinked(a, b)

	_, err := a.NotifyTyping(h.ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ev, ok := b.rec.lastTyping()
		return ok && ev.typing
	}, waitFor, tick)

	_, err = a.SendText(h.ctx, "done typing")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ev, _ := b.rec.lastTyping()
		return !ev.typing && b.rec.messageCount() == 1
	}, waitFor, tick)
}

func TestDisconnectClearsTyping(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)

	a := h.start("a", testConfig("Alice"))
	b := h.start("b", testConfig("Bob"))
	h.waitLinked(a, b)

	_, err := a.NotifyTyping(h.ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ev, ok := b.rec.lastTyping()
		return ok && ev.typing
	}, waitFor, tick)

	h.hub.SetInRange("a", "b", false)
	require.Eventually(t, func() bool {
		ev, _ := b.rec.lastTyping()
		return !ev.typing
	}, waitFor, tick)
	assert.NotEqual(t, PeerConnected, h.state(b, "a"))
}

func TestProbeFailureMarksPeerUnverified(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "x", true)
	h.startRaw("x", "Headphones", link.Behavior{FailProbe: true})

	a := h.start("a", testConfig("Alice"))

	require.Eventually(t, func() bool { return h.counters(a).Counters.Peers.ProbeFailures == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return !h.hub.Connected("a", "x") }, waitFor, tick)

	info, err := a.Peer(h.ctx, "x")
	require.NoError(t, err)
	assert.False(t, info.Verified)
	assert.False(t, info.Known)
	assert.NotEqual(t, PeerConnected, info.State)

	// advertising again does not bring it back
	h.hub.Advertise("x")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, uint64(1), h.counters(a).Counters.Peers.ProbeFailures)
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "x", true)
	h.startRaw("x", "Silent", link.Behavior{IgnoreConnect: true})

	cfg := testConfig("Alice")
	cfg.ConnectTimeout = 100 * time.Millisecond
	a := h.start("a", cfg)

	require.Eventually(t, func() bool { return h.counters(a).Counters.Peers.Timeouts >= 1 }, waitFor, tick)
	assert.Equal(t, PeerDiscovered, h.state(a, "x"))
}

func TestNoServiceNotAutoConnected(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "x", true)
	h.startRaw("x", "Speaker", link.Behavior{NoService: true})

	a := h.start("a", testConfig("Alice"))
	h.waitState(a, "x", PeerDiscovered)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PeerDiscovered, h.state(a, "x"))
}

func TestMaxPeersBoundsAutoConnect(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)
	h.hub.SetInRange("a", "c", true)

	passive := func(name string) *Config {
		cfg := testConfig(name)
		cfg.AutoConnect = false
		return cfg
	}
	h.start("b", passive("Bob"))
	h.start("c", passive("Carol"))

	cfg := testConfig("Alice")
	cfg.MaxPeers = 1
	a := h.start("a", cfg)

	require.Eventually(t, func() bool { return h.counters(a).PeersConnected == 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.counters(a).PeersConnected)
}

func TestUserDisconnectSuppressesReconnect(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)

	cfg := testConfig("Alice")
	cfg.ReconnectInterval = 50 * time.Millisecond
	a := h.start("a", cfg)
	b := h.start("b", testConfig("Bob"))
	h.waitLinked(a, b)

	require.NoError(t, a.Disconnect(h.ctx, "b"))
	assert.Equal(t, PeerDiscovered, h.state(a, "b"))
	h.waitState(b, "a", PeerDiscovered)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, PeerDiscovered, h.state(a, "b"))

	require.NoError(t, a.Connect(h.ctx, "b"))
	h.waitLinked(a, b)
}

// gatedLink holds outbound connects until release is closed
type gatedLink struct {
	*link.MemLink
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLink) Connect(ctx context.Context, peerID string) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.MemLink.Connect(ctx, peerID)
}

func (h *harness) startGated(id string, cfg *Config) (*testNode, *gatedLink) {
	h.t.Helper()

	gl := &gatedLink{
		MemLink: h.hub.NewLink(id, cfg.Name),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	rec := &recorder{}
	n, err := NewNode(cfg, gl, WithCallbacks(rec.callbacks()))
	require.NoError(h.t, err)

	go n.Run(h.ctx)
	select {
	case <-n.Started():
	case <-time.After(waitFor):
		h.t.Fatalf("node %s did not start", id)
	}
	return &testNode{Node: n, id: id, rec: rec}, gl
}

func TestLateConnectAfterUserDisconnect(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)

	bcfg := testConfig("Bob")
	bcfg.AutoConnect = false
	h.start("b", bcfg)

	acfg := testConfig("Alice")
	acfg.AutoConnect = false
	a, gl := h.startGated("a", acfg)
	h.waitState(a, "b", PeerDiscovered)

	require.NoError(t, a.Connect(h.ctx, "b"))
	select {
	case <-gl.entered:
	case <-time.After(waitFor):
		t.Fatal("connect never reached the link")
	}
	assert.Equal(t, PeerConnecting, h.state(a, "b"))

	require.NoError(t, a.Disconnect(h.ctx, "b"))
	assert.Equal(t, PeerDiscovered, h.state(a, "b"))
	close(gl.release)

	require.Eventually(t, func() bool { return !h.hub.Connected("a", "b") }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PeerDiscovered, h.state(a, "b"))

	known, err := a.KnownPeers(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, known)
}

func TestLateConnectAfterTimeout(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)

	bcfg := testConfig("Bob")
	bcfg.AutoConnect = false
	h.start("b", bcfg)

	acfg := testConfig("Alice")
	acfg.AutoConnect = false
	acfg.ConnectTimeout = 50 * time.Millisecond
	a, gl := h.startGated("a", acfg)
	h.waitState(a, "b", PeerDiscovered)

	require.NoError(t, a.Connect(h.ctx, "b"))
	require.Eventually(t, func() bool { return h.counters(a).Counters.Peers.Timeouts == 1 }, waitFor, tick)
	assert.Equal(t, PeerDiscovered, h.state(a, "b"))
	close(gl.release)

	require.Eventually(t, func() bool { return !h.hub.Connected("a", "b") }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PeerDiscovered, h.state(a, "b"))
}

func TestReconnectKnownPeer(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)

	acfg := testConfig("Alice")
	acfg.AutoConnect = false
	acfg.ReconnectInterval = 50 * time.Millisecond
	bcfg := testConfig("Bob")
	bcfg.AutoConnect = false

	a := h.start("a", acfg)
	b := h.start("b", bcfg)
	h.waitState(a, "b", PeerDiscovered)

	require.NoError(t, a.Connect(h.ctx, "b"))
	h.waitLinked(a, b)

	known, err := a.KnownPeers(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []KnownPeer{{ID: "b", Name: "Bob"}}, known)

	h.hub.SetInRange("a", "b", false)
	require.Eventually(t, func() bool { return h.state(a, "b") != PeerConnected }, waitFor, tick)

	h.hub.SetInRange("a", "b", true)
	h.waitLinked(a, b)
	assert.GreaterOrEqual(t, h.counters(a).Counters.Peers.Connects, uint64(2))
}

func TestSeededKnownPeerIsReconnected(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)

	bcfg := testConfig("Bob")
	bcfg.AutoConnect = false
	b := h.start("b", bcfg)

	acfg := testConfig("Alice")
	acfg.AutoConnect = false
	acfg.ReconnectInterval = 50 * time.Millisecond
	a := h.start("a", acfg, WithKnownPeers([]KnownPeer{{ID: "b", Name: "Bob"}}))

	h.waitLinked(a, b)
}

func TestUnknownPeer(t *testing.T) {
	h := newHarness(t)
	a := h.start("a", testConfig("Alice"))

	assert.ErrorIs(t, a.Connect(h.ctx, "ghost"), ErrUnknownPeer)
	assert.ErrorIs(t, a.Disconnect(h.ctx, "ghost"), ErrUnknownPeer)
	_, err := a.Peer(h.ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestRawWireFrames(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "x", true)
	x, raw := h.startRaw("x", "Tester", link.Behavior{})

	a := h.start("a", testConfig("Alice"))
	h.waitState(a, "x", PeerConnected)

	write := func(frame string) {
		t.Helper()
		require.NoError(t, x.Write("a", []byte(frame)))
		time.Sleep(100 * time.Millisecond) // let the burst window close
	}

	write(`not json`)
	write(`{"v":2,"type":"msg","id":"m1","sender":"Tester","text":"hello"}`)
	write(`{"v":1,"type":"msg","id":"m2","sender":"Tester","text":"old"}`)
	write(`{"v":2,"type":"poke","id":"m3","sender":"Tester"}`)
	write(`{"v":2,"type":"msg","id":"m4","sender":"Tester","text":"four"}{"v":2,"type":"msg","id":"m5","sender":"Tester","text":"five"}`)
	write(`{"v":2,"type":"msg","id":"m1","sender":"Tester","text":"hello"}`)

	require.Eventually(t, func() bool { return a.rec.messageCount() == 3 }, waitFor, tick)

	a.rec.mu.Lock()
	var texts []string
	for _, m := range a.rec.messages {
		assert.Equal(t, "Tester", m.origin)
		assert.False(t, m.encrypted)
		texts = append(texts, m.text)
	}
	a.rec.mu.Unlock()
	assert.Equal(t, []string{"hello", "four", "five"}, texts)

	stats := h.counters(a)
	assert.Equal(t, uint64(2), stats.Counters.Frames.DecodeErrors)
	assert.Equal(t, uint64(1), stats.Counters.Messages.DropDuplicate)

	require.Eventually(t, func() bool {
		got := string(raw.received("a"))
		return strings.Contains(got, `"ackId":"m1"`) && strings.Contains(got, `"ackId":"m5"`)
	}, waitFor, tick)
	assert.NotContains(t, string(raw.received("a")), `"ackId":"m3"`, "unknown types are not acked")

	var errorLogs int
	for _, e := range a.Logs() {
		if e.Level == LogError {
			errorLogs++
		}
	}
	assert.Equal(t, 2, errorLogs)
}

func TestPeerStateCallbacks(t *testing.T) {
	h := newHarness(t)
	h.hub.SetInRange("a", "b", true)

	var (
		mu     sync.Mutex
		states []PeerState
	)
	cb := (&recorder{}).callbacks()
	cb.OnPeerStateChanged = func(peerID string, state PeerState) {
		if peerID != "b" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	}

	b := h.start("b", testConfig("Bob"))
	a := h.start("a", testConfig("Alice"), WithCallbacks(cb))
	h.waitLinked(a, b)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == PeerConnected
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, PeerDiscovered, states[0])
	assert.Contains(t, states, PeerVerifying)
}
