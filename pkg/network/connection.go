package network

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/krol69/MeshLink/pkg/link"
	"github.com/krol69/MeshLink/pkg/schedule"
)

// linkEvents moves link callbacks onto the event loop
type linkEvents struct {
	n *Node
}

var _ link.Events = (*linkEvents)(nil)

func (e *linkEvents) OnAdvertisement(ad link.Advertisement) {
	e.n.loop.Post(func() { e.n.onAdvertisement(ad) })
}

func (e *linkEvents) OnConnected(peerID string, inbound bool) {
	e.n.loop.Post(func() { e.n.onConnected(peerID, inbound) })
}

func (e *linkEvents) OnDisconnected(peerID string, err error) {
	e.n.loop.Post(func() { e.n.onDisconnected(peerID, err) })
}

func (e *linkEvents) OnBytes(peerID string, data []byte) {
	e.n.loop.Post(func() { e.n.onBytes(peerID, data) })
}

// ===== PUBLIC CONTROL =====

// Connect asks for a connection to a discovered or known peer. It clears a
// previous user disconnect or failed verification for that peer.
func (n *Node) Connect(ctx context.Context, peerID string) error {
	var found bool
	err := n.do(ctx, func() {
		p, ok := n.peers[peerID]
		if !ok {
			if !n.known.Contains(peerID) {
				return
			}
			p = n.knownEntry(peerID)
		}
		found = true
		p.userDisconnected = false
		p.unverified = false
		n.connect(p)
	})
	if err == nil && !found {
		err = fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return err
}

// Disconnect drops a peer and keeps it from being reconnected automatically
// until Connect is called for it
func (n *Node) Disconnect(ctx context.Context, peerID string) error {
	var found bool
	err := n.do(ctx, func() {
		p, ok := n.peers[peerID]
		if !ok {
			return
		}
		found = true
		p.userDisconnected = true
		if !p.state.Active() {
			return
		}
		n.teardown(p)
		n.linkDisconnect(peerID)
		n.log(LogInfo, "Disconnected from "+p.name, zap.String("peer", peerID))
	})
	if err == nil && !found {
		err = fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return err
}

// ===== STATE MACHINE =====

func (n *Node) setState(p *peerEntry, s PeerState) {
	if p.state == s {
		return
	}
	p.state = s
	if cb := n.callbacks.OnPeerStateChanged; cb != nil {
		id := p.id
		n.emit(func() { cb(id, s) })
	}
}

// restingState is where a peer goes when it has no connection
func (n *Node) restingState(p *peerEntry) PeerState {
	if !p.lastSeen.IsZero() && n.clock.Since(p.lastSeen) <= n.cfg.DiscoveryTTL {
		return PeerDiscovered
	}
	return PeerDisconnected
}

func (n *Node) activePeers() int {
	count := 0
	for _, p := range n.peers {
		if p.state.Active() {
			count++
		}
	}
	return count
}

// knownEntry returns the table entry for a known peer, creating it from the
// reconnect set if it has not been seen in this run
func (n *Node) knownEntry(peerID string) *peerEntry {
	if p, ok := n.peers[peerID]; ok {
		return p
	}
	p := newPeerEntry(peerID)
	for _, kp := range n.known.List() {
		if kp.ID == peerID {
			p.rename(kp.Name)
		}
	}
	n.peers[peerID] = p
	return p
}

func (n *Node) onAdvertisement(ad link.Advertisement) {
	p, ok := n.peers[ad.PeerID]
	if !ok {
		p = newPeerEntry(ad.PeerID)
		n.peers[ad.PeerID] = p
	}
	if p.rename(ad.Name) && p.state == PeerConnected {
		n.known.Add(p.id, p.name)
	}
	p.rssi = ad.RSSI
	p.service = ad.Service
	p.lastSeen = n.clock.Now()

	if p.state == PeerDisconnected {
		n.setState(p, PeerDiscovered)
		n.log(LogInfo, fmt.Sprintf("Discovered %s (%s)", p.name, SignalStrength(p.rssi)),
			zap.String("peer", p.id), zap.Int("rssi", p.rssi))
	}
	n.maybeAutoConnect(p)
}

func (n *Node) maybeAutoConnect(p *peerEntry) {
	if !n.cfg.AutoConnect || p.state != PeerDiscovered {
		return
	}
	if !p.service || p.unverified || p.userDisconnected {
		return
	}
	if n.activePeers() >= n.cfg.MaxPeers {
		return
	}
	n.connect(p)
}

// connect starts an outbound connection attempt
func (n *Node) connect(p *peerEntry) {
	if p.state.Active() {
		return
	}

	p.session++
	session := p.session
	n.setState(p, PeerConnecting)
	n.log(LogInfo, "Connecting to "+p.name, zap.String("peer", p.id))

	n.sched.Schedule(connectKey(p.id), n.cfg.ConnectTimeout, func() {
		n.onConnectTimeout(p.id, session)
	})

	peerID := p.id
	go func() {
		if err := n.link.Connect(n.ctx, peerID); err != nil {
			n.loop.Post(func() { n.onConnectFailed(peerID, session, err) })
		}
	}()
}

func (n *Node) onConnectFailed(peerID string, session uint64, err error) {
	p, ok := n.peers[peerID]
	if !ok || p.session != session || p.state != PeerConnecting {
		return
	}
	n.sched.Cancel(connectKey(peerID))
	n.metrics.IncLinkError()

	lerr := &LinkError{Op: "connect", PeerID: peerID, Err: err}
	n.log(LogWarning, "Connection to "+p.name+" failed: "+err.Error(), zap.Error(lerr))
	p.session++
	n.setState(p, n.restingState(p))
}

func (n *Node) onConnectTimeout(peerID string, session uint64) {
	p, ok := n.peers[peerID]
	if !ok || p.session != session || p.state != PeerConnecting {
		return
	}
	n.metrics.IncTimeout()

	terr := &TimeoutError{Op: "connect", ID: peerID, After: n.cfg.ConnectTimeout}
	n.log(LogWarning, "Connection to "+p.name+" timed out", zap.Error(terr))
	p.session++
	n.linkDisconnect(peerID)
	n.setState(p, n.restingState(p))
}

func (n *Node) onConnected(peerID string, inbound bool) {
	p, ok := n.peers[peerID]
	if !ok {
		p = newPeerEntry(peerID)
		n.peers[peerID] = p
	}
	if p.state == PeerVerifying || p.state == PeerConnected {
		return
	}
	// an outbound attempt that timed out or was disconnected in the meantime
	if !inbound && (p.userDisconnected || p.state != PeerConnecting) {
		n.logger.Debug("late connect dropped", zap.String("peer", peerID), zap.Stringer("state", p.state))
		n.linkDisconnect(peerID)
		return
	}
	n.sched.Cancel(connectKey(peerID))
	p.lastSeen = n.clock.Now()
	p.inbound = inbound
	p.session++
	session := p.session
	n.setState(p, PeerVerifying)

	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ProbeTimeout)
		defer cancel()

		err := n.link.Probe(ctx, peerID)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &TimeoutError{Op: "probe", ID: peerID, After: n.cfg.ProbeTimeout}
		}
		n.loop.Post(func() { n.onProbeResult(peerID, session, err) })
	}()
}

func (n *Node) onProbeResult(peerID string, session uint64, err error) {
	p, ok := n.peers[peerID]
	if !ok || p.session != session || p.state != PeerVerifying {
		return
	}

	if err != nil {
		p.verified = false
		p.unverified = true
		n.metrics.IncProbeFailure()
		n.log(LogWarning, p.name+" does not expose the mesh service",
			zap.String("peer", peerID), zap.Error(err))
		n.teardown(p)
		n.linkDisconnect(peerID)
		return
	}

	p.verified = true
	p.unverified = false
	n.setState(p, PeerConnected)
	n.known.Add(p.id, p.name)
	n.metrics.PeerConnected()
	p.writer = n.startWriter(p.id)
	n.log(LogSuccess, "Connected to "+p.name, zap.String("peer", peerID), zap.Bool("inbound", p.inbound))
}

func (n *Node) onDisconnected(peerID string, err error) {
	p, ok := n.peers[peerID]
	if !ok || !p.state.Active() {
		return
	}
	if err != nil {
		n.metrics.IncLinkError()
		lerr := &LinkError{Op: "link", PeerID: peerID, Err: err}
		n.log(LogWarning, "Lost "+p.name+": "+err.Error(), zap.Error(lerr))
	} else {
		n.log(LogInfo, p.name+" disconnected", zap.String("peer", peerID))
	}
	n.teardown(p)
}

// teardown drops every piece of per-connection state for p
func (n *Node) teardown(p *peerEntry) {
	if p.state == PeerConnected {
		n.metrics.PeerDisconnected()
	}

	n.sched.CancelID(p.id)
	n.burst.Drop(p.id)
	n.assembler.DropPeer(p.id)
	if p.writer != nil {
		p.writer.stop()
		p.writer = nil
	}
	n.clearTyping(p.name)

	p.session++
	p.verified = false
	n.setState(p, n.restingState(p))
}

func (n *Node) linkDisconnect(peerID string) {
	go func() {
		if err := n.link.Disconnect(peerID); err != nil {
			n.logger.Debug("link disconnect", zap.String("peer", peerID), zap.Error(err))
		}
	}()
}

// reconnectSweep reconnects known peers that dropped off
func (n *Node) reconnectSweep() {
	for _, kp := range n.known.List() {
		if n.activePeers() >= n.cfg.MaxPeers {
			return
		}
		p := n.knownEntry(kp.ID)
		if p.state.Active() || p.userDisconnected || p.unverified {
			continue
		}
		n.log(LogInfo, "Reconnecting to "+p.name, zap.String("peer", p.id))
		n.connect(p)
	}
}

func connectKey(peerID string) schedule.Key {
	return schedule.Key{Kind: schedule.KindConnect, ID: peerID}
}
