package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/krol69/MeshLink/pkg/crypto"
	"github.com/krol69/MeshLink/pkg/fragment"
	"github.com/krol69/MeshLink/pkg/protocol"
	"github.com/krol69/MeshLink/pkg/schedule"
)

// ===== RECEIVE PATH =====

func (n *Node) onBytes(peerID string, data []byte) {
	p, ok := n.peers[peerID]
	if !ok || (p.state != PeerVerifying && p.state != PeerConnected) {
		n.logger.Debug("bytes from unconnected peer dropped", zap.String("peer", peerID), zap.Int("len", len(data)))
		return
	}
	p.lastSeen = n.clock.Now()

	if err := n.burst.Append(peerID, data); err != nil {
		n.log(LogWarning, "Dropped oversized burst from "+p.name, zap.Error(err))
	}
}

// onFrame handles one Layer A frame, which may hold several documents
func (n *Node) onFrame(peerID string, frame []byte) {
	docs, err := protocol.SplitFrames(frame)
	for _, doc := range docs {
		n.handleDocument(peerID, doc)
	}
	if err != nil {
		n.decodeFailed(peerID, err)
	}
}

func (n *Node) handleDocument(peerID string, doc []byte) {
	if protocol.IsChunk(doc) {
		c, err := protocol.DecodeChunk(doc)
		if err != nil {
			n.decodeFailed(peerID, err)
			return
		}
		full, done, err := n.assembler.Add(peerID, c)
		if err != nil {
			n.decodeFailed(peerID, err)
			return
		}
		if !done {
			return
		}
		n.metrics.IncChunkedReassembled()
		doc = full
	}

	msg, err := protocol.Decode(doc)
	if err != nil {
		n.decodeFailed(peerID, err)
		return
	}
	n.metrics.IncFrameReceived(len(doc))
	n.handleMessage(peerID, msg)
}

func (n *Node) decodeFailed(peerID string, err error) {
	n.metrics.IncDecodeError()
	n.log(LogError, "Dropped bad frame from "+n.peerName(peerID)+": "+err.Error(),
		zap.String("peer", peerID), zap.Error(err))
}

func (n *Node) onFragmentExpired(e fragment.Expired) {
	n.metrics.IncChunkedExpired()
	terr := &TimeoutError{Op: "fragment", ID: e.MessageID, After: n.assembler.Timeout()}
	n.logger.Debug("partial chunked frame expired",
		zap.String("peer", e.PeerID),
		zap.Int("received", e.Received),
		zap.Int("total", e.Total),
		zap.Error(terr))
}

// handleMessage runs dedup, relay and dispatch for one decoded message
func (n *Node) handleMessage(fromPeer string, msg *protocol.WireMessage) {
	if !n.seen.Observe(msg.ID) {
		n.metrics.IncDropDuplicate()
		n.logger.Debug("duplicate dropped", zap.String("id", msg.ID), zap.String("peer", fromPeer))
		return
	}

	if fwd, ok := msg.RelayCopy(n.cfg.Name); ok {
		n.relay(fromPeer, fwd)
	}

	if !msg.Type.IsKnown() {
		n.logger.Debug("unknown message type ignored", zap.String("type", msg.Type.String()), zap.String("id", msg.ID))
		return
	}
	switch msg.Type {
	case protocol.MsgTypeText:
		n.deliverText(msg)
	case protocol.MsgTypeImage:
		n.deliverImage(fromPeer, msg)
	case protocol.MsgTypeTyping:
		n.markTyping(msg.Origin())
	case protocol.MsgTypeAck:
		n.confirm(*msg.AckID)
	}
}

func (n *Node) relay(fromPeer string, msg *protocol.WireMessage) {
	data, err := protocol.Encode(msg)
	if err != nil {
		n.logger.Error("encode relay", zap.Error(err))
		return
	}
	if sent := n.broadcast(data, fromPeer); sent > 0 {
		n.metrics.IncRelayed()
		n.log(LogData, fmt.Sprintf("Relayed from %s (TTL: %d)", msg.Origin(), msg.HopsLeft()),
			zap.String("id", msg.ID), zap.Int("peers", sent))
	}
}

func (n *Node) deliverText(msg *protocol.WireMessage) {
	origin := msg.Origin()
	text := msg.TextValue()
	if msg.Encrypted {
		text = n.openOr(text, protocol.UndecryptableText)
	}

	n.clearTyping(origin)
	n.metrics.IncMessageDelivered()
	n.log(LogInfo, "Message from "+origin, zap.String("id", msg.ID))
	if cb := n.callbacks.OnMessage; cb != nil {
		encrypted := msg.Encrypted
		n.emit(func() { cb(origin, text, encrypted) })
	}
	n.sendAck(msg.ID)
}

func (n *Node) deliverImage(fromPeer string, msg *protocol.WireMessage) {
	origin := msg.Origin()
	image, caption, err := n.openImage(msg)
	if err != nil {
		n.decodeFailed(fromPeer, err)
		return
	}

	n.metrics.IncMessageDelivered()
	n.log(LogInfo, fmt.Sprintf("Image from %s (%d bytes)", origin, len(image)), zap.String("id", msg.ID))
	if cb := n.callbacks.OnImage; cb != nil {
		n.emit(func() { cb(origin, image, caption) })
	}
	n.sendAck(msg.ID)
}

// openImage returns the image bytes and caption of an img message. An image
// that fails to decrypt yields nil bytes and the undecryptable caption.
func (n *Node) openImage(msg *protocol.WireMessage) ([]byte, string, error) {
	caption := msg.TextValue()
	var encoded string
	if msg.ImgData != nil {
		encoded = *msg.ImgData
	}

	if msg.Encrypted {
		plain, ok := n.open(encoded)
		if !ok {
			return nil, protocol.UndecryptableText, nil
		}
		encoded = plain
		if caption != "" {
			caption = n.openOr(caption, protocol.DefaultImageCaption)
		}
	}
	if caption == "" {
		caption = protocol.DefaultImageCaption
	}

	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", &protocol.DecodeError{Op: "image", Err: fmt.Errorf("%w: %v", protocol.ErrMalformed, err)}
	}
	return image, caption, nil
}

// open decrypts a sealed field. Failures are counted and logged.
func (n *Node) open(sealed string) (string, bool) {
	if n.sealer == nil {
		n.metrics.IncAuthError()
		n.log(LogError, "Received encrypted message but no key is set", zap.Error(ErrNoSealer))
		return "", false
	}
	plain, err := n.sealer.Open(sealed)
	if err != nil {
		var aerr *crypto.AuthError
		if !errors.As(err, &aerr) {
			err = &crypto.AuthError{Reason: "open payload", Err: err}
		}
		n.metrics.IncAuthError()
		n.log(LogError, "Decryption failed - check encryption key", zap.Error(err))
		return "", false
	}
	return plain, true
}

func (n *Node) openOr(sealed, fallback string) string {
	if plain, ok := n.open(sealed); ok {
		return plain
	}
	return fallback
}

func (n *Node) markTyping(name string) {
	_, was := n.typing[name]
	n.typing[name] = n.clock.Now()
	n.sched.Schedule(typingKey(name), n.cfg.TypingExpiry, func() {
		n.clearTyping(name)
	})
	if !was {
		n.typingChanged(name, true)
	}
}

func (n *Node) clearTyping(name string) {
	if _, ok := n.typing[name]; !ok {
		return
	}
	delete(n.typing, name)
	n.sched.Cancel(typingKey(name))
	n.typingChanged(name, false)
}

func (n *Node) typingChanged(name string, typing bool) {
	if cb := n.callbacks.OnTypingChanged; cb != nil {
		n.emit(func() { cb(name, typing) })
	}
}

func (n *Node) confirm(id string) {
	n.metrics.IncAckReceived()
	if !n.outbound.Confirm(id, n.clock.Now()) {
		return
	}
	n.metrics.IncConfirmed()
	n.log(LogSuccess, "Delivered "+shortID(id), zap.String("id", id))
	if cb := n.callbacks.OnDeliveryConfirmed; cb != nil {
		n.emit(func() { cb(id) })
	}
}

func (n *Node) sendAck(id string) {
	ack := protocol.NewAckMessage(n.cfg.Name, id)
	n.seen.Observe(ack.ID)
	data, err := protocol.Encode(ack)
	if err != nil {
		n.logger.Error("encode ack", zap.Error(err))
		return
	}
	n.broadcast(data, "")
}

// ===== SEND PATH =====

// SendText seals and broadcasts a chat message and returns its id
func (n *Node) SendText(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	var (
		id      string
		sendErr error
	)
	err := n.do(ctx, func() {
		payload, encrypted, err := n.seal(text)
		if err != nil {
			sendErr = err
			return
		}
		msg := protocol.NewTextMessage(n.cfg.Name, payload, encrypted)
		id, sendErr = n.originate(msg, OutboundText)
	})
	if err != nil {
		return "", err
	}
	return id, sendErr
}

// SendImage broadcasts an image with an optional caption
func (n *Node) SendImage(ctx context.Context, image []byte, caption string) (string, error) {
	return n.SendImageWithThumbnail(ctx, image, nil, caption)
}

// SendImageWithThumbnail broadcasts an image with a small preview
func (n *Node) SendImageWithThumbnail(ctx context.Context, image, thumb []byte, caption string) (string, error) {
	if len(image) == 0 {
		return "", ErrEmptyMessage
	}
	if len(image) > n.cfg.MaxImageSize {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrImageTooLarge, len(image), n.cfg.MaxImageSize)
	}
	if len(thumb) > n.cfg.MaxThumbnailSize {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrThumbnailTooLarge, len(thumb), n.cfg.MaxThumbnailSize)
	}
	caption = strings.TrimSpace(caption)
	if caption == "" {
		caption = protocol.DefaultImageCaption
	}

	var (
		id      string
		sendErr error
	)
	err := n.do(ctx, func() {
		data, encrypted, err := n.seal(base64.StdEncoding.EncodeToString(image))
		if err != nil {
			sendErr = err
			return
		}
		var thumbField *string
		if len(thumb) > 0 {
			sealed, _, err := n.seal(base64.StdEncoding.EncodeToString(thumb))
			if err != nil {
				sendErr = err
				return
			}
			thumbField = &sealed
		}
		sealedCaption, _, err := n.seal(caption)
		if err != nil {
			sendErr = err
			return
		}

		msg := protocol.NewImageMessage(n.cfg.Name, data, thumbField, sealedCaption, encrypted)
		id, sendErr = n.originate(msg, OutboundImage)
	})
	if err != nil {
		return "", err
	}
	return id, sendErr
}

// NotifyTyping tells connected peers the user is typing. Calls within the
// throttle window, or with nobody connected, send nothing and return false.
func (n *Node) NotifyTyping(ctx context.Context) (bool, error) {
	var sent bool
	err := n.do(ctx, func() {
		if n.connectedPeers() == 0 {
			return
		}
		now := n.clock.Now()
		if !n.lastTypingSent.IsZero() && now.Sub(n.lastTypingSent) < n.cfg.TypingThrottle {
			return
		}
		msg := protocol.NewTypingMessage(n.cfg.Name)
		n.seen.Observe(msg.ID)
		data, err := protocol.Encode(msg)
		if err != nil {
			n.logger.Error("encode typing", zap.Error(err))
			return
		}
		n.lastTypingSent = now
		sent = n.broadcast(data, "") > 0
	})
	return sent, err
}

func (n *Node) seal(plain string) (string, bool, error) {
	if n.sealer == nil {
		return plain, false, nil
	}
	sealed, err := n.sealer.Seal(plain)
	if err != nil {
		return "", false, fmt.Errorf("seal payload: %w", err)
	}
	return sealed, true, nil
}

// originate sends a message this node authored and starts tracking it
func (n *Node) originate(msg *protocol.WireMessage, kind OutboundKind) (string, error) {
	ttl := n.cfg.TTL
	msg.TTL = &ttl

	data, err := protocol.Encode(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	n.seen.Observe(msg.ID)
	n.outbound.Track(msg.ID, kind, n.clock.Now())
	n.metrics.IncMessageSent()

	sent := n.broadcast(data, "")
	n.log(LogInfo, fmt.Sprintf("Sent %s to %d peer(s)", kind, sent),
		zap.String("id", msg.ID), zap.Int("bytes", len(data)), zap.Bool("encrypted", msg.Encrypted))
	return msg.ID, nil
}

// broadcast queues data to every connected peer except one, and returns
// how many peers took it
func (n *Node) broadcast(data []byte, except string) int {
	sent := 0
	for id, p := range n.peers {
		if id == except || p.state != PeerConnected || p.writer == nil {
			continue
		}
		if !p.writer.enqueue(data) {
			n.log(LogWarning, "Write queue full for "+p.name+", frame dropped", zap.String("peer", id))
			continue
		}
		n.metrics.IncFrameSent(len(data))
		sent++
	}
	return sent
}

func (n *Node) connectedPeers() int {
	count := 0
	for _, p := range n.peers {
		if p.state == PeerConnected {
			count++
		}
	}
	return count
}

func (n *Node) peerName(peerID string) string {
	if p, ok := n.peers[peerID]; ok {
		return p.name
	}
	return placeholderName(peerID)
}

func typingKey(name string) schedule.Key {
	return schedule.Key{Kind: schedule.KindTyping, ID: name}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
