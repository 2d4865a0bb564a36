package storage

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/krol69/MeshLink/pkg/network"
)

const maxEarlyAcks = 64

// Recorder writes what a node delivers into the history
type Recorder struct {
	db     *HistoryDB
	logger *zap.Logger

	// acks that arrived before RecordSent stored their message
	mu    sync.Mutex
	early map[string]time.Time
}

func NewRecorder(db *HistoryDB, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: db, logger: logger.Named("history"), early: make(map[string]time.Time)}
}

// Callbacks wraps next so that delivered messages, images and
// confirmations are stored before next sees them
func (r *Recorder) Callbacks(next network.Callbacks) network.Callbacks {
	cb := next

	cb.OnMessage = func(origin, text string, encrypted bool) {
		r.save(&StoredMessage{Origin: origin, Kind: KindText, Text: text, Encrypted: encrypted})
		if next.OnMessage != nil {
			next.OnMessage(origin, text, encrypted)
		}
	}
	cb.OnImage = func(origin string, image []byte, caption string) {
		r.save(&StoredMessage{Origin: origin, Kind: KindImage, Text: caption, Image: image})
		if next.OnImage != nil {
			next.OnImage(origin, image, caption)
		}
	}
	cb.OnDeliveryConfirmed = func(id string) {
		r.markDelivered(id, time.Now().UTC())
		if next.OnDeliveryConfirmed != nil {
			next.OnDeliveryConfirmed(id)
		}
	}
	return cb
}

// RecordSent stores a message this node authored under its mesh id
func (r *Recorder) RecordSent(id, origin string, kind MessageKind, text string, image []byte, encrypted bool) {
	msg := &StoredMessage{
		MessageID: id,
		Origin:    origin,
		Kind:      kind,
		Text:      text,
		Image:     image,
		Encrypted: encrypted,
		Outgoing:  true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if at, ok := r.early[id]; ok {
		delete(r.early, id)
		msg.Status = MessageStatusDelivered
		msg.DeliveredAt = at
	}
	r.save(msg)
}

func (r *Recorder) markDelivered(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.MarkDelivered(id, at)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		if len(r.early) >= maxEarlyAcks {
			for k := range r.early {
				delete(r.early, k)
				break
			}
		}
		r.early[id] = at
	default:
		r.logger.Warn("mark delivered", zap.String("id", id), zap.Error(err))
	}
}

// SyncKnownPeers persists the node's reconnect set. Peers are listed least
// recent first; later ones get later timestamps.
func (r *Recorder) SyncKnownPeers(peers []network.KnownPeer) error {
	now := time.Now().UTC()
	for i, p := range peers {
		at := now.Add(time.Duration(i-len(peers)) * time.Millisecond)
		if err := r.db.SaveKnownPeer(p.ID, p.Name, at); err != nil {
			return err
		}
	}
	return nil
}

// LoadKnownPeers returns the persisted reconnect set for network.WithKnownPeers
func (r *Recorder) LoadKnownPeers(limit int) ([]network.KnownPeer, error) {
	stored, err := r.db.KnownPeers(limit)
	if err != nil {
		return nil, err
	}
	peers := make([]network.KnownPeer, 0, len(stored))
	for _, p := range stored {
		peers = append(peers, network.KnownPeer{ID: p.PeerID, Name: p.Name})
	}
	return peers, nil
}

// Recent returns up to limit of the newest stored messages, oldest first
func (r *Recorder) Recent(limit int) ([]*StoredMessage, error) {
	return r.db.RecentMessages(limit)
}

func (r *Recorder) save(msg *StoredMessage) {
	if err := r.db.SaveMessage(msg); err != nil {
		r.logger.Warn("save message", zap.String("origin", msg.Origin), zap.Error(err))
	}
}
