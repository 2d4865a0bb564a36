package storage

import (
	"fmt"
	"time"
)

// SaveKnownPeer inserts or refreshes a peer of the reconnect set
func (h *HistoryDB) SaveKnownPeer(peerID, name string, at time.Time) error {
	_, err := h.db.Exec(`
		INSERT INTO known_peers (peer_id, name, last_connected) VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET name = excluded.name, last_connected = excluded.last_connected`,
		peerID, name, toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("save known peer: %w", err)
	}
	return nil
}

// KnownPeers returns up to limit peers, least recently connected first, so
// that replaying them into an LRU keeps the most recent ones
func (h *HistoryDB) KnownPeers(limit int) ([]KnownPeer, error) {
	rows, err := h.db.Query(`
		SELECT * FROM (
			SELECT peer_id, name, last_connected FROM known_peers
			ORDER BY last_connected DESC LIMIT ?
		) ORDER BY last_connected ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query known peers: %w", err)
	}
	defer rows.Close()

	var peers []KnownPeer
	for rows.Next() {
		var (
			p  KnownPeer
			ms int64
		)
		if err := rows.Scan(&p.PeerID, &p.Name, &ms); err != nil {
			return nil, err
		}
		p.LastConnected = fromMillis(ms)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// ForgetPeer removes a peer from the reconnect set
func (h *HistoryDB) ForgetPeer(peerID string) error {
	result, err := h.db.Exec("DELETE FROM known_peers WHERE peer_id = ?", peerID)
	if err != nil {
		return fmt.Errorf("forget peer: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
