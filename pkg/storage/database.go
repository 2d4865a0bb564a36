// Package storage keeps a node's message history and known peers in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// DefaultHistoryLimit is how many messages are kept before the oldest are pruned
const DefaultHistoryLimit = 300

// MessageStatus represents message delivery status
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusReceived  MessageStatus = "received"
)

// MessageKind mirrors the wire types that carry content
type MessageKind string

const (
	KindText  MessageKind = "msg"
	KindImage MessageKind = "img"
)

// Sealer encrypts stored content at rest. *crypto.Box implements it.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// StoredMessage is a row of the history
type StoredMessage struct {
	ID          int64         `json:"-"`
	MessageID   string        `json:"id"`
	Origin      string        `json:"origin"`
	Kind        MessageKind   `json:"kind"`
	Text        string        `json:"text"` // chat text or image caption
	Image       []byte        `json:"image,omitempty"`
	Encrypted   bool          `json:"encrypted"` // travelled sealed over the mesh
	Outgoing    bool          `json:"outgoing"`
	Status      MessageStatus `json:"status"`
	Timestamp   time.Time     `json:"timestamp"`
	DeliveredAt time.Time     `json:"delivered_at,omitempty"`
}

// KnownPeer is a persisted member of the reconnect set
type KnownPeer struct {
	PeerID        string    `json:"id"`
	Name          string    `json:"name"`
	LastConnected time.Time `json:"last_connected"`
}

// Config controls a HistoryDB
type Config struct {
	Limit  int    // messages kept, DefaultHistoryLimit when zero
	Sealer Sealer // optional at-rest encryption of text and image columns
}

// HistoryDB manages local message storage
type HistoryDB struct {
	db     *sql.DB
	limit  int
	sealer Sealer
}

// Open opens (creating if needed) the history database at path
func Open(path string, cfg Config) (*HistoryDB, error) {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultHistoryLimit
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// go-sqlite3 connections do not share an in-memory database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	h := &HistoryDB{db: db, limit: cfg.Limit, sealer: cfg.Sealer}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *HistoryDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		origin TEXT NOT NULL,
		kind TEXT NOT NULL,
		content BLOB NOT NULL,
		image BLOB,
		encrypted INTEGER NOT NULL DEFAULT 0,
		outgoing INTEGER NOT NULL,
		status TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		delivered_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS known_peers (
		peer_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		last_connected INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_known_peers_last ON known_peers(last_connected);
	`

	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (h *HistoryDB) Close() error {
	return h.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
