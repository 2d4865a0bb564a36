package storage

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ===== MESSAGE OPERATIONS =====

// SaveMessage stores a message and prunes the history down to its limit.
// A message id that is already stored is ignored. An empty MessageID gets a
// fresh one.
func (h *HistoryDB) SaveMessage(msg *StoredMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = MessageStatusReceived
		if msg.Outgoing {
			msg.Status = MessageStatusSent
		}
	}

	content, err := h.seal([]byte(msg.Text))
	if err != nil {
		return fmt.Errorf("seal content: %w", err)
	}
	var image []byte
	if msg.Image != nil {
		if image, err = h.seal(msg.Image); err != nil {
			return fmt.Errorf("seal image: %w", err)
		}
	}

	tx, err := h.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT OR IGNORE INTO messages (
			message_id, origin, kind, content, image, encrypted,
			outgoing, status, timestamp, delivered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID,
		msg.Origin,
		msg.Kind,
		content,
		image,
		boolToInt(msg.Encrypted),
		boolToInt(msg.Outgoing),
		msg.Status,
		toMillis(msg.Timestamp),
		toMillis(msg.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		msg.ID = id
	}

	if _, err := tx.Exec(`
		DELETE FROM messages WHERE id NOT IN (
			SELECT id FROM messages ORDER BY id DESC LIMIT ?
		)`, h.limit); err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return tx.Commit()
}

// MarkDelivered records the ack of an outgoing message
func (h *HistoryDB) MarkDelivered(messageID string, at time.Time) error {
	result, err := h.db.Exec(
		"UPDATE messages SET status = ?, delivered_at = ? WHERE message_id = ? AND outgoing = 1",
		MessageStatusDelivered, toMillis(at), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage retrieves a message by its mesh id
func (h *HistoryDB) GetMessage(messageID string) (*StoredMessage, error) {
	row := h.db.QueryRow(selectMessages+" WHERE message_id = ?", messageID)
	msg, err := h.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// RecentMessages returns up to limit of the newest messages, oldest first
func (h *HistoryDB) RecentMessages(limit int) ([]*StoredMessage, error) {
	if limit <= 0 || limit > h.limit {
		limit = h.limit
	}

	rows, err := h.db.Query(`
		SELECT * FROM (`+selectMessages+` ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*StoredMessage
	for rows.Next() {
		msg, err := h.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of stored messages
func (h *HistoryDB) CountMessages() (int, error) {
	var n int
	err := h.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n)
	return n, err
}

const selectMessages = `
	SELECT id, message_id, origin, kind, content, image, encrypted,
	       outgoing, status, timestamp, delivered_at
	FROM messages`

type scanner interface {
	Scan(dest ...any) error
}

func (h *HistoryDB) scanMessage(row scanner) (*StoredMessage, error) {
	var (
		msg                    StoredMessage
		content, image         []byte
		encrypted, outgoing    int
		timestamp, deliveredAt int64
	)
	err := row.Scan(
		&msg.ID,
		&msg.MessageID,
		&msg.Origin,
		&msg.Kind,
		&content,
		&image,
		&encrypted,
		&outgoing,
		&msg.Status,
		&timestamp,
		&deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	text, err := h.open(content)
	if err != nil {
		return nil, fmt.Errorf("open content of %s: %w", msg.MessageID, err)
	}
	msg.Text = string(text)
	if image != nil {
		if msg.Image, err = h.open(image); err != nil {
			return nil, fmt.Errorf("open image of %s: %w", msg.MessageID, err)
		}
	}

	msg.Encrypted = encrypted != 0
	msg.Outgoing = outgoing != 0
	msg.Timestamp = fromMillis(timestamp)
	msg.DeliveredAt = fromMillis(deliveredAt)
	return &msg, nil
}

// seal encrypts a column value when at-rest encryption is on
func (h *HistoryDB) seal(data []byte) ([]byte, error) {
	if h.sealer == nil {
		return data, nil
	}
	sealed, err := h.sealer.Seal(base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return nil, err
	}
	return []byte(sealed), nil
}

func (h *HistoryDB) open(data []byte) ([]byte, error) {
	if h.sealer == nil {
		return data, nil
	}
	plain, err := h.sealer.Open(string(data))
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(plain)
}
