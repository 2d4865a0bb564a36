package protocol

import (
	"encoding/json"
	"fmt"
)

// WireMessage is the on-wire envelope for every complete protocol message
type WireMessage struct {
	Version   int         `json:"v"`
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Sender    string      `json:"sender"`             // immediate hop, rewritten on relay
	OriginID  string      `json:"originId,omitempty"` // author, stable across hops
	Text      *string     `json:"text,omitempty"`
	AckID     *string     `json:"ackId,omitempty"`
	TTL       *int        `json:"ttl,omitempty"`
	ImgData   *string     `json:"imgData,omitempty"`
	ImgThumb  *string     `json:"imgThumb,omitempty"`
	Encrypted bool        `json:"enc,omitempty"` // text/imgData/imgThumb are sealed
}

// ===== CONSTRUCTORS =====

// NewTextMessage creates a chat message authored by sender
func NewTextMessage(sender, text string, encrypted bool) *WireMessage {
	return &WireMessage{
		Version:   ProtocolVersion,
		Type:      MsgTypeText,
		ID:        NewMessageID(),
		Sender:    sender,
		OriginID:  sender,
		Text:      &text,
		TTL:       intPtr(DefaultTTL),
		Encrypted: encrypted,
	}
}

// NewImageMessage creates an image message. thumb may be nil.
func NewImageMessage(sender, imgData string, thumb *string, caption string, encrypted bool) *WireMessage {
	return &WireMessage{
		Version:   ProtocolVersion,
		Type:      MsgTypeImage,
		ID:        NewMessageID(),
		Sender:    sender,
		OriginID:  sender,
		Text:      &caption,
		TTL:       intPtr(DefaultTTL),
		ImgData:   &imgData,
		ImgThumb:  thumb,
		Encrypted: encrypted,
	}
}

// NewTypingMessage creates a one-hop typing indicator
func NewTypingMessage(sender string) *WireMessage {
	return &WireMessage{
		Version:  ProtocolVersion,
		Type:     MsgTypeTyping,
		ID:       NewMessageID(),
		Sender:   sender,
		OriginID: sender,
	}
}

// NewAckMessage creates a delivery acknowledgement for ackID
func NewAckMessage(sender, ackID string) *WireMessage {
	return &WireMessage{
		Version:  ProtocolVersion,
		Type:     MsgTypeAck,
		ID:       NewMessageID(),
		Sender:   sender,
		OriginID: sender,
		AckID:    &ackID,
	}
}

// ===== ACCESSORS =====

// Origin returns the logical author of the message
func (m *WireMessage) Origin() string {
	if m.OriginID != "" {
		return m.OriginID
	}
	return m.Sender
}

// TextValue returns the text field or "" when absent
func (m *WireMessage) TextValue() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// HopsLeft returns the remaining ttl, 0 when absent
func (m *WireMessage) HopsLeft() int {
	if m.TTL == nil {
		return 0
	}
	return *m.TTL
}

// RelayCopy returns the copy to forward to other peers, or false when the
// message must not travel further. The copy keeps id, author and payload,
// decrements ttl and names the relaying node as sender.
func (m *WireMessage) RelayCopy(sender string) (*WireMessage, bool) {
	if !m.Type.Relayable() || m.HopsLeft() <= 0 {
		return nil, false
	}

	cp := *m
	cp.Sender = sender
	cp.OriginID = m.Origin()
	cp.TTL = intPtr(m.HopsLeft() - 1)
	return &cp, true
}

// ===== CODEC =====

// Encode serializes a message. Output is deterministic for equal messages.
func Encode(m *WireMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: %w", ErrMissingField)
	}
	return json.Marshal(m)
}

// Decode parses and validates one frame holding a WireMessage
func Decode(frame []byte) (*WireMessage, error) {
	var m WireMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, decodeErr("message", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if m.TTL != nil && *m.TTL > MaxTTL {
		m.TTL = intPtr(MaxTTL)
	}

	return &m, nil
}

// Validate checks the invariants a decoded message must satisfy
func (m *WireMessage) Validate() error {
	if m.Version != ProtocolVersion {
		return decodeErr("message", ErrUnsupportedVersion, fmt.Errorf("v=%d", m.Version))
	}
	if m.Type == "" {
		return decodeErr("message", ErrMissingField, fmt.Errorf("type"))
	}
	if m.ID == "" {
		return decodeErr("message", ErrMissingField, fmt.Errorf("id"))
	}
	if m.Type == MsgTypeAck && (m.AckID == nil || *m.AckID == "") {
		return decodeErr("message", ErrMissingField, fmt.Errorf("ackId"))
	}
	if m.TTL != nil && *m.TTL < 0 {
		return decodeErr("message", ErrInvalidTTL, fmt.Errorf("ttl=%d", *m.TTL))
	}
	return nil
}

func intPtr(v int) *int {
	return &v
}
