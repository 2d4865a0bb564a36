package protocol

import (
	"github.com/google/uuid"
)

// Protocol constants
const (
	// Protocol version carried in the "v" field
	ProtocolVersion = 2

	// Hop budget given to freshly authored msg/img messages
	DefaultTTL = 3

	// Upper bound accepted on decode; larger budgets are clamped
	MaxTTL = 16

	// Caption used for images sent without one
	DefaultImageCaption = "📷 Image"

	// Text delivered in place of a payload that failed authentication
	UndecryptableText = "[Unable to decrypt message - check encryption key]"
)

// MessageType is the value of the "type" field
type MessageType string

// Message types
const (
	MsgTypeText   MessageType = "msg"
	MsgTypeTyping MessageType = "typing"
	MsgTypeAck    MessageType = "ack"
	MsgTypeImage  MessageType = "img"
)

// IsKnown reports whether the type is one this version understands
func (t MessageType) IsKnown() bool {
	switch t {
	case MsgTypeText, MsgTypeTyping, MsgTypeAck, MsgTypeImage:
		return true
	}
	return false
}

// Relayable reports whether messages of this type travel more than one hop
func (t MessageType) Relayable() bool {
	return t == MsgTypeText || t == MsgTypeImage
}

func (t MessageType) String() string {
	return string(t)
}

// NewMessageID generates a random message identifier (UUID v4)
func NewMessageID() string {
	return uuid.NewString()
}
