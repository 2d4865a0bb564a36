package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	thumb := "dGh1bWI="

	tests := []struct {
		name string
		msg  *WireMessage
	}{
		{
			name: "text message",
			msg:  NewTextMessage("alice", "hello mesh", false),
		},
		{
			name: "encrypted text message",
			msg:  NewTextMessage("alice", "c2VhbGVk", true),
		},
		{
			name: "non-ascii text",
			msg:  NewTextMessage("bob", "héllo 👋 мир", false),
		},
		{
			name: "empty text",
			msg:  NewTextMessage("bob", "", false),
		},
		{
			name: "image with thumbnail",
			msg:  NewImageMessage("carol", "aW1hZ2U=", &thumb, DefaultImageCaption, false),
		},
		{
			name: "image without thumbnail",
			msg:  NewImageMessage("carol", "aW1hZ2U=", nil, "sunset", true),
		},
		{
			name: "typing",
			msg:  NewTypingMessage("dave"),
		},
		{
			name: "ack",
			msg:  NewAckMessage("dave", NewMessageID()),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.msg)
			require.NoError(t, err)

			decoded, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)

			again, err := Encode(decoded)
			require.NoError(t, err)
			assert.Equal(t, frame, again, "encoding must be deterministic")
		})
	}
}

func TestEncodeOmitsAbsentFields(t *testing.T) {
	frame, err := Encode(NewTypingMessage("alice"))
	require.NoError(t, err)

	s := string(frame)
	assert.Contains(t, s, `"v":2`)
	assert.Contains(t, s, `"type":"typing"`)
	for _, key := range []string{`"text"`, `"ttl"`, `"ackId"`, `"imgData"`, `"imgThumb"`, `"enc"`} {
		assert.NotContains(t, s, key)
	}
}

func TestDecodeZeroTTLIsKept(t *testing.T) {
	decoded, err := Decode([]byte(`{"v":2,"type":"msg","id":"m1","sender":"a","text":"x","ttl":0}`))
	require.NoError(t, err)
	require.NotNil(t, decoded.TTL)
	assert.Equal(t, 0, *decoded.TTL)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		sentinel error
	}{
		{"empty", ``, ErrMalformed},
		{"not json", `hello`, ErrMalformed},
		{"truncated", `{"v":2,"type":"msg"`, ErrMalformed},
		{"array", `[1,2,3]`, ErrMalformed},
		{"wrong field type", `{"v":"two","type":"msg","id":"x"}`, ErrMalformed},
		{"null", `null`, ErrUnsupportedVersion},
		{"missing version", `{"type":"msg","id":"x","sender":"a"}`, ErrUnsupportedVersion},
		{"future version", `{"v":3,"type":"msg","id":"x","sender":"a"}`, ErrUnsupportedVersion},
		{"missing type", `{"v":2,"id":"x","sender":"a"}`, ErrMissingField},
		{"missing id", `{"v":2,"type":"msg","sender":"a"}`, ErrMissingField},
		{"ack without ackId", `{"v":2,"type":"ack","id":"x","sender":"a"}`, ErrMissingField},
		{"negative ttl", `{"v":2,"type":"msg","id":"x","sender":"a","ttl":-1}`, ErrInvalidTTL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.Nil(t, msg)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr), "expected *DecodeError, got %T", err)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestDecodeUnknownTypeIsAccepted(t *testing.T) {
	msg, err := Decode([]byte(`{"v":2,"type":"reaction","id":"x","sender":"a","emoji":"👍"}`))
	require.NoError(t, err)
	assert.False(t, msg.Type.IsKnown())
	assert.False(t, msg.Type.Relayable())
}

func TestDecodeClampsTTL(t *testing.T) {
	msg, err := Decode([]byte(`{"v":2,"type":"msg","id":"x","sender":"a","ttl":1000}`))
	require.NoError(t, err)
	assert.Equal(t, MaxTTL, msg.HopsLeft())
}

func TestOrigin(t *testing.T) {
	msg := &WireMessage{Sender: "relay"}
	assert.Equal(t, "relay", msg.Origin())

	msg.OriginID = "author"
	assert.Equal(t, "author", msg.Origin())
}

func TestRelayCopy(t *testing.T) {
	orig := NewTextMessage("alice", "hi", false)

	hop1, ok := orig.RelayCopy("bob")
	require.True(t, ok)
	assert.Equal(t, orig.ID, hop1.ID)
	assert.Equal(t, "bob", hop1.Sender)
	assert.Equal(t, "alice", hop1.OriginID)
	assert.Equal(t, DefaultTTL-1, hop1.HopsLeft())
	assert.Equal(t, orig.Text, hop1.Text)

	// original is untouched
	assert.Equal(t, DefaultTTL, orig.HopsLeft())
	assert.Equal(t, "alice", orig.Sender)

	// a copy of a copy keeps the author
	hop2, ok := hop1.RelayCopy("carol")
	require.True(t, ok)
	assert.Equal(t, "alice", hop2.Origin())
	assert.Equal(t, DefaultTTL-2, hop2.HopsLeft())
}

func TestRelayCopyPreservesMissingOrigin(t *testing.T) {
	ttl := 2
	msg := &WireMessage{Version: ProtocolVersion, Type: MsgTypeText, ID: "x", Sender: "alice", TTL: &ttl}

	cp, ok := msg.RelayCopy("bob")
	require.True(t, ok)
	assert.Equal(t, "alice", cp.Origin())
}

func TestRelayCopyRefused(t *testing.T) {
	zero := 0

	tests := []struct {
		name string
		msg  *WireMessage
	}{
		{"ttl exhausted", &WireMessage{Type: MsgTypeText, TTL: &zero}},
		{"ttl absent", &WireMessage{Type: MsgTypeImage}},
		{"typing", NewTypingMessage("a")},
		{"ack", NewAckMessage("a", "x")},
		{"unknown type", &WireMessage{Type: "reaction", TTL: intPtr(3)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, ok := tt.msg.RelayCopy("relay")
			assert.False(t, ok)
			assert.Nil(t, cp)
		})
	}
}

func TestTTLBoundsHopCount(t *testing.T) {
	msg := NewTextMessage("alice", "hi", false)

	hops := 0
	for {
		next, ok := msg.RelayCopy("relay")
		if !ok {
			break
		}
		hops++
		msg = next
	}

	assert.Equal(t, DefaultTTL, hops)
}

func TestNewMessageIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		require.False(t, seen[id], "duplicate id %s", id)
		require.Len(t, id, 36)
		require.Equal(t, 4, strings.Count(id, "-"))
		seen[id] = true
	}
}
