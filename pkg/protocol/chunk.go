package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ChunkKey is the wrapper key that marks a frame as a fragment
const ChunkKey = "chunk"

// ChunkEnvelope carries one slice of a frame too large for a single write.
// Data holds a slice of the base64 encoding of the original frame.
type ChunkEnvelope struct {
	MessageID string `json:"messageId"` // fragment namespace, unrelated to WireMessage.ID
	Seq       int    `json:"seq"`
	Total     int    `json:"total"`
	Data      string `json:"data"`
}

type chunkFrame struct {
	Chunk *ChunkEnvelope `json:"chunk"`
}

// EncodeChunk serializes a fragment under the chunk wrapper key
func EncodeChunk(c *ChunkEnvelope) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("encode chunk: %w", ErrMissingField)
	}
	return json.Marshal(chunkFrame{Chunk: c})
}

// IsChunk reports whether the frame is a fragment. Only the first object key
// is inspected, so it is cheap to call on every frame.
func IsChunk(frame []byte) bool {
	dec := json.NewDecoder(bytes.NewReader(frame))

	tok, err := dec.Token()
	if err != nil {
		return false
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return false
	}

	tok, err = dec.Token()
	if err != nil {
		return false
	}
	key, ok := tok.(string)
	return ok && key == ChunkKey
}

// DecodeChunk parses and validates a fragment frame
func DecodeChunk(frame []byte) (*ChunkEnvelope, error) {
	var f chunkFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, decodeErr("chunk", ErrMalformed, err)
	}
	if f.Chunk == nil {
		return nil, decodeErr("chunk", ErrMissingField, fmt.Errorf(ChunkKey))
	}

	c := f.Chunk
	switch {
	case c.MessageID == "":
		return nil, decodeErr("chunk", ErrMissingField, fmt.Errorf("messageId"))
	case c.Total <= 0:
		return nil, decodeErr("chunk", ErrInvalidChunk, fmt.Errorf("total=%d", c.Total))
	case c.Seq < 0 || c.Seq >= c.Total:
		return nil, decodeErr("chunk", ErrInvalidChunk, fmt.Errorf("seq=%d total=%d", c.Seq, c.Total))
	}

	return c, nil
}
