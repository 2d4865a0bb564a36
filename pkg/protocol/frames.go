package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"unicode/utf8"
)

// SplitFrames splits a reassembled burst into the JSON documents it holds.
// Two writes that landed in one burst window come back as two frames. On a
// parse error the documents read so far are returned with the error.
func SplitFrames(burst []byte) ([][]byte, error) {
	if !utf8.Valid(burst) {
		return nil, decodeErr("frame", ErrInvalidUTF8, nil)
	}

	dec := json.NewDecoder(bytes.NewReader(burst))
	var frames [][]byte
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, decodeErr("frame", ErrMalformed, err)
		}
		frames = append(frames, raw)
	}
}
