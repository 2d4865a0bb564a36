package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed          = errors.New("malformed frame")
	ErrMissingField       = errors.New("missing required field")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrInvalidTTL         = errors.New("invalid ttl")
	ErrInvalidChunk       = errors.New("invalid chunk envelope")
	ErrInvalidUTF8        = errors.New("frame is not valid UTF-8")
)

// DecodeError reports a frame that could not be turned into a message.
// Receivers drop the frame and log it; it is never fatal.
type DecodeError struct {
	Op  string // "message", "chunk" or "frame"
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(op string, sentinel error, cause error) *DecodeError {
	if cause == nil {
		return &DecodeError{Op: op, Err: sentinel}
	}
	return &DecodeError{Op: op, Err: fmt.Errorf("%w: %v", sentinel, cause)}
}
