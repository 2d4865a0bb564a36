package network

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotRunning        = errors.New("node not running")
	ErrAlreadyRunning    = errors.New("node already running")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrImageTooLarge     = errors.New("image too large")
	ErrThumbnailTooLarge = errors.New("thumbnail too large")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrNoSealer          = errors.New("no encryption key configured")
)

// LinkError is a transport failure for one peer
type LinkError struct {
	Op     string // "connect", "probe", "write" or "link"
	PeerID string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s %s: %v", e.Op, e.PeerID, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an operation that did not complete in time
type TimeoutError struct {
	Op    string // "connect", "probe" or "fragment"
	ID    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %v", e.Op, e.ID, e.After)
}

// Timeout lets callers test with an interface{ Timeout() bool } assertion
func (e *TimeoutError) Timeout() bool {
	return true
}
