package fragment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/krol69/MeshLink/pkg/protocol"
	"github.com/krol69/MeshLink/pkg/schedule"
)

const (
	DefaultFragmentTimeout = 10 * time.Second
	DefaultMaxFragments    = 8192
	DefaultMaxPerPeer      = 16
)

var (
	ErrTooManyFragments = errors.New("fragment total exceeds limit")
	ErrTotalMismatch    = errors.New("fragment total disagrees with earlier fragments")
)

// AssemblerConfig configures Layer B
type AssemblerConfig struct {
	Timeout      time.Duration // completion window, re-armed by every new fragment
	MaxFragments int           // largest accepted total
	MaxPerPeer   int           // in-flight reassemblies per peer; oldest is evicted
}

// DefaultAssemblerConfig returns the default Layer B settings
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		Timeout:      DefaultFragmentTimeout,
		MaxFragments: DefaultMaxFragments,
		MaxPerPeer:   DefaultMaxPerPeer,
	}
}

// Expired describes a reassembly dropped by its completion timer
type Expired struct {
	MessageID string
	PeerID    string
	Received  int
	Total     int
}

type reassembly struct {
	peerID string
	total  int
	parts  map[int]string
}

// Assembler is the Layer B chunk reassembler
type Assembler struct {
	cfg      AssemblerConfig
	sched    *schedule.Scheduler
	pending  map[string]*reassembly // by chunk message id
	byPeer   map[string][]string    // peer -> message ids, oldest first
	onExpire func(Expired)
}

// NewAssembler creates a Layer B reassembler. onExpire may be nil.
func NewAssembler(sched *schedule.Scheduler, cfg AssemblerConfig, onExpire func(Expired)) *Assembler {
	def := DefaultAssemblerConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = def.MaxFragments
	}
	if cfg.MaxPerPeer <= 0 {
		cfg.MaxPerPeer = def.MaxPerPeer
	}
	return &Assembler{
		cfg:      cfg,
		sched:    sched,
		pending:  make(map[string]*reassembly),
		byPeer:   make(map[string][]string),
		onExpire: onExpire,
	}
}

// Add files a fragment received from peerID. When it completes the frame,
// the decoded frame is returned with done=true and all state for it is gone.
// Duplicate fragments are ignored.
func (a *Assembler) Add(peerID string, c *protocol.ChunkEnvelope) (frame []byte, done bool, err error) {
	if c.Total <= 0 || c.Seq < 0 || c.Seq >= c.Total {
		return nil, false, &protocol.DecodeError{
			Op:  "chunk",
			Err: fmt.Errorf("%w: seq=%d total=%d", protocol.ErrInvalidChunk, c.Seq, c.Total),
		}
	}
	if c.Total > a.cfg.MaxFragments {
		return nil, false, fmt.Errorf("%w: %d > %d", ErrTooManyFragments, c.Total, a.cfg.MaxFragments)
	}

	r, ok := a.pending[c.MessageID]
	if ok && r.total != c.Total {
		a.discard(c.MessageID)
		return nil, false, fmt.Errorf("%w: message %s had %d, got %d", ErrTotalMismatch, c.MessageID, r.total, c.Total)
	}
	if !ok {
		a.evictOldest(peerID)
		r = &reassembly{peerID: peerID, total: c.Total, parts: make(map[int]string, c.Total)}
		a.pending[c.MessageID] = r
		a.byPeer[peerID] = append(a.byPeer[peerID], c.MessageID)
	}

	if _, dup := r.parts[c.Seq]; dup {
		return nil, false, nil
	}
	r.parts[c.Seq] = c.Data

	if len(r.parts) < r.total {
		msgID := c.MessageID
		a.sched.Schedule(fragmentKey(msgID), a.cfg.Timeout, func() {
			a.expire(msgID)
		})
		return nil, false, nil
	}

	var sb strings.Builder
	for i := 0; i < r.total; i++ {
		sb.WriteString(r.parts[i])
	}
	a.discard(c.MessageID)

	frame, err = base64.StdEncoding.DecodeString(sb.String())
	if err != nil {
		return nil, false, &protocol.DecodeError{
			Op:  "chunk",
			Err: fmt.Errorf("%w: reassembled data is not base64: %v", protocol.ErrMalformed, err),
		}
	}
	return frame, true, nil
}

// DropPeer discards every reassembly started by peerID
func (a *Assembler) DropPeer(peerID string) int {
	ids := append([]string(nil), a.byPeer[peerID]...)
	for _, id := range ids {
		a.discard(id)
	}
	return len(ids)
}

// Pending returns the number of in-flight reassemblies
func (a *Assembler) Pending() int {
	return len(a.pending)
}

// Timeout returns the effective completion window
func (a *Assembler) Timeout() time.Duration {
	return a.cfg.Timeout
}

// Progress returns how many distinct fragments of messageID are held
func (a *Assembler) Progress(messageID string) (received, total int, ok bool) {
	r, ok := a.pending[messageID]
	if !ok {
		return 0, 0, false
	}
	return len(r.parts), r.total, true
}

func (a *Assembler) expire(messageID string) {
	r, ok := a.pending[messageID]
	if !ok {
		return
	}
	a.discard(messageID)
	if a.onExpire != nil {
		a.onExpire(Expired{MessageID: messageID, PeerID: r.peerID, Received: len(r.parts), Total: r.total})
	}
}

func (a *Assembler) evictOldest(peerID string) {
	ids := a.byPeer[peerID]
	if len(ids) < a.cfg.MaxPerPeer {
		return
	}
	a.discard(ids[0])
}

func (a *Assembler) discard(messageID string) {
	r, ok := a.pending[messageID]
	if !ok {
		return
	}
	a.sched.Cancel(fragmentKey(messageID))
	delete(a.pending, messageID)

	ids := a.byPeer[r.peerID]
	for i, id := range ids {
		if id == messageID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(a.byPeer, r.peerID)
	} else {
		a.byPeer[r.peerID] = ids
	}
}

func fragmentKey(messageID string) schedule.Key {
	return schedule.Key{Kind: schedule.KindFragment, ID: messageID}
}
