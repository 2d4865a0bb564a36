// Package fragment reassembles frames from what the link delivers.
//
// Two layers cooperate:
//
//   - Layer A (BurstBuffer) coalesces the small physical packets a link may
//     split one write into. There is no length prefix; a frame ends when the
//     peer has been idle for the burst window.
//   - Layer B (Assembler) joins ChunkEnvelope fragments of a frame that was
//     too large for a single write.
//
// Both layers keep their state in maps owned by the node's event loop and
// arm their timers through a schedule.Scheduler; none of their methods are
// safe for concurrent use.
package fragment

import (
	"errors"
	"fmt"
	"time"

	"github.com/krol69/MeshLink/pkg/schedule"
)

const (
	DefaultBurstWindow  = 150 * time.Millisecond
	DefaultMaxBurstSize = 1 << 20
)

var ErrBurstOverflow = errors.New("burst buffer overflow")

// BurstConfig configures Layer A
type BurstConfig struct {
	Window  time.Duration // idle time that ends a frame
	MaxSize int           // per-peer buffer cap in bytes
}

// DefaultBurstConfig returns the default Layer A settings
func DefaultBurstConfig() BurstConfig {
	return BurstConfig{
		Window:  DefaultBurstWindow,
		MaxSize: DefaultMaxBurstSize,
	}
}

// BurstBuffer is the per-peer Layer A reassembler
type BurstBuffer struct {
	cfg   BurstConfig
	sched *schedule.Scheduler
	bufs  map[string][]byte
	emit  func(peerID string, frame []byte)
}

// NewBurstBuffer creates a Layer A reassembler. emit runs on the loop with
// each completed frame.
func NewBurstBuffer(sched *schedule.Scheduler, cfg BurstConfig, emit func(peerID string, frame []byte)) *BurstBuffer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultBurstWindow
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxBurstSize
	}
	return &BurstBuffer{
		cfg:   cfg,
		sched: sched,
		bufs:  make(map[string][]byte),
		emit:  emit,
	}
}

// Append adds received bytes for a peer and restarts its idle timer. If the
// buffer would exceed MaxSize it is discarded and ErrBurstOverflow returned.
func (b *BurstBuffer) Append(peerID string, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	buf := b.bufs[peerID]
	if len(buf)+len(data) > b.cfg.MaxSize {
		size := len(buf) + len(data)
		b.Drop(peerID)
		return fmt.Errorf("%w: peer %s reached %d bytes", ErrBurstOverflow, peerID, size)
	}

	b.bufs[peerID] = append(buf, data...)
	b.sched.Schedule(burstKey(peerID), b.cfg.Window, func() {
		b.Flush(peerID)
	})
	return nil
}

// Flush emits whatever is buffered for a peer immediately
func (b *BurstBuffer) Flush(peerID string) {
	b.sched.Cancel(burstKey(peerID))

	frame, ok := b.bufs[peerID]
	delete(b.bufs, peerID)
	if !ok || len(frame) == 0 {
		return
	}
	b.emit(peerID, frame)
}

// Drop discards a peer's buffer and timer without emitting
func (b *BurstBuffer) Drop(peerID string) {
	b.sched.Cancel(burstKey(peerID))
	delete(b.bufs, peerID)
}

// Buffered returns the number of bytes waiting for a peer
func (b *BurstBuffer) Buffered(peerID string) int {
	return len(b.bufs[peerID])
}

func burstKey(peerID string) schedule.Key {
	return schedule.Key{Kind: schedule.KindBurst, ID: peerID}
}
