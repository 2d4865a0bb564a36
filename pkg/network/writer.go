package network

import (
	"sync"

	"go.uber.org/zap"

	"github.com/krol69/MeshLink/pkg/fragment"
	"github.com/krol69/MeshLink/pkg/protocol"
)

// peerWriter serialises writes to one peer so that the fragments of a large
// frame go out in order and paced, without holding up the event loop
type peerWriter struct {
	peerID string
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (n *Node) startWriter(peerID string) *peerWriter {
	w := &peerWriter{
		peerID: peerID,
		frames: make(chan []byte, n.cfg.WriteQueueSize),
		done:   make(chan struct{}),
	}
	n.writers.Add(1)
	go func() {
		defer n.writers.Done()
		n.runWriter(w)
	}()
	return w
}

// enqueue never blocks; it returns false when the queue is full
func (w *peerWriter) enqueue(frame []byte) bool {
	select {
	case w.frames <- frame:
		return true
	default:
		return false
	}
}

func (w *peerWriter) stop() {
	w.once.Do(func() { close(w.done) })
}

func (n *Node) runWriter(w *peerWriter) {
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-w.done:
			return
		case frame := <-w.frames:
			if err := n.writeFrame(w, frame); err != nil {
				n.loop.Post(func() { n.onWriteFailed(w, err) })
			}
		}
	}
}

// writeFrame sends one encoded frame, chunking it when it does not fit a
// single write
func (n *Node) writeFrame(w *peerWriter, frame []byte) error {
	mtu := n.link.MaxWriteSize(w.peerID)
	if !fragment.NeedsChunking(frame, mtu) {
		return n.writePackets(w.peerID, frame, mtu)
	}

	chunks := fragment.Split(frame, n.cfg.ChunkSize)
	for i, c := range chunks {
		if i > 0 && n.cfg.ChunkInterval > 0 {
			select {
			case <-n.clock.After(n.cfg.ChunkInterval):
			case <-w.done:
				return nil
			case <-n.ctx.Done():
				return nil
			}
		}
		data, err := protocol.EncodeChunk(c)
		if err != nil {
			return err
		}
		if err := n.writePackets(w.peerID, data, mtu); err != nil {
			return err
		}
	}
	n.metrics.AddChunksSent(len(chunks))
	return nil
}

func (n *Node) writePackets(peerID string, data []byte, mtu int) error {
	for _, pkt := range fragment.Packets(data, mtu) {
		if err := n.link.Write(peerID, pkt); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) onWriteFailed(w *peerWriter, err error) {
	p, ok := n.peers[w.peerID]
	if !ok || p.writer != w {
		return
	}
	n.metrics.IncLinkError()
	lerr := &LinkError{Op: "write", PeerID: w.peerID, Err: err}
	n.log(LogWarning, "Write to "+p.name+" failed: "+err.Error(), zap.Error(lerr))
}
