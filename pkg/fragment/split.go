package fragment

import (
	"encoding/base64"

	"github.com/krol69/MeshLink/pkg/protocol"
)

const (
	// Base64 characters per fragment
	DefaultChunkSize = 160

	// Bytes a link write reserves beyond the frame itself
	FrameOverhead = 3
)

// Split cuts frame into fragments of chunkSize base64 characters under a new
// chunk message id
func Split(frame []byte, chunkSize int) []*protocol.ChunkEnvelope {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	encoded := base64.StdEncoding.EncodeToString(frame)
	total := (len(encoded) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	msgID := protocol.NewMessageID()
	chunks := make([]*protocol.ChunkEnvelope, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * chunkSize
		end := start + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks = append(chunks, &protocol.ChunkEnvelope{
			MessageID: msgID,
			Seq:       seq,
			Total:     total,
			Data:      encoded[start:end],
		})
	}
	return chunks
}

// NeedsChunking reports whether frame is too large for one write of mtu bytes
func NeedsChunking(frame []byte, mtu int) bool {
	return len(frame) > mtu-FrameOverhead
}

// Packets splits an encoded frame into writes of at most mtu bytes. The
// receiving BurstBuffer joins them back together.
func Packets(frame []byte, mtu int) [][]byte {
	if mtu <= 0 || len(frame) <= mtu {
		return [][]byte{frame}
	}

	packets := make([][]byte, 0, (len(frame)+mtu-1)/mtu)
	for start := 0; start < len(frame); start += mtu {
		end := start + mtu
		if end > len(frame) {
			end = len(frame)
		}
		packets = append(packets, frame[start:end])
	}
	return packets
}
