// Package metrics counts what a mesh node does and exports it to Prometheus.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meshlink"

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Frames      FrameMetrics   `json:"frames"`
	Messages    MessageMetrics `json:"messages"`
	Peers       PeerMetrics    `json:"peers"`
}

type FrameMetrics struct {
	Received           uint64 `json:"received"`
	Sent               uint64 `json:"sent"`
	BytesReceived      uint64 `json:"bytes_received"`
	BytesSent          uint64 `json:"bytes_sent"`
	DecodeErrors       uint64 `json:"decode_errors"`
	ChunksSent         uint64 `json:"chunks_sent"`
	ChunkedReassembled uint64 `json:"chunked_reassembled"`
	ChunkedExpired     uint64 `json:"chunked_expired"`
}

type MessageMetrics struct {
	Sent          uint64 `json:"sent"`
	Delivered     uint64 `json:"delivered"`
	Relayed       uint64 `json:"relayed"`
	DropDuplicate uint64 `json:"drop_duplicate"`
	AuthErrors    uint64 `json:"auth_errors"`
	AcksReceived  uint64 `json:"acks_received"`
	Confirmed     uint64 `json:"confirmed"`
}

type PeerMetrics struct {
	Connected     int64  `json:"connected"`
	Connects      uint64 `json:"connects"`
	Disconnects   uint64 `json:"disconnects"`
	Timeouts      uint64 `json:"timeouts"`
	ProbeFailures uint64 `json:"probe_failures"`
	LinkErrors    uint64 `json:"link_errors"`
}

// Metrics holds the node counters. All methods are safe for concurrent use.
type Metrics struct {
	framesReceived     atomic.Uint64
	framesSent         atomic.Uint64
	bytesReceived      atomic.Uint64
	bytesSent          atomic.Uint64
	decodeErrors       atomic.Uint64
	chunksSent         atomic.Uint64
	chunkedReassembled atomic.Uint64
	chunkedExpired     atomic.Uint64

	messagesSent      atomic.Uint64
	messagesDelivered atomic.Uint64
	messagesRelayed   atomic.Uint64
	dropDuplicate     atomic.Uint64
	authErrors        atomic.Uint64
	acksReceived      atomic.Uint64
	confirmed         atomic.Uint64

	peersConnected atomic.Int64
	connects       atomic.Uint64
	disconnects    atomic.Uint64
	timeouts       atomic.Uint64
	probeFailures  atomic.Uint64
	linkErrors     atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncFrameReceived(bytes int) {
	m.framesReceived.Add(1)
	m.bytesReceived.Add(uint64(bytes))
}

func (m *Metrics) IncFrameSent(bytes int) {
	m.framesSent.Add(1)
	m.bytesSent.Add(uint64(bytes))
}

func (m *Metrics) IncDecodeError()        { m.decodeErrors.Add(1) }
func (m *Metrics) AddChunksSent(n int)    { m.chunksSent.Add(uint64(n)) }
func (m *Metrics) IncChunkedReassembled() { m.chunkedReassembled.Add(1) }
func (m *Metrics) IncChunkedExpired()     { m.chunkedExpired.Add(1) }

func (m *Metrics) IncMessageSent()      { m.messagesSent.Add(1) }
func (m *Metrics) IncMessageDelivered() { m.messagesDelivered.Add(1) }
func (m *Metrics) IncRelayed()          { m.messagesRelayed.Add(1) }
func (m *Metrics) IncDropDuplicate()    { m.dropDuplicate.Add(1) }
func (m *Metrics) IncAuthError()        { m.authErrors.Add(1) }
func (m *Metrics) IncAckReceived()      { m.acksReceived.Add(1) }
func (m *Metrics) IncConfirmed()        { m.confirmed.Add(1) }

func (m *Metrics) PeerConnected() {
	m.connects.Add(1)
	m.peersConnected.Add(1)
}

func (m *Metrics) PeerDisconnected() {
	m.disconnects.Add(1)
	m.peersConnected.Add(-1)
}

func (m *Metrics) IncTimeout()      { m.timeouts.Add(1) }
func (m *Metrics) IncProbeFailure() { m.probeFailures.Add(1) }
func (m *Metrics) IncLinkError()    { m.linkErrors.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Frames: FrameMetrics{
			Received:           m.framesReceived.Load(),
			Sent:               m.framesSent.Load(),
			BytesReceived:      m.bytesReceived.Load(),
			BytesSent:          m.bytesSent.Load(),
			DecodeErrors:       m.decodeErrors.Load(),
			ChunksSent:         m.chunksSent.Load(),
			ChunkedReassembled: m.chunkedReassembled.Load(),
			ChunkedExpired:     m.chunkedExpired.Load(),
		},
		Messages: MessageMetrics{
			Sent:          m.messagesSent.Load(),
			Delivered:     m.messagesDelivered.Load(),
			Relayed:       m.messagesRelayed.Load(),
			DropDuplicate: m.dropDuplicate.Load(),
			AuthErrors:    m.authErrors.Load(),
			AcksReceived:  m.acksReceived.Load(),
			Confirmed:     m.confirmed.Load(),
		},
		Peers: PeerMetrics{
			Connected:     m.peersConnected.Load(),
			Connects:      m.connects.Load(),
			Disconnects:   m.disconnects.Load(),
			Timeouts:      m.timeouts.Load(),
			ProbeFailures: m.probeFailures.Load(),
			LinkErrors:    m.linkErrors.Load(),
		},
	}
}

type counterDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *Metrics) float64
}

func counter(name, help string, fn func(m *Metrics) uint64) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		kind:  prometheus.CounterValue,
		value: func(m *Metrics) float64 { return float64(fn(m)) },
	}
}

var descs = []counterDesc{
	counter("frames_received_total", "Frames decoded from peers.", func(m *Metrics) uint64 { return m.framesReceived.Load() }),
	counter("frames_sent_total", "Frames queued to peers.", func(m *Metrics) uint64 { return m.framesSent.Load() }),
	counter("bytes_received_total", "Frame bytes received.", func(m *Metrics) uint64 { return m.bytesReceived.Load() }),
	counter("bytes_sent_total", "Frame bytes sent.", func(m *Metrics) uint64 { return m.bytesSent.Load() }),
	counter("decode_errors_total", "Frames dropped as undecodable.", func(m *Metrics) uint64 { return m.decodeErrors.Load() }),
	counter("chunks_sent_total", "Chunk envelopes written.", func(m *Metrics) uint64 { return m.chunksSent.Load() }),
	counter("chunked_reassembled_total", "Chunked frames reassembled.", func(m *Metrics) uint64 { return m.chunkedReassembled.Load() }),
	counter("chunked_expired_total", "Partial chunked frames discarded on timeout.", func(m *Metrics) uint64 { return m.chunkedExpired.Load() }),
	counter("messages_sent_total", "Messages originated by this node.", func(m *Metrics) uint64 { return m.messagesSent.Load() }),
	counter("messages_delivered_total", "Messages and images handed to the application.", func(m *Metrics) uint64 { return m.messagesDelivered.Load() }),
	counter("messages_relayed_total", "Messages forwarded with a decremented TTL.", func(m *Metrics) uint64 { return m.messagesRelayed.Load() }),
	counter("messages_duplicate_total", "Messages dropped by the seen cache.", func(m *Metrics) uint64 { return m.dropDuplicate.Load() }),
	counter("auth_errors_total", "Payloads that failed to decrypt.", func(m *Metrics) uint64 { return m.authErrors.Load() }),
	counter("acks_received_total", "Acknowledgements received.", func(m *Metrics) uint64 { return m.acksReceived.Load() }),
	counter("deliveries_confirmed_total", "Outbound messages confirmed by an ack.", func(m *Metrics) uint64 { return m.confirmed.Load() }),
	counter("peer_connects_total", "Peers that completed verification.", func(m *Metrics) uint64 { return m.connects.Load() }),
	counter("peer_disconnects_total", "Verified peers that went away.", func(m *Metrics) uint64 { return m.disconnects.Load() }),
	counter("connect_timeouts_total", "Connection attempts that timed out.", func(m *Metrics) uint64 { return m.timeouts.Load() }),
	counter("probe_failures_total", "Peers rejected by the service probe.", func(m *Metrics) uint64 { return m.probeFailures.Load() }),
	counter("link_errors_total", "Transport write and connect failures.", func(m *Metrics) uint64 { return m.linkErrors.Load() }),
	{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "peers_connected"), "Peers currently connected and verified.", nil, nil),
		kind:  prometheus.GaugeValue,
		value: func(m *Metrics) float64 { return float64(m.peersConnected.Load()) },
	},
}

var _ prometheus.Collector = (*Metrics)(nil)

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, d := range descs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.kind, d.value(m))
	}
}
