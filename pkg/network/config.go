package network

import (
	"fmt"
	"time"

	"github.com/krol69/MeshLink/pkg/fragment"
	"github.com/krol69/MeshLink/pkg/protocol"
)

// Config holds the tunables of a mesh node
type Config struct {
	// Display name written into the sender/originId fields
	Name string

	// Hop budget of messages this node authors
	TTL int

	SeenCacheSize      int
	KnownPeersSize     int
	OutboundLedgerSize int
	LogHistory         int

	// Auto-connect to advertising peers while fewer than MaxPeers are active
	AutoConnect bool
	MaxPeers    int

	ConnectTimeout    time.Duration
	ProbeTimeout      time.Duration
	ReconnectInterval time.Duration
	DiscoveryTTL      time.Duration // an advertisement older than this no longer counts as in range

	TypingThrottle time.Duration
	TypingExpiry   time.Duration

	ChunkSize     int           // base64 characters per fragment
	ChunkInterval time.Duration // pause between fragments of one frame

	MaxImageSize     int
	MaxThumbnailSize int

	// Frames queued per peer writer before new ones are dropped
	WriteQueueSize int

	Burst    fragment.BurstConfig
	Assembly fragment.AssemblerConfig
}

// DefaultConfig returns the settings of the reference application
func DefaultConfig() *Config {
	return &Config{
		Name:               "meshlink",
		TTL:                protocol.DefaultTTL,
		SeenCacheSize:      500,
		KnownPeersSize:     32,
		OutboundLedgerSize: 300,
		LogHistory:         200,
		AutoConnect:        true,
		MaxPeers:           5,
		ConnectTimeout:     10 * time.Second,
		ProbeTimeout:       5 * time.Second,
		ReconnectInterval:  30 * time.Second,
		DiscoveryTTL:       60 * time.Second,
		TypingThrottle:     2 * time.Second,
		TypingExpiry:       3 * time.Second,
		ChunkSize:          fragment.DefaultChunkSize,
		ChunkInterval:      50 * time.Millisecond,
		MaxImageSize:       50_000,
		MaxThumbnailSize:   2_000,
		WriteQueueSize:     64,
		Burst:              fragment.DefaultBurstConfig(),
		Assembly:           fragment.DefaultAssemblerConfig(),
	}
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	case c.TTL < 0 || c.TTL > protocol.MaxTTL:
		return fmt.Errorf("%w: ttl must be in [0, %d]", ErrInvalidConfig, protocol.MaxTTL)
	case c.SeenCacheSize <= 0, c.KnownPeersSize <= 0, c.OutboundLedgerSize <= 0, c.LogHistory <= 0:
		return fmt.Errorf("%w: cache sizes must be positive", ErrInvalidConfig)
	case c.MaxPeers <= 0:
		return fmt.Errorf("%w: max peers must be positive", ErrInvalidConfig)
	case c.ConnectTimeout <= 0, c.ProbeTimeout <= 0, c.ReconnectInterval <= 0, c.TypingExpiry <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidConfig)
	case c.ChunkInterval < 0 || c.TypingThrottle < 0 || c.DiscoveryTTL < 0:
		return fmt.Errorf("%w: intervals must not be negative", ErrInvalidConfig)
	case c.MaxImageSize <= 0 || c.MaxThumbnailSize < 0:
		return fmt.Errorf("%w: image limits must be positive", ErrInvalidConfig)
	case c.WriteQueueSize <= 0:
		return fmt.Errorf("%w: write queue size must be positive", ErrInvalidConfig)
	}
	return nil
}
