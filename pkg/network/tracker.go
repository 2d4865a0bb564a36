package network

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// seenCache remembers the ids of processed messages. Eviction is by recency
// so a cycle longer than the cache can deliver a message twice.
type seenCache struct {
	lru *simplelru.LRU[string, struct{}]
}

func newSeenCache(size int) (*seenCache, error) {
	lru, err := simplelru.NewLRU[string, struct{}](size, nil)
	if err != nil {
		return nil, err
	}
	return &seenCache{lru: lru}, nil
}

// Observe records id and reports whether it was new
func (c *seenCache) Observe(id string) bool {
	if c.lru.Contains(id) {
		c.lru.Get(id)
		return false
	}
	c.lru.Add(id, struct{}{})
	return true
}

func (c *seenCache) Len() int {
	return c.lru.Len()
}

// OutboundKind is what kind of message an outbound record tracks
type OutboundKind string

const (
	OutboundText  OutboundKind = "msg"
	OutboundImage OutboundKind = "img"
)

// OutboundRecord tracks delivery of a message this node authored
type OutboundRecord struct {
	ID          string       `json:"id"`
	Kind        OutboundKind `json:"kind"`
	SentAt      time.Time    `json:"sent_at"`
	Delivered   bool         `json:"delivered"`
	DeliveredAt time.Time    `json:"delivered_at,omitempty"`
}

// ledger is the bounded outbound delivery table. Owned by the event loop.
type ledger struct {
	lru *simplelru.LRU[string, *OutboundRecord]
}

func newLedger(size int) (*ledger, error) {
	lru, err := simplelru.NewLRU[string, *OutboundRecord](size, nil)
	if err != nil {
		return nil, err
	}
	return &ledger{lru: lru}, nil
}

func (l *ledger) Track(id string, kind OutboundKind, at time.Time) {
	l.lru.Add(id, &OutboundRecord{ID: id, Kind: kind, SentAt: at})
}

// Confirm marks id delivered. Returns false when id is unknown or was
// already confirmed.
func (l *ledger) Confirm(id string, at time.Time) bool {
	rec, ok := l.lru.Peek(id)
	if !ok || rec.Delivered {
		return false
	}
	rec.Delivered = true
	rec.DeliveredAt = at
	return true
}

func (l *ledger) Get(id string) (OutboundRecord, bool) {
	rec, ok := l.lru.Peek(id)
	if !ok {
		return OutboundRecord{}, false
	}
	return *rec, true
}

// Pending counts tracked messages still waiting for an ack
func (l *ledger) Pending() int {
	n := 0
	for _, rec := range l.lru.Values() {
		if !rec.Delivered {
			n++
		}
	}
	return n
}

// knownPeers is the bounded set of peers that once reached Connected
type knownPeers struct {
	lru *simplelru.LRU[string, string]
}

func newKnownPeers(size int) (*knownPeers, error) {
	lru, err := simplelru.NewLRU[string, string](size, nil)
	if err != nil {
		return nil, err
	}
	return &knownPeers{lru: lru}, nil
}

func (k *knownPeers) Add(id, name string) {
	k.lru.Add(id, name)
}

func (k *knownPeers) Contains(id string) bool {
	return k.lru.Contains(id)
}

// List returns the known peers, least recently connected first
func (k *knownPeers) List() []KnownPeer {
	keys := k.lru.Keys()
	out := make([]KnownPeer, 0, len(keys))
	for _, id := range keys {
		name, _ := k.lru.Peek(id)
		out = append(out, KnownPeer{ID: id, Name: name})
	}
	return out
}

func (k *knownPeers) Len() int {
	return k.lru.Len()
}
