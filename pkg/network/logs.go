package network

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogLevel classifies entries of the user-facing activity log
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogData    LogLevel = "data"
)

// LogEntry is one line of the activity log
type LogEntry struct {
	Time  time.Time `json:"time"`
	Text  string    `json:"text"`
	Level LogLevel  `json:"level"`
}

// logRing keeps the most recent entries. Safe for concurrent use.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func newLogRing(size int) *logRing {
	return &logRing{entries: make([]LogEntry, size)}
}

func (r *logRing) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the entries oldest first
func (r *logRing) snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]LogEntry(nil), r.entries[:r.next]...)
	}
	out := make([]LogEntry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

// log records a user-facing entry and mirrors it to the structured logger
func (n *Node) log(level LogLevel, text string, fields ...zap.Field) {
	entry := LogEntry{Time: n.clock.Now(), Text: text, Level: level}
	n.logs.add(entry)

	switch level {
	case LogWarning:
		n.logger.Warn(text, fields...)
	case LogError:
		n.logger.Error(text, fields...)
	case LogData:
		n.logger.Debug(text, fields...)
	default:
		n.logger.Info(text, fields...)
	}

	if cb := n.callbacks.OnLog; cb != nil {
		n.notify.Post(func() { cb(entry.Text, entry.Level) })
	}
}
