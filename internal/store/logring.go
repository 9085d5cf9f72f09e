package store

import (
	"sync"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/protocol"
)

// ConnLogEntry is a retained bridge log line tagged with its connection.
type ConnLogEntry struct {
	ConnIndex int    `json:"conn_index"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Namespace string `json:"namespace,omitempty"`
}

// LogRing is a thread-safe bounded log history. When full, the oldest
// entries are discarded to make room for new ones.
type LogRing struct {
	mu       sync.RWMutex
	entries  []ConnLogEntry
	capacity int
}

// NewLogRing creates a LogRing with the given capacity. A non-positive
// capacity defaults to 1.
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogRing{
		entries:  make([]ConnLogEntry, 0, capacity),
		capacity: capacity,
	}
}

// Append adds a batch of log lines, dropping the oldest retained entries
// when the capacity is exceeded.
func (r *LogRing) Append(connIndex int, batch []protocol.LogEntry) {
	if len(batch) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range batch {
		r.entries = append(r.entries, ConnLogEntry{
			ConnIndex: connIndex,
			Level:     e.Level,
			Message:   e.Message,
			Namespace: e.Namespace,
		})
	}
	if len(r.entries) > r.capacity {
		discard := len(r.entries) - r.capacity
		kept := make([]ConnLogEntry, r.capacity)
		copy(kept, r.entries[discard:])
		r.entries = kept
	}
}

// All returns a copy of the retained entries, oldest first.
func (r *LogRing) All() []ConnLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return nil
	}
	out := make([]ConnLogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of retained entries.
func (r *LogRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Cap returns the capacity of the ring.
func (r *LogRing) Cap() int {
	return r.capacity
}

// Clear removes all retained entries.
func (r *LogRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
}
