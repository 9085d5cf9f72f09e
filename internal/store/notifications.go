package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification surfaces the outcome of a completed correlated request to the
// user, whether or not a caller was still waiting for it.
type Notification struct {
	ID        string    `json:"id"`
	ConnIndex int       `json:"conn_index"`
	Topic     string    `json:"topic"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// NotifyFunc observes notifications as they are pushed.
type NotifyFunc func(n Notification)

// Notifier keeps a bounded feed of recent notifications and fans them out to
// subscribers.
type Notifier struct {
	mu       sync.RWMutex
	recent   []Notification
	capacity int
	subs     []NotifyFunc
}

// NewNotifier creates a Notifier retaining up to capacity notifications.
func NewNotifier(capacity int) *Notifier {
	if capacity <= 0 {
		capacity = 1
	}
	return &Notifier{capacity: capacity}
}

// Subscribe registers a callback invoked synchronously on every push.
func (n *Notifier) Subscribe(fn NotifyFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

// Push records a notification and fans it out.
func (n *Notifier) Push(connIndex int, topic, status, errMsg string) Notification {
	note := Notification{
		ID:        uuid.New().String(),
		ConnIndex: connIndex,
		Topic:     topic,
		Status:    status,
		Error:     errMsg,
		Time:      time.Now(),
	}

	n.mu.Lock()
	n.recent = append(n.recent, note)
	if len(n.recent) > n.capacity {
		n.recent = n.recent[len(n.recent)-n.capacity:]
	}
	subs := n.subs
	n.mu.Unlock()

	for _, fn := range subs {
		fn(note)
	}
	return note
}

// Recent returns a copy of the retained notifications, oldest first.
func (n *Notifier) Recent() []Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Notification, len(n.recent))
	copy(out, n.recent)
	return out
}
