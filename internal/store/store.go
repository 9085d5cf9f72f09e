// Package store holds the application state fed by the transport layer and
// consumed by the HTTP API: merged device states, availability, bridge
// aggregates, connection health and the notification feed.
package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/protocol"
)

// DeviceState is the cached state of one device, merged from pushes.
type DeviceState map[string]any

// Metrics is a per-connection counter snapshot. The transport accumulates
// deltas and pushes them here on its flush cadence; the store keeps the
// running totals.
type Metrics struct {
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
	BytesSent        int64     `json:"bytes_sent"`
	BytesReceived    int64     `json:"bytes_received"`
	Reconnects       int64     `json:"reconnects"`
	LastMessage      time.Time `json:"last_message"`
}

// ConnectionStatus is the observable health of one backend connection.
type ConnectionStatus struct {
	Index        int     `json:"index"`
	Ready        bool    `json:"ready"`
	PendingCount int     `json:"pending_count"`
	Metrics      Metrics `json:"metrics"`
}

// BridgeState aggregates the bridge-control messages of one connection.
type BridgeState struct {
	Devices     json.RawMessage `json:"devices,omitempty"`
	Groups      json.RawMessage `json:"groups,omitempty"`
	Info        json.RawMessage `json:"info,omitempty"`
	Health      json.RawMessage `json:"health,omitempty"`
	Definitions json.RawMessage `json:"definitions,omitempty"`
	Extensions  json.RawMessage `json:"extensions,omitempty"`
	Converters  json.RawMessage `json:"converters,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
}

// DeviceUpdate is one queued device-state push.
type DeviceUpdate struct {
	Topic   string
	Payload map[string]any
}

// DeviceStateFunc observes merged device-state changes. Called synchronously
// from the transport flush, in arrival order.
type DeviceStateFunc func(connIndex int, deviceTopic string, state DeviceState)

// Store coordinates concurrent access to the application state.
type Store struct {
	mu           sync.RWMutex
	devices      map[int]map[string]DeviceState
	availability map[int]map[string]string
	bridge       map[int]*BridgeState
	conns        map[int]*ConnectionStatus
	logs         *LogRing

	watchMu  sync.RWMutex
	watchers []DeviceStateFunc
}

// New creates an empty Store with the given log history capacity.
func New(logCapacity int) *Store {
	return &Store{
		devices:      make(map[int]map[string]DeviceState),
		availability: make(map[int]map[string]string),
		bridge:       make(map[int]*BridgeState),
		conns:        make(map[int]*ConnectionStatus),
		logs:         NewLogRing(logCapacity),
	}
}

// OnDeviceState registers a watcher for merged device-state changes.
func (s *Store) OnDeviceState(fn DeviceStateFunc) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// ApplyDeviceUpdates merges a batch of device-state pushes for one
// connection, preserving arrival order, and notifies watchers per device
// update. Pushes are merged into the cached state, not replacing it.
func (s *Store) ApplyDeviceUpdates(connIndex int, updates []DeviceUpdate) {
	if len(updates) == 0 {
		return
	}

	type change struct {
		topic string
		state DeviceState
	}
	changes := make([]change, 0, len(updates))

	s.mu.Lock()
	byTopic, ok := s.devices[connIndex]
	if !ok {
		byTopic = make(map[string]DeviceState)
		s.devices[connIndex] = byTopic
	}
	for _, u := range updates {
		state, ok := byTopic[u.Topic]
		if !ok {
			state = make(DeviceState, len(u.Payload))
			byTopic[u.Topic] = state
		}
		for k, v := range u.Payload {
			state[k] = v
		}
		snap := make(DeviceState, len(state))
		for k, v := range state {
			snap[k] = v
		}
		changes = append(changes, change{topic: u.Topic, state: snap})
	}
	s.mu.Unlock()

	s.watchMu.RLock()
	watchers := s.watchers
	s.watchMu.RUnlock()
	for _, c := range changes {
		for _, fn := range watchers {
			fn(connIndex, c.topic, c.state)
		}
	}
}

// Device returns a copy of the cached state for one device, or nil.
func (s *Store) Device(connIndex int, deviceTopic string) DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.devices[connIndex][deviceTopic]
	if !ok {
		return nil
	}
	snap := make(DeviceState, len(state))
	for k, v := range state {
		snap[k] = v
	}
	return snap
}

// Devices returns a copy of all cached device states for one connection.
func (s *Store) Devices(connIndex int) map[string]DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]DeviceState, len(s.devices[connIndex]))
	for topic, state := range s.devices[connIndex] {
		snap := make(DeviceState, len(state))
		for k, v := range state {
			snap[k] = v
		}
		out[topic] = snap
	}
	return out
}

// SetAvailability records a per-device availability push.
func (s *Store) SetAvailability(connIndex int, deviceTopic, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTopic, ok := s.availability[connIndex]
	if !ok {
		byTopic = make(map[string]string)
		s.availability[connIndex] = byTopic
	}
	byTopic[deviceTopic] = state
}

// Availability returns a copy of the availability map for one connection.
func (s *Store) Availability(connIndex int) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.availability[connIndex]))
	for k, v := range s.availability[connIndex] {
		out[k] = v
	}
	return out
}

// ApplyBridge routes a decoded bridge-control message into the aggregates.
// Unknown variants are dropped.
func (s *Store) ApplyBridge(connIndex int, msg protocol.BridgeMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bridge[connIndex]
	if !ok {
		b = &BridgeState{}
		s.bridge[connIndex] = b
	}
	switch msg.Kind {
	case protocol.BridgeDevices:
		b.Devices = msg.Payload
	case protocol.BridgeGroups:
		b.Groups = msg.Payload
	case protocol.BridgeInfo:
		b.Info = msg.Payload
	case protocol.BridgeHealth:
		b.Health = msg.Payload
	case protocol.BridgeDefinitions:
		b.Definitions = msg.Payload
	case protocol.BridgeExtensions:
		b.Extensions = msg.Payload
	case protocol.BridgeConverters:
		b.Converters = msg.Payload
	case protocol.BridgeState:
		b.State = msg.Payload
	}
}

// Bridge returns the bridge aggregates for one connection.
func (s *Store) Bridge(connIndex int) BridgeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bridge[connIndex]
	if !ok {
		return BridgeState{}
	}
	return *b
}

// AppendLogs adds a batch of bridge log lines to the bounded history.
func (s *Store) AppendLogs(connIndex int, entries []protocol.LogEntry) {
	s.logs.Append(connIndex, entries)
}

// Logs returns the retained log history, oldest first.
func (s *Store) Logs() []ConnLogEntry {
	return s.logs.All()
}

// SetReady updates the ready-state of one connection.
func (s *Store) SetReady(connIndex int, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connLocked(connIndex).Ready = ready
}

// SetPendingCount updates the pending correlated-request count.
func (s *Store) SetPendingCount(connIndex, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connLocked(connIndex).PendingCount = count
}

// AddMetrics folds a delta snapshot into the running totals for one
// connection. LastMessage replaces the previous value when set.
func (s *Store) AddMetrics(connIndex int, delta Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &s.connLocked(connIndex).Metrics
	m.MessagesSent += delta.MessagesSent
	m.MessagesReceived += delta.MessagesReceived
	m.BytesSent += delta.BytesSent
	m.BytesReceived += delta.BytesReceived
	m.Reconnects += delta.Reconnects
	if !delta.LastMessage.IsZero() {
		m.LastMessage = delta.LastMessage
	}
}

// Connections returns a snapshot of every connection's status, ordered by
// index.
func (s *Store) Connections() []ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConnectionStatus, 0, len(s.conns))
	for i := 0; i < len(s.conns); i++ {
		if c, ok := s.conns[i]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// Connection returns the status snapshot for one connection.
func (s *Store) Connection(connIndex int) ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conns[connIndex]; ok {
		return *c
	}
	return ConnectionStatus{Index: connIndex}
}

func (s *Store) connLocked(connIndex int) *ConnectionStatus {
	c, ok := s.conns[connIndex]
	if !ok {
		c = &ConnectionStatus{Index: connIndex}
		s.conns[connIndex] = c
	}
	return c
}
