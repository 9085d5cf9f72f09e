// Package controls maintains one editor state machine per mounted control:
// a (connection, device, property) triple. It wires each editor's send path
// to the transport's device-command topic and feeds it device-state changes
// from the store.
package controls

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/clock"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/editor"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/protocol"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/store"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/transport"
)

// ErrNoSuchControl is returned when operating on a control that was never
// acquired.
var ErrNoSuchControl = errors.New("no such control")

// Key identifies one editable device property.
type Key struct {
	Conn     int    `json:"conn"`
	Device   string `json:"device"`
	Property string `json:"property"`
}

// AcquireOptions tune a newly created editor.
type AcquireOptions struct {
	Batched bool
	Equals  editor.EqualFunc
}

// State is the full observable state of one control.
type State struct {
	Key          Key             `json:"key"`
	Snapshot     editor.Snapshot `json:"snapshot"`
	Editing      bool            `json:"editing"`
	LocalChange  bool            `json:"local_change"`
	Reading      bool            `json:"reading"`
	ReadTimedOut bool            `json:"read_timed_out"`
	RangeClass   string          `json:"range_class"`
	ToggleClass  string          `json:"toggle_class"`
	InputClass   string          `json:"input_class"`
}

type entry struct {
	editor  *editor.Editor
	readCtx *editor.ReadContext
}

// Manager is the control registry.
type Manager struct {
	log       zerolog.Logger
	clock     clock.Clock
	transport *transport.Manager
	store     *store.Store

	mu      sync.Mutex
	entries map[Key]*entry
}

// NewManager creates the registry and subscribes it to device-state changes.
func NewManager(t *transport.Manager, s *store.Store, clk clock.Clock, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	m := &Manager{
		log:       logger.With().Str("component", "controls").Logger(),
		clock:     clk,
		transport: t,
		store:     s,
		entries:   make(map[Key]*entry),
	}
	s.OnDeviceState(m.dispatch)
	return m
}

// Acquire returns the editor for a control, creating it on first use. The
// editor is seeded with the device's cached value when one exists.
func (m *Manager) Acquire(key Key, opts AcquireOptions) *editor.Editor {
	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		m.mu.Unlock()
		return e.editor
	}

	readCtx := editor.NewReadContext(m.clock)
	ed := editor.New(editor.Options{
		Send: func(value any) error {
			return m.transport.SendMessage(key.Conn, protocol.SetTopic(key.Device), map[string]any{key.Property: value})
		},
		Equals:      opts.Equals,
		Batched:     opts.Batched,
		Clock:       m.clock,
		ReadContext: readCtx,
	})
	m.entries[key] = &entry{editor: ed, readCtx: readCtx}
	m.mu.Unlock()

	if state := m.store.Device(key.Conn, key.Device); state != nil {
		if v, ok := state[key.Property]; ok {
			ed.SetDeviceValue(v)
		}
	}
	return ed
}

// Release discards the editor for a control (the control unmounted).
func (m *Manager) Release(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Submit offers a value to a control's editor.
func (m *Manager) Submit(key Key, value any) (bool, error) {
	e, ok := m.get(key)
	if !ok {
		return false, ErrNoSuchControl
	}
	return e.editor.Submit(value), nil
}

// Retry triggers the retry affordance of a control.
func (m *Manager) Retry(key Key) error {
	e, ok := m.get(key)
	if !ok {
		return ErrNoSuchControl
	}
	e.readCtx.Retry()
	return nil
}

// Read starts an explicit device read for a control, time-boxed by the
// shared read context.
func (m *Manager) Read(key Key) error {
	e, ok := m.get(key)
	if !ok {
		return ErrNoSuchControl
	}
	e.readCtx.BeginRead()
	return m.transport.SendMessage(key.Conn, protocol.GetTopic(key.Device), map[string]any{key.Property: ""})
}

// ResetDevice forces every control bound to a device back to idle. Used
// when the device identity behind mounted controls changes.
func (m *Manager) ResetDevice(connIndex int, deviceTopic string) {
	m.mu.Lock()
	var reset []*entry
	for key, e := range m.entries {
		if key.Conn == connIndex && key.Device == deviceTopic {
			reset = append(reset, e)
		}
	}
	m.mu.Unlock()
	for _, e := range reset {
		e.editor.Reset()
	}
}

// State returns the observable state of one control.
func (m *Manager) State(key Key) (State, error) {
	e, ok := m.get(key)
	if !ok {
		return State{}, ErrNoSuchControl
	}
	ed := e.editor
	return State{
		Key:          key,
		Snapshot:     ed.Snapshot(),
		Editing:      ed.IsEditing(),
		LocalChange:  ed.HasLocalChange(),
		Reading:      e.readCtx.Reading(),
		ReadTimedOut: e.readCtx.ReadTimedOut(),
		RangeClass:   ed.RangeClass(),
		ToggleClass:  ed.ToggleClass(),
		InputClass:   ed.InputClass(),
	}, nil
}

func (m *Manager) get(key Key) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

// dispatch routes merged device-state changes to the editors bound to that
// device. A fresh state for a control's property both updates the machine
// and completes any in-progress read cycle.
func (m *Manager) dispatch(connIndex int, deviceTopic string, state store.DeviceState) {
	m.mu.Lock()
	type target struct {
		e     *entry
		value any
	}
	var targets []target
	for key, e := range m.entries {
		if key.Conn != connIndex || key.Device != deviceTopic {
			continue
		}
		if v, ok := state[key.Property]; ok {
			targets = append(targets, target{e: e, value: v})
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		t.e.editor.SetDeviceValue(t.value)
		t.e.readCtx.CompleteRead()
	}
}
