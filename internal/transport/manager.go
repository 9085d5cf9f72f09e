// Package transport maintains one persistent WebSocket connection per
// configured backend bridge instance. It frames and correlates outbound
// requests, demultiplexes inbound traffic, batches high-frequency device
// updates into the state store and handles reconnection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/clock"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/config"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/store"
)

const (
	// RequestTimeout bounds every correlated bridge request. Intentionally
	// longer than the editor confirmation timeout: it also covers network
	// and application latency the editor does not wait for.
	RequestTimeout = 20 * time.Second

	// reconnectInterval is the fixed (not exponential) backoff between
	// reconnect attempts.
	reconnectInterval = 5 * time.Second

	// maxReconnectAttempts is the hard ceiling after which the manager
	// stops retrying and surfaces a terminal error log entry.
	maxReconnectAttempts = 10

	// flushTick coalesces rapid inbound messages into one store update.
	flushTick = 16 * time.Millisecond

	// flushHighWater forces an immediate flush once a queue accumulates
	// this many items within a single tick.
	flushHighWater = 500

	// CloseCodeTeardown distinguishes an intentional local close so the
	// close handler does not attempt to reconnect.
	CloseCodeTeardown = 4001

	// CloseCodeAuthRequired signals that the backend rejected the
	// credential; the cached token is invalidated on receipt.
	CloseCodeAuthRequired = 4401
)

var (
	// ErrNotConnected is returned when a send is attempted while the
	// socket is not open.
	ErrNotConnected = errors.New("not connected")

	// ErrRequestTimeout is returned when no response arrived within the
	// request window.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionClosed is returned to all pending requests when the
	// connection is lost.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrDestroyed is returned to all pending requests on manager
	// teardown.
	ErrDestroyed = errors.New("transport destroyed")

	// ErrNoSuchConnection is returned for an out-of-range connection
	// index.
	ErrNoSuchConnection = errors.New("no such connection")
)

// Wire is the minimal duplex connection surface the transport needs. It is
// satisfied by *websocket.Conn and by test fakes.
type Wire interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a Wire to the given URL.
type DialFunc func(url string) (Wire, error)

// CredentialSource provides, stores and invalidates per-endpoint auth
// tokens.
type CredentialSource interface {
	Token(endpointIndex int) (string, error)
	Set(endpointIndex int, token string) error
	Invalidate(endpointIndex int) error
}

// Options configures Bootstrap.
type Options struct {
	Endpoints   []config.Endpoint
	ProxyMode   bool
	ProxyOrigin string
	Store       *store.Store
	Notifier    *store.Notifier
	Credentials CredentialSource
	Clock       clock.Clock
	Logger      zerolog.Logger
	Dial        DialFunc
}

// Manager owns one Connection per configured endpoint. It must be created
// through Bootstrap and torn down through Destroy before re-bootstrapping.
type Manager struct {
	log      zerolog.Logger
	clock    clock.Clock
	store    *store.Store
	notifier *store.Notifier
	creds    CredentialSource
	conns    []*Connection
}

// Bootstrap creates the manager and immediately begins connecting every
// configured endpoint.
func Bootstrap(opts Options) (*Manager, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}
	if opts.Store == nil || opts.Notifier == nil {
		return nil, errors.New("store and notifier are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Dial == nil {
		opts.Dial = dialWebSocket
	}

	m := &Manager{
		log:      opts.Logger.With().Str("component", "transport").Logger(),
		clock:    opts.Clock,
		store:    opts.Store,
		notifier: opts.Notifier,
		creds:    opts.Credentials,
	}
	for i, ep := range opts.Endpoints {
		c := newConnection(m, i, ep, opts)
		m.conns = append(m.conns, c)
		m.store.SetReady(i, false)
	}
	for _, c := range m.conns {
		go c.connect()
	}
	return m, nil
}

// SendMessage sends a fire-and-forget device command. It fails immediately
// (never drops silently) when the socket is not open; the failure is also
// surfaced as a notification to the issuer.
func (m *Manager) SendMessage(connIndex int, topic string, payload any) error {
	c, err := m.connection(connIndex)
	if err != nil {
		return err
	}
	return c.send(topic, payload)
}

// Request sends a correlated bridge request and blocks until the matching
// response arrives, the request window elapses, the connection is lost, or
// ctx is done.
func (m *Manager) Request(ctx context.Context, connIndex int, topic string, payload any) (json.RawMessage, error) {
	c, err := m.connection(connIndex)
	if err != nil {
		return nil, err
	}
	return c.request(ctx, topic, payload)
}

// SetToken stores a credential for an endpoint and retries the connection,
// resuming a setup that was suspended waiting for one.
func (m *Manager) SetToken(connIndex int, tok string) error {
	c, err := m.connection(connIndex)
	if err != nil {
		return err
	}
	if m.creds != nil {
		if err := m.creds.Set(connIndex, tok); err != nil {
			return err
		}
	}
	c.resetAttempts()
	go c.connect()
	return nil
}

// ConnectionCount returns the number of managed connections.
func (m *Manager) ConnectionCount() int { return len(m.conns) }

// Destroy rejects all in-flight requests, cancels every timer and closes all
// sockets with the teardown close code. The manager must not be used after.
func (m *Manager) Destroy(reason string) {
	m.log.Info().Str("reason", reason).Msg("destroying transport")
	for _, c := range m.conns {
		c.teardown()
	}
}

func (m *Manager) connection(connIndex int) (*Connection, error) {
	if connIndex < 0 || connIndex >= len(m.conns) {
		return nil, ErrNoSuchConnection
	}
	return m.conns[connIndex], nil
}

func dialWebSocket(url string) (Wire, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}
