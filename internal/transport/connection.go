package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/clock"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/config"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/protocol"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/store"
	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/token"
)

// Connection is the state for one configured endpoint. Exactly one exists
// per endpoint; connections are never merged or shared.
type Connection struct {
	index    int
	endpoint config.Endpoint

	log      zerolog.Logger
	clock    clock.Clock
	store    *store.Store
	notifier *store.Notifier
	creds    CredentialSource
	dial     DialFunc

	proxyMode   bool
	proxyOrigin string

	mu         sync.Mutex
	ws         Wire
	closed     bool // teardown in progress, never reconnect
	attempts   int
	retryTimer clock.Timer

	txPrefix  string
	txCounter uint64
	pending   map[string]*pendingRequest

	devQueue   []store.DeviceUpdate
	logQueue   []protocol.LogEntry
	flushTimer clock.Timer

	metrics      store.Metrics
	metricsDirty bool
}

type requestResult struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	topic string
	ch    chan requestResult
	timer clock.Timer
}

func newConnection(m *Manager, index int, ep config.Endpoint, opts Options) *Connection {
	return &Connection{
		index:       index,
		endpoint:    ep,
		log:         m.log.With().Int("conn", index).Str("endpoint", ep.Name).Logger(),
		clock:       m.clock,
		store:       m.store,
		notifier:    m.notifier,
		creds:       m.creds,
		dial:        opts.Dial,
		proxyMode:   opts.ProxyMode,
		proxyOrigin: opts.ProxyOrigin,
		txPrefix:    uuid.NewString()[:8],
		pending:     make(map[string]*pendingRequest),
	}
}

// connect attempts to open the socket. Dial failures funnel into the
// reconnect path; they are never thrown to callers.
func (c *Connection) connect() {
	c.mu.Lock()
	if c.closed || c.ws != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	tok := ""
	if c.creds != nil {
		t, err := c.creds.Token(c.index)
		switch {
		case err == nil:
			tok = t
		case errors.Is(err, token.ErrNoToken):
			if c.endpoint.AuthRequired {
				// Setup suspends until a credential arrives via SetToken.
				c.log.Warn().Msg("authentication required, waiting for token")
				c.notifier.Push(c.index, "", "error", "authentication required")
				return
			}
		default:
			c.log.Error().Err(err).Msg("failed to read token")
		}
	}

	url := buildURL(c.endpoint, c.proxyMode, c.proxyOrigin, tok)
	ws, err := c.dial(url)
	if err != nil {
		c.log.Warn().Err(err).Msg("dial failed")
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.closed || c.ws != nil {
		// A concurrent attempt won the race (or teardown started); the
		// freshly dialed socket must not replace the established one.
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.attempts = 0
	c.mu.Unlock()

	c.store.SetReady(c.index, true)
	c.log.Info().Msg("connected")
	go c.readLoop(ws)
}

func (c *Connection) readLoop(ws Wire) {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		c.handleFrame(frame)
	}
}

// handleFrame parses and dispatches one inbound text frame. Parse failures
// are logged and dropped, never thrown.
func (c *Connection) handleFrame(frame []byte) {
	c.mu.Lock()
	c.metrics.MessagesReceived++
	c.metrics.BytesReceived += int64(len(frame))
	c.metrics.LastMessage = c.clock.Now()
	c.metricsDirty = true
	c.mu.Unlock()

	env, err := protocol.Parse(frame)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		c.scheduleFlush()
		return
	}

	switch {
	case protocol.IsAvailabilityTopic(env.Topic):
		// Availability is routed to state immediately, not queued.
		var avail struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(env.Payload, &avail); err != nil {
			c.log.Warn().Err(err).Str("topic", env.Topic).Msg("bad availability payload")
		} else {
			c.store.SetAvailability(c.index, protocol.AvailabilityDevice(env.Topic), avail.State)
		}
		c.scheduleFlush()

	case protocol.IsBridgeTopic(env.Topic):
		c.handleBridge(env)
		c.scheduleFlush()

	default:
		c.enqueueDevice(env)
	}
}

func (c *Connection) handleBridge(env protocol.Envelope) {
	msg := protocol.DecodeBridge(env.Topic, env.Payload)
	switch msg.Kind {
	case protocol.BridgeUnknown:
		c.log.Debug().Str("topic", env.Topic).Msg("ignoring unrecognized bridge topic")
	case protocol.BridgeResponse:
		c.handleResponse(env.Topic, msg.Response)
	case protocol.BridgeLogging:
		c.enqueueLog(*msg.Log)
	default:
		c.store.ApplyBridge(c.index, msg)
	}
}

// handleResponse resolves a waiting caller if one exists and always raises a
// notification, so unsolicited and late responses are still surfaced.
func (c *Connection) handleResponse(topic string, resp *protocol.Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.Transaction]
	if ok {
		// Remove before resolving so a continuation that synchronously
		// issues another request cannot observe the stale entry.
		delete(c.pending, resp.Transaction)
		p.timer.Stop()
	}
	c.mu.Unlock()

	if ok {
		if resp.OK() {
			p.ch <- requestResult{data: resp.Data}
		} else {
			p.ch <- requestResult{err: fmt.Errorf("request %q failed: %s", p.topic, resp.Error)}
		}
	}

	status := "ok"
	if !resp.OK() {
		status = "error"
	}
	c.notifier.Push(c.index, topic, status, resp.Error)
}

func (c *Connection) enqueueDevice(env protocol.Envelope) {
	var payload map[string]any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.log.Warn().Err(err).Str("topic", env.Topic).Msg("bad device payload")
		c.scheduleFlush()
		return
	}

	c.mu.Lock()
	c.devQueue = append(c.devQueue, store.DeviceUpdate{Topic: env.Topic, Payload: payload})
	full := len(c.devQueue) >= flushHighWater
	c.mu.Unlock()

	if full {
		// Bound worst-case latency under message storms: flush now
		// instead of waiting for the tick.
		c.flush()
		return
	}
	c.scheduleFlush()
}

func (c *Connection) enqueueLog(entry protocol.LogEntry) {
	c.mu.Lock()
	c.logQueue = append(c.logQueue, entry)
	full := len(c.logQueue) >= flushHighWater
	c.mu.Unlock()

	if full {
		c.flush()
		return
	}
	c.scheduleFlush()
}

// scheduleFlush arms the coalescing flush timer if it is not already armed.
func (c *Connection) scheduleFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushTimer != nil || c.closed {
		return
	}
	c.flushTimer = c.clock.AfterFunc(flushTick, c.flush)
}

// flush drains both queues in one splice each (preserving arrival order) and
// pushes dirty metric deltas, then resets the counters.
func (c *Connection) flush() {
	c.mu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	devices := c.devQueue
	c.devQueue = nil
	logs := c.logQueue
	c.logQueue = nil
	var delta store.Metrics
	dirty := c.metricsDirty
	if dirty {
		delta = c.metrics
		c.metrics = store.Metrics{}
		c.metricsDirty = false
	}
	pendingCount := len(c.pending)
	c.mu.Unlock()

	if len(devices) > 0 {
		c.store.ApplyDeviceUpdates(c.index, devices)
	}
	if len(logs) > 0 {
		c.store.AppendLogs(c.index, logs)
	}
	if dirty {
		c.store.AddMetrics(c.index, delta)
	}
	c.store.SetPendingCount(c.index, pendingCount)
}

// send transmits a fire-and-forget device command.
func (c *Connection) send(topic string, payload any) error {
	frame, err := protocol.Marshal(topic, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	if ws == nil || c.closed {
		c.mu.Unlock()
		c.log.Warn().Str("topic", topic).Msg("send while disconnected")
		c.notifier.Push(c.index, topic, "error", "not connected")
		return ErrNotConnected
	}
	err = ws.WriteMessage(websocket.TextMessage, frame)
	if err == nil {
		c.metrics.MessagesSent++
		c.metrics.BytesSent += int64(len(frame))
		c.metricsDirty = true
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("write failed")
		return err
	}
	c.scheduleFlush()
	return nil
}

// request sends a correlated bridge request and waits for the matching
// response, the request window, connection loss or ctx cancellation.
func (c *Connection) request(ctx context.Context, topic string, payload any) (json.RawMessage, error) {
	body, err := protocol.ValidateRequestPayload(payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.ws == nil || c.closed {
		c.mu.Unlock()
		c.notifier.Push(c.index, topic, "error", "not connected")
		return nil, ErrNotConnected
	}
	c.txCounter++
	tx := fmt.Sprintf("%s-%d", c.txPrefix, c.txCounter)
	body[protocol.TransactionKey] = tx

	p := &pendingRequest{topic: topic, ch: make(chan requestResult, 1)}
	p.timer = c.clock.AfterFunc(RequestTimeout, func() { c.expire(tx) })
	c.pending[tx] = p
	c.mu.Unlock()

	if err := c.send(topic, body); err != nil {
		c.mu.Lock()
		if cur, ok := c.pending[tx]; ok && cur == p {
			delete(c.pending, tx)
			p.timer.Stop()
		}
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-p.ch:
		return res.data, res.err
	case <-ctx.Done():
		c.mu.Lock()
		if cur, ok := c.pending[tx]; ok && cur == p {
			delete(c.pending, tx)
			p.timer.Stop()
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// expire removes a timed-out pending entry so a very late response cannot
// resolve a caller that has already moved on.
func (c *Connection) expire(tx string) {
	c.mu.Lock()
	p, ok := c.pending[tx]
	if ok {
		delete(c.pending, tx)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.log.Warn().Str("transaction", tx).Str("topic", p.topic).Msg("request timed out")
	p.ch <- requestResult{err: fmt.Errorf("%w: %s", ErrRequestTimeout, p.topic)}
}

// handleDisconnect runs on any close or error event: all pending requests
// are bulk-rejected with a distinguishing error and a reconnect is scheduled
// unless teardown is in progress.
func (c *Connection) handleDisconnect(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	rejected := c.drainPendingLocked()

	authRequired := false
	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) && closeErr.Code == CloseCodeAuthRequired {
		authRequired = true
	}
	c.metrics.Reconnects++
	c.metricsDirty = true
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.log.Warn().Err(cause).Msg("disconnected")
	for _, p := range rejected {
		p.ch <- requestResult{err: fmt.Errorf("%w: %s", ErrConnectionClosed, p.topic)}
	}
	c.store.SetReady(c.index, false)
	c.store.SetPendingCount(c.index, 0)

	if authRequired && c.creds != nil {
		// Invalidate the cached credential so the next attempt
		// re-prompts for one.
		if err := c.creds.Invalidate(c.index); err != nil {
			c.log.Error().Err(err).Msg("failed to invalidate token")
		}
		c.notifier.Push(c.index, "", "error", "authentication required")
	}

	// No inbound frame will arrive to trigger the next flush, so push the
	// reconnect delta now.
	c.scheduleFlush()
}

func (c *Connection) drainPendingLocked() []*pendingRequest {
	rejected := make([]*pendingRequest, 0, len(c.pending))
	for tx, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, tx)
		rejected = append(rejected, p)
	}
	return rejected
}

func (c *Connection) scheduleReconnectLocked() {
	if c.closed {
		return
	}
	c.attempts++
	if c.attempts > maxReconnectAttempts {
		c.log.Error().Int("attempts", c.attempts-1).Msg("giving up on reconnect")
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = c.clock.AfterFunc(reconnectInterval, c.connect)
}

// resetAttempts clears the backoff state and cancels a scheduled retry, so a
// caller-initiated connect does not race the timer's.
func (c *Connection) resetAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// teardown rejects in-flight requests, cancels timers and closes the socket
// with the teardown close code.
func (c *Connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	rejected := c.drainPendingLocked()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	for _, p := range rejected {
		p.ch <- requestResult{err: fmt.Errorf("%w: %s", ErrDestroyed, p.topic)}
	}
	if ws != nil {
		msg := websocket.FormatCloseMessage(CloseCodeTeardown, "teardown")
		ws.WriteMessage(websocket.CloseMessage, msg)
		ws.Close()
	}
	c.store.SetReady(c.index, false)
	c.store.SetPendingCount(c.index, 0)
}
