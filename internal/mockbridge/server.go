// Package mockbridge is a local-development protocol peer: a WebSocket
// server that speaks the bridge wire protocol with canned devices, echoes
// device writes back as state pushes and answers correlated bridge requests.
package mockbridge

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local development only.
		return true
	},
}

// Server holds the canned bridge state and the connected clients.
type Server struct {
	log zerolog.Logger

	mu      sync.Mutex
	devices map[string]map[string]any
	clients map[*client]bool
}

type client struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *client) write(topic string, payload any) error {
	frame, err := protocol.Marshal(topic, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// New creates a mock bridge with a small set of canned devices.
func New(logger zerolog.Logger) *Server {
	return &Server{
		log: logger.With().Str("component", "mockbridge").Logger(),
		devices: map[string]map[string]any{
			"living_room/bulb": {
				"state":      "ON",
				"brightness": float64(128),
				"color_temp": float64(300),
			},
			"kitchen/plug": {
				"state": "OFF",
				"power": float64(0),
			},
			"bedroom/sensor": {
				"temperature": 21.5,
				"humidity":    float64(40),
				"battery":     float64(93),
			},
		},
		clients: make(map[*client]bool),
	}
}

// RegisterRoutes mounts the WebSocket endpoint on a Gin router group.
func (s *Server) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", func(c *gin.Context) {
		s.handleConnection(c.Writer, c.Request)
	})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	cl := &client{ws: ws}

	s.mu.Lock()
	s.clients[cl] = true
	s.mu.Unlock()

	s.sendInitialState(cl)
	go s.readLoop(cl)
}

// sendInitialState replays the full canned state to a new client, the way a
// bridge does on connect.
func (s *Server) sendInitialState(cl *client) {
	cl.write("bridge/state", map[string]any{"state": "online"})
	cl.write("bridge/info", map[string]any{
		"version":          "mock",
		"coordinator":      map[string]any{"type": "mock", "ieee_address": "0x00124b0000000000"},
		"permit_join":      false,
		"log_level":        "info",
		"restart_required": false,
	})

	s.mu.Lock()
	deviceList := make([]map[string]any, 0, len(s.devices))
	for topic := range s.devices {
		deviceList = append(deviceList, map[string]any{
			"friendly_name": topic,
			"supported":     true,
			"disabled":      false,
		})
	}
	states := make(map[string]map[string]any, len(s.devices))
	for topic, state := range s.devices {
		snap := make(map[string]any, len(state))
		for k, v := range state {
			snap[k] = v
		}
		states[topic] = snap
	}
	s.mu.Unlock()

	cl.write("bridge/devices", deviceList)
	cl.write("bridge/groups", []any{})
	for topic, state := range states {
		cl.write(topic+protocol.AvailabilitySuffix, map[string]any{"state": "online"})
		cl.write(topic, state)
	}
}

func (s *Server) readLoop(cl *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, cl)
		s.mu.Unlock()
		cl.ws.Close()
	}()

	for {
		_, frame, err := cl.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.handleMessage(cl, env)
	}
}

func (s *Server) handleMessage(cl *client, env protocol.Envelope) {
	switch {
	case protocol.IsRequestTopic(env.Topic):
		s.handleRequest(cl, env)
	case strings.HasSuffix(env.Topic, "/set"):
		s.handleSet(cl, strings.TrimSuffix(env.Topic, "/set"), env.Payload)
	case strings.HasSuffix(env.Topic, "/get"):
		s.handleGet(cl, strings.TrimSuffix(env.Topic, "/get"), env.Payload)
	default:
		s.log.Debug().Str("topic", env.Topic).Msg("ignoring message")
	}
}

// handleSet merges a device write and pushes the resulting state to every
// client. Brightness is clamped to the Zigbee maximum, which makes
// out-of-range writes produce genuine conflict outcomes in the UI. A write
// carrying a transaction field is additionally acknowledged on the device
// response topic.
func (s *Server) handleSet(cl *client, deviceTopic string, payload json.RawMessage) {
	var patch map[string]any
	if err := json.Unmarshal(payload, &patch); err != nil {
		s.log.Warn().Err(err).Str("device", deviceTopic).Msg("bad set payload")
		return
	}
	tx, _ := patch[protocol.TransactionKey].(string)
	delete(patch, protocol.TransactionKey)

	s.mu.Lock()
	state, ok := s.devices[deviceTopic]
	if !ok {
		s.mu.Unlock()
		s.log.Warn().Str("device", deviceTopic).Msg("set for unknown device")
		return
	}
	for k, v := range patch {
		if k == "brightness" {
			if b, ok := v.(float64); ok && b > 254 {
				v = float64(254)
			}
		}
		state[k] = v
	}
	snap := make(map[string]any, len(state))
	for k, v := range state {
		snap[k] = v
	}
	s.mu.Unlock()

	s.broadcast(deviceTopic, snap)
	s.broadcast("bridge/logging", map[string]any{
		"level":   "info",
		"message": "MQTT publish: topic '" + deviceTopic + "'",
	})
	if tx != "" {
		cl.write(protocol.DeviceResponseTopic(deviceTopic+"/set"), map[string]any{
			"status":                "ok",
			protocol.TransactionKey: tx,
		})
	}
}

func (s *Server) handleGet(cl *client, deviceTopic string, payload json.RawMessage) {
	var body map[string]any
	json.Unmarshal(payload, &body)
	tx, _ := body[protocol.TransactionKey].(string)

	s.mu.Lock()
	state, ok := s.devices[deviceTopic]
	var snap map[string]any
	if ok {
		snap = make(map[string]any, len(state))
		for k, v := range state {
			snap[k] = v
		}
	}
	s.mu.Unlock()

	if snap != nil {
		cl.write(deviceTopic, snap)
		if tx != "" {
			cl.write(protocol.DeviceResponseTopic(deviceTopic+"/get"), map[string]any{
				"status":                "ok",
				protocol.TransactionKey: tx,
			})
		}
	}
}

// handleRequest answers a correlated bridge request, echoing the transaction
// back on the matching response topic.
func (s *Server) handleRequest(cl *client, env protocol.Envelope) {
	var body map[string]any
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		s.log.Warn().Err(err).Str("topic", env.Topic).Msg("bad request payload")
		return
	}
	tx, _ := body[protocol.TransactionKey].(string)

	resp := map[string]any{
		"status":                "ok",
		"data":                  s.requestData(env.Topic),
		protocol.TransactionKey: tx,
	}
	if resp["data"] == nil {
		resp["status"] = "error"
		resp["error"] = "unknown request: " + env.Topic
		resp["data"] = map[string]any{}
	}
	cl.write(protocol.ResponseTopic(env.Topic), resp)
}

func (s *Server) requestData(topic string) any {
	switch strings.TrimPrefix(topic, protocol.RequestPrefix) {
	case "networkmap":
		return map[string]any{
			"type":  "raw",
			"value": map[string]any{"nodes": []any{}, "links": []any{}},
		}
	case "permit_join":
		return map[string]any{"time": 254}
	case "backup":
		return map[string]any{"zip": ""}
	case "restart", "health_check", "options":
		return map[string]any{}
	default:
		return nil
	}
}

func (s *Server) broadcast(topic string, payload any) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		clients = append(clients, cl)
	}
	s.mu.Unlock()

	for _, cl := range clients {
		if err := cl.write(topic, payload); err != nil {
			s.log.Warn().Err(err).Msg("broadcast write failed")
		}
	}
}
