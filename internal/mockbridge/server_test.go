package mockbridge

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/protocol"
)

func dialMock(t *testing.T) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(zerolog.Nop()).RegisterRoutes(r.Group("/mock"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mock/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return env
}

// awaitTopic reads frames until one matches the topic, failing after a bound.
func awaitTopic(t *testing.T, ws *websocket.Conn, topic string) protocol.Envelope {
	t.Helper()
	for i := 0; i < 100; i++ {
		env := readEnvelope(t, ws)
		if env.Topic == topic {
			return env
		}
	}
	t.Fatalf("topic %q never arrived", topic)
	return protocol.Envelope{}
}

func send(t *testing.T, ws *websocket.Conn, topic string, payload any) {
	t.Helper()
	frame, err := protocol.Marshal(topic, payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestInitialStateReplay(t *testing.T) {
	ws := dialMock(t)

	first := readEnvelope(t, ws)
	if first.Topic != "bridge/state" {
		t.Errorf("first frame = %q, want bridge/state", first.Topic)
	}

	env := awaitTopic(t, ws, "bridge/devices")
	var devices []map[string]any
	if err := json.Unmarshal(env.Payload, &devices); err != nil {
		t.Fatalf("unmarshal devices: %v", err)
	}
	if len(devices) != 3 {
		t.Errorf("canned devices = %d, want 3", len(devices))
	}

	env = awaitTopic(t, ws, "living_room/bulb")
	var state map[string]any
	json.Unmarshal(env.Payload, &state)
	if state["brightness"] != float64(128) {
		t.Errorf("initial brightness = %v", state["brightness"])
	}
}

func TestSetEchoesMergedState(t *testing.T) {
	ws := dialMock(t)
	awaitTopic(t, ws, "living_room/bulb")

	send(t, ws, "living_room/bulb/set", map[string]any{"brightness": float64(200)})

	env := awaitTopic(t, ws, "living_room/bulb")
	var state map[string]any
	json.Unmarshal(env.Payload, &state)
	if state["brightness"] != float64(200) {
		t.Errorf("brightness = %v", state["brightness"])
	}
	if state["state"] != "ON" {
		t.Error("untouched keys must be echoed back in the merged state")
	}
}

func TestSetClampsBrightness(t *testing.T) {
	ws := dialMock(t)
	awaitTopic(t, ws, "living_room/bulb")

	send(t, ws, "living_room/bulb/set", map[string]any{"brightness": float64(400)})

	env := awaitTopic(t, ws, "living_room/bulb")
	var state map[string]any
	json.Unmarshal(env.Payload, &state)
	if state["brightness"] != float64(254) {
		t.Errorf("brightness = %v, want clamped 254", state["brightness"])
	}
}

func TestSetWithTransactionAnswersDeviceResponse(t *testing.T) {
	ws := dialMock(t)
	awaitTopic(t, ws, "living_room/bulb")

	send(t, ws, "living_room/bulb/set", map[string]any{
		"brightness":            float64(90),
		protocol.TransactionKey: "dev-7",
	})

	env := awaitTopic(t, ws, "living_room/bulb/response/set")
	var resp protocol.Response
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Transaction != "dev-7" || !resp.OK() {
		t.Errorf("resp = %+v", resp)
	}

	// The transaction field is bookkeeping, never device state.
	send(t, ws, "living_room/bulb/get", map[string]any{
		protocol.TransactionKey: "dev-8",
	})
	stateEnv := awaitTopic(t, ws, "living_room/bulb")
	var state map[string]any
	json.Unmarshal(stateEnv.Payload, &state)
	if _, ok := state[protocol.TransactionKey]; ok {
		t.Error("transaction leaked into the device state")
	}
	if state["brightness"] != float64(90) {
		t.Errorf("brightness = %v", state["brightness"])
	}

	env = awaitTopic(t, ws, "living_room/bulb/response/get")
	json.Unmarshal(env.Payload, &resp)
	if resp.Transaction != "dev-8" {
		t.Errorf("get response = %+v", resp)
	}
}

func TestGetRepliesWithState(t *testing.T) {
	ws := dialMock(t)
	awaitTopic(t, ws, "kitchen/plug")

	send(t, ws, "kitchen/plug/get", map[string]any{"state": ""})

	env := awaitTopic(t, ws, "kitchen/plug")
	var state map[string]any
	json.Unmarshal(env.Payload, &state)
	if state["state"] != "OFF" {
		t.Errorf("state = %v", state["state"])
	}
}

func TestRequestEchoesTransaction(t *testing.T) {
	ws := dialMock(t)
	awaitTopic(t, ws, "bridge/devices")

	send(t, ws, "bridge/request/permit_join", map[string]any{
		"time":                  60,
		protocol.TransactionKey: "test-42",
	})

	env := awaitTopic(t, ws, "bridge/response/permit_join")
	var resp protocol.Response
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Transaction != "test-42" {
		t.Errorf("transaction = %q", resp.Transaction)
	}
	if !resp.OK() {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestUnknownRequestAnswersError(t *testing.T) {
	ws := dialMock(t)
	awaitTopic(t, ws, "bridge/devices")

	send(t, ws, "bridge/request/does_not_exist", map[string]any{
		protocol.TransactionKey: "test-1",
	})

	env := awaitTopic(t, ws, "bridge/response/does_not_exist")
	var resp protocol.Response
	json.Unmarshal(env.Payload, &resp)
	if resp.OK() || resp.Transaction != "test-1" {
		t.Errorf("resp = %+v", resp)
	}
}
