package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestTopicClassification(t *testing.T) {
	tests := []struct {
		topic        string
		bridge       bool
		request      bool
		response     bool
		availability bool
	}{
		{topic: "bridge/devices", bridge: true},
		{topic: "bridge/request/permit_join", bridge: true, request: true},
		{topic: "bridge/response/permit_join", bridge: true, response: true},
		{topic: "living_room/bulb"},
		{topic: "living_room/bulb/availability", availability: true},
		{topic: "bridge/state", bridge: true},
	}

	for _, tt := range tests {
		if got := IsBridgeTopic(tt.topic); got != tt.bridge {
			t.Errorf("IsBridgeTopic(%q) = %v", tt.topic, got)
		}
		if got := IsRequestTopic(tt.topic); got != tt.request {
			t.Errorf("IsRequestTopic(%q) = %v", tt.topic, got)
		}
		if got := IsResponseTopic(tt.topic); got != tt.response {
			t.Errorf("IsResponseTopic(%q) = %v", tt.topic, got)
		}
		if got := IsAvailabilityTopic(tt.topic); got != tt.availability {
			t.Errorf("IsAvailabilityTopic(%q) = %v", tt.topic, got)
		}
	}
}

func TestTopicMapping(t *testing.T) {
	if got := ResponseTopic("bridge/request/networkmap"); got != "bridge/response/networkmap" {
		t.Errorf("ResponseTopic = %q", got)
	}
	if got := AvailabilityDevice("kitchen/plug/availability"); got != "kitchen/plug" {
		t.Errorf("AvailabilityDevice = %q", got)
	}
	if got := SetTopic("kitchen/plug"); got != "kitchen/plug/set" {
		t.Errorf("SetTopic = %q", got)
	}
	if got := GetTopic("kitchen/plug"); got != "kitchen/plug/get" {
		t.Errorf("GetTopic = %q", got)
	}
	if got := DeviceResponseTopic("kitchen/plug/set"); got != "kitchen/plug/response/set" {
		t.Errorf("DeviceResponseTopic = %q", got)
	}
	if got := DeviceResponseTopic("kitchen/plug/get"); got != "kitchen/plug/response/get" {
		t.Errorf("DeviceResponseTopic = %q", got)
	}
}

func TestValidateRequestPayload(t *testing.T) {
	if m, err := ValidateRequestPayload(""); err != nil || len(m) != 0 {
		t.Errorf("empty-string sentinel: %v %v", m, err)
	}
	if m, err := ValidateRequestPayload(nil); err != nil || len(m) != 0 {
		t.Errorf("nil payload: %v %v", m, err)
	}
	if m, err := ValidateRequestPayload(map[string]any{"time": 60}); err != nil || m["time"] != 60 {
		t.Errorf("keyed object: %v %v", m, err)
	}
	for _, bad := range []any{"nonempty", 42, []int{1}, true} {
		if _, err := ValidateRequestPayload(bad); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("ValidateRequestPayload(%v) = %v, want ErrInvalidPayload", bad, err)
		}
	}

	// The returned map is a copy: mutating it (transaction injection) must
	// not leak into the caller's payload.
	orig := map[string]any{"time": 60}
	m, _ := ValidateRequestPayload(orig)
	m[TransactionKey] = "abc-1"
	if _, ok := orig[TransactionKey]; ok {
		t.Error("validation must copy the payload before injection")
	}
}

func TestMarshalPreservesExplicitNull(t *testing.T) {
	frame, err := Marshal("bulb/set", map[string]any{"color_temp": nil})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(frame), `"color_temp":null`) {
		t.Errorf("explicit null must survive serialization: %s", frame)
	}

	env, err := Parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Topic != "bulb/set" {
		t.Errorf("topic = %q", env.Topic)
	}
}

func TestParseRejectsMalformedFrame(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Error("malformed frame must not parse")
	}
}

func TestResponseOK(t *testing.T) {
	tests := []struct {
		status string
		ok     bool
	}{
		{"ok", true},
		{"", true}, // older bridges omit the field entirely
		{"error", false},
	}
	for _, tt := range tests {
		r := Response{Status: tt.status}
		if r.OK() != tt.ok {
			t.Errorf("Response{Status: %q}.OK() = %v", tt.status, r.OK())
		}
	}
}

func TestDecodeBridge(t *testing.T) {
	t.Run("aggregate", func(t *testing.T) {
		msg := DecodeBridge("bridge/devices", json.RawMessage(`[{"friendly_name":"bulb"}]`))
		if msg.Kind != BridgeDevices {
			t.Errorf("kind = %v", msg.Kind)
		}
	})

	t.Run("response", func(t *testing.T) {
		msg := DecodeBridge("bridge/response/permit_join", json.RawMessage(`{"status":"ok","data":{},"transaction":"ab-1"}`))
		if msg.Kind != BridgeResponse || msg.Response == nil {
			t.Fatalf("kind = %v, response = %v", msg.Kind, msg.Response)
		}
		if msg.Response.Transaction != "ab-1" || !msg.Response.OK() {
			t.Errorf("response = %+v", msg.Response)
		}
	})

	t.Run("logging", func(t *testing.T) {
		msg := DecodeBridge("bridge/logging", json.RawMessage(`{"level":"error","message":"boom"}`))
		if msg.Kind != BridgeLogging || msg.Log == nil {
			t.Fatalf("kind = %v, log = %v", msg.Kind, msg.Log)
		}
		if msg.Log.Level != "error" || msg.Log.Message != "boom" {
			t.Errorf("log = %+v", msg.Log)
		}
	})

	t.Run("unknown topic", func(t *testing.T) {
		msg := DecodeBridge("bridge/whatever", json.RawMessage(`{}`))
		if msg.Kind != BridgeUnknown {
			t.Errorf("kind = %v", msg.Kind)
		}
	})

	t.Run("malformed known variant degrades to unknown", func(t *testing.T) {
		msg := DecodeBridge("bridge/logging", json.RawMessage(`"not an object"`))
		if msg.Kind != BridgeUnknown {
			t.Errorf("kind = %v", msg.Kind)
		}
	})
}
