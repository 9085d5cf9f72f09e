// Package protocol defines the wire envelope and topic conventions shared by
// the transport layer and the mock bridge.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// BridgePrefix is the reserved namespace for bridge-control topics.
	BridgePrefix = "bridge/"

	// RequestPrefix is the namespace for correlated bridge requests.
	RequestPrefix = "bridge/request/"

	// ResponsePrefix is the namespace for correlated bridge responses.
	ResponsePrefix = "bridge/response/"

	// AvailabilitySuffix marks per-device availability pushes.
	AvailabilitySuffix = "/availability"

	// TransactionKey is the payload field carrying the correlation ID.
	TransactionKey = "transaction"
)

// ErrInvalidPayload is returned when a correlated request payload is neither
// the empty-string sentinel nor a plain keyed object.
var ErrInvalidPayload = errors.New("payload must be an empty string or a keyed object")

// Envelope is the message shape in both directions: a topic string plus a
// JSON payload, serialized as a single text frame.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal serializes an outbound envelope. Nil values inside map payloads are
// emitted as JSON null, never omitted, so the receiver can distinguish
// "explicitly cleared" from "absent".
func Marshal(topic string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %q: %w", topic, err)
	}
	return json.Marshal(Envelope{Topic: topic, Payload: raw})
}

// Parse decodes an inbound text frame into an Envelope.
func Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse frame: %w", err)
	}
	return env, nil
}

// IsBridgeTopic reports whether the topic lives under the bridge-control
// namespace.
func IsBridgeTopic(topic string) bool {
	return strings.HasPrefix(topic, BridgePrefix)
}

// IsRequestTopic reports whether the topic is a correlated bridge request.
func IsRequestTopic(topic string) bool {
	return strings.HasPrefix(topic, RequestPrefix)
}

// IsResponseTopic reports whether the topic is a correlated bridge response.
func IsResponseTopic(topic string) bool {
	return strings.HasPrefix(topic, ResponsePrefix)
}

// IsAvailabilityTopic reports whether the topic is a per-device availability
// push.
func IsAvailabilityTopic(topic string) bool {
	return strings.HasSuffix(topic, AvailabilitySuffix)
}

// ResponseTopic maps a request topic to its response topic by mechanical
// prefix substitution.
func ResponseTopic(requestTopic string) string {
	return ResponsePrefix + strings.TrimPrefix(requestTopic, RequestPrefix)
}

// AvailabilityDevice strips the availability suffix, leaving the device topic.
func AvailabilityDevice(topic string) string {
	return strings.TrimSuffix(topic, AvailabilitySuffix)
}

// SetTopic returns the command topic for writing a device property.
func SetTopic(deviceTopic string) string { return deviceTopic + "/set" }

// GetTopic returns the command topic for an explicit device read.
func GetTopic(deviceTopic string) string { return deviceTopic + "/get" }

// DeviceResponseTopic maps a device command topic to its per-device response
// topic, e.g. "bulb/set" to "bulb/response/set". Device commands may carry a
// transaction field; the peer echoes it back on this topic.
func DeviceResponseTopic(commandTopic string) string {
	i := strings.LastIndex(commandTopic, "/")
	if i < 0 {
		return commandTopic + "/response"
	}
	return commandTopic[:i] + "/response" + commandTopic[i:]
}

// ValidateRequestPayload enforces the correlated-request payload contract:
// an empty-string sentinel or a plain keyed object. It returns the payload as
// a map ready for transaction injection (the sentinel becomes an empty map).
func ValidateRequestPayload(payload any) (map[string]any, error) {
	switch p := payload.(type) {
	case nil:
		return map[string]any{}, nil
	case string:
		if p != "" {
			return nil, ErrInvalidPayload
		}
		return map[string]any{}, nil
	case map[string]any:
		out := make(map[string]any, len(p)+1)
		for k, v := range p {
			out[k] = v
		}
		return out, nil
	default:
		return nil, ErrInvalidPayload
	}
}

// Response is the correlated response envelope payload.
type Response struct {
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data"`
	Error       string          `json:"error,omitempty"`
	Transaction string          `json:"transaction,omitempty"`
}

// OK reports whether the response is a success. A missing status is treated
// as success for backward compatibility.
func (r *Response) OK() bool {
	return r.Status == "" || r.Status == "ok"
}

// LogEntry is a single bridge log line.
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Namespace string `json:"namespace,omitempty"`
}
