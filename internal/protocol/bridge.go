package protocol

import "encoding/json"

// BridgeKind identifies one variant of the closed set of bridge-control
// messages. Unknown topics decode to BridgeUnknown and are ignored upstream.
type BridgeKind int

const (
	BridgeUnknown BridgeKind = iota
	BridgeDevices
	BridgeGroups
	BridgeInfo
	BridgeHealth
	BridgeDefinitions
	BridgeExtensions
	BridgeConverters
	BridgeState
	BridgeLogging
	BridgeResponse
)

var bridgeTopics = map[string]BridgeKind{
	"bridge/devices":     BridgeDevices,
	"bridge/groups":      BridgeGroups,
	"bridge/info":        BridgeInfo,
	"bridge/health":      BridgeHealth,
	"bridge/definitions": BridgeDefinitions,
	"bridge/extensions":  BridgeExtensions,
	"bridge/converters":  BridgeConverters,
	"bridge/state":       BridgeState,
	"bridge/logging":     BridgeLogging,
}

// BridgeMessage is the decoded form of an inbound bridge-control frame.
// Exactly one of Response/Log is populated depending on Kind.
type BridgeMessage struct {
	Kind    BridgeKind
	Topic   string
	Payload json.RawMessage

	// Response is set when Kind == BridgeResponse.
	Response *Response

	// Log is set when Kind == BridgeLogging and the payload parsed.
	Log *LogEntry
}

// DecodeBridge classifies a bridge-namespace frame into the closed tagged
// union. Decode failures inside known variants degrade to BridgeUnknown so
// the transport can log and drop without throwing.
func DecodeBridge(topic string, payload json.RawMessage) BridgeMessage {
	msg := BridgeMessage{Kind: BridgeUnknown, Topic: topic, Payload: payload}

	if IsResponseTopic(topic) {
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			return msg
		}
		msg.Kind = BridgeResponse
		msg.Response = &resp
		return msg
	}

	kind, ok := bridgeTopics[topic]
	if !ok {
		return msg
	}
	msg.Kind = kind

	if kind == BridgeLogging {
		var entry LogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			msg.Kind = BridgeUnknown
			return msg
		}
		msg.Log = &entry
	}
	return msg
}
