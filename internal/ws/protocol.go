package ws

import (
	"fmt"

	json "github.com/goccy/go-json"
)

type MessageType string

// Inbound message types.
const (
	MsgSubscribe       MessageType = "subscribe"
	MsgUnsubscribe     MessageType = "unsubscribe"
	MsgPing            MessageType = "ping"
	MsgConsoleResponse MessageType = "console_response"
)

// Outbound message types.
const (
	MsgConnection              MessageType = "connection"
	MsgSubscriptionConfirmed   MessageType = "subscription_confirmed"
	MsgPong                    MessageType = "pong"
	MsgConversationStateChange MessageType = "conversation_state_change"
	MsgDataRefresh             MessageType = "data_refresh"
	MsgSystemStatus            MessageType = "system_status"
	MsgNewMessage              MessageType = "new_message"
	MsgConsoleInteraction      MessageType = "console_interaction"
)

// Broadcast channels a client may subscribe to.
const (
	ChannelConversations = "conversation_updates"
	ChannelData          = "data_updates"
	ChannelSystem        = "system_updates"
)

// Envelope is the outbound wire shape: {type, data}.
type Envelope struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// ClientMessage is the closed union of messages a client may send. The
// boundary decodes raw bytes into exactly one of the concrete types below;
// everything downstream switches on the type, not on strings.
type ClientMessage interface {
	isClientMessage()
}

type Subscribe struct {
	Channel string
}

type Unsubscribe struct {
	Channel string
}

// Ping is an application-level liveness request, distinct from the
// protocol-level ping/pong frames used by the heartbeat.
type Ping struct{}

// ConsoleResponse carries a reply to an interactive tool prompt; the server
// passes it through to the registered responder untouched.
type ConsoleResponse struct {
	Data json.RawMessage
}

func (Subscribe) isClientMessage()       {}
func (Unsubscribe) isClientMessage()     {}
func (Ping) isClientMessage()            {}
func (ConsoleResponse) isClientMessage() {}

type inboundEnvelope struct {
	Type    MessageType     `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// decodeClientMessage parses one inbound frame. Unknown types and
// unparsable payloads return an error; the caller logs and drops them
// without closing the connection.
func decodeClientMessage(raw []byte) (ClientMessage, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unparsable message: %w", err)
	}

	switch env.Type {
	case MsgSubscribe:
		if env.Channel == "" {
			return nil, fmt.Errorf("subscribe without channel")
		}
		return Subscribe{Channel: env.Channel}, nil
	case MsgUnsubscribe:
		if env.Channel == "" {
			return nil, fmt.Errorf("unsubscribe without channel")
		}
		return Unsubscribe{Channel: env.Channel}, nil
	case MsgPing:
		return Ping{}, nil
	case MsgConsoleResponse:
		return ConsoleResponse{Data: env.Data}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
