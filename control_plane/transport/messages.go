package transport

import (
	"encoding/json"
	"fmt"

	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/store"
)

// Client -> Hub message types.
const (
	MsgRegisterProduct = "register-product"
	MsgRegisterAgent   = "register-agent"
	MsgProductEvent    = "product-event"
	MsgHeartbeat       = "heartbeat"
	MsgCommandSend     = "command:send"
	MsgCommandResult   = "command:result"
	MsgJoinRoom        = "join-room"
	MsgLeaveRoom       = "leave-room"
)

// Hub -> Client message types. product-event is used in both directions.
const (
	MsgRegistered     = "registered"
	MsgNeuralEvent    = "neural-event"
	MsgExecuteAction  = "execute-action"
	MsgCommandExecute = "command:execute"
	MsgCommandSent    = "command:sent"
	MsgConfigUpdate   = "config:update"
	MsgError          = "error"
)

// Message is the JSON frame exchanged over a connection.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a frame of the given type.
func NewMessage(msgType string, payload any) (Message, error) {
	msg := Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// --- payloads ---

type RegisteredPayload struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // product or agent
}

type EventPayload struct {
	Event events.Event `json:"event"`
}

// ProductEventPayload carries a partial event sent by a product.
type ProductEventPayload struct {
	Event events.Partial `json:"event"`
}

type HeartbeatPayload struct {
	ProductID string            `json:"productId,omitempty"`
	AgentID   string            `json:"agentId,omitempty"`
	Status    store.AgentStatus `json:"status,omitempty"`
}

// JoinRoomPayload is the payload of join-room and leave-room.
type JoinRoomPayload struct {
	Room string `json:"room"`
}

type ExecuteActionPayload struct {
	ProductID  string         `json:"productId"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

type CommandSendPayload struct {
	AgentID     string         `json:"agentId"`
	CommandType string         `json:"commandType"`
	CommandData map[string]any `json:"commandData,omitempty"`
}

type CommandExecutePayload struct {
	Command *store.AgentCommand `json:"command"`
}

type CommandSentPayload struct {
	CommandID string              `json:"commandId"`
	AgentID   string              `json:"agentId"`
	Status    store.CommandStatus `json:"status"`
}

type CommandResultPayload struct {
	CommandID string              `json:"commandId"`
	Status    store.CommandStatus `json:"status"`
	Result    map[string]any      `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type ConfigUpdatePayload struct {
	Config map[string]any `json:"config"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
