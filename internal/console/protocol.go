package console

import (
	"encoding/json"
	"time"

	"github.com/thebranchdriftcatalyst/robot-console/internal/session"
)

// MessageType is the type of a console WebSocket message
type MessageType string

const (
	// Inbound (operator -> console)
	TypeMove       MessageType = "move"
	TypeRotate     MessageType = "rotate"
	TypeStop       MessageType = "stop"
	TypeCamera     MessageType = "camera"
	TypeSpeed      MessageType = "speed"
	TypeEdit       MessageType = "edit"
	TypeSave       MessageType = "save"
	TypeRun        MessageType = "run"
	TypeScriptStop MessageType = "script_stop"
	TypeHost       MessageType = "host"
	TypeIP         MessageType = "ip"
	TypePing       MessageType = "ping"

	// Outbound (console -> operator)
	TypeState MessageType = "state"
	TypeError MessageType = "error"
	TypePong  MessageType = "pong"
)

// InboundMessage is an operator intent. REST bodies decode into the same
// shape with the type taken from the route.
type InboundMessage struct {
	Type      MessageType `json:"type"`
	Direction string      `json:"direction,omitempty"`
	Speed     *float64    `json:"speed,omitempty"`
	Script    *string     `json:"script,omitempty"`
	Host      string      `json:"host,omitempty"`
	IP        string      `json:"ip,omitempty"`
}

// OutboundMessage is sent to every connected operator
type OutboundMessage struct {
	Type      MessageType       `json:"type"`
	State     *session.Snapshot `json:"state,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewStateMessage wraps a snapshot for broadcast
func NewStateMessage(snap session.Snapshot) OutboundMessage {
	return OutboundMessage{
		Type:      TypeState,
		State:     &snap,
		Timestamp: time.Now(),
	}
}

// NewErrorMessage reports a rejected intent to the client that sent it
func NewErrorMessage(err string) OutboundMessage {
	return OutboundMessage{
		Type:      TypeError,
		Error:     err,
		Timestamp: time.Now(),
	}
}

// NewPongMessage answers a ping
func NewPongMessage() OutboundMessage {
	return OutboundMessage{Type: TypePong, Timestamp: time.Now()}
}

// ParseInbound parses an inbound WebSocket message
func ParseInbound(data []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ToJSON serializes an outbound message
func (m *OutboundMessage) ToJSON() []byte {
	data, _ := json.Marshal(m)
	return data
}
