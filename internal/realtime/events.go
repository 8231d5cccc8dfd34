package realtime

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Event names on the realtime channel.
const (
	// client -> server
	EventJoin        = "join"
	EventSendMessage = "send_message"
	EventTyping      = "typing"

	// server -> client
	EventReceiveMessage = "receive_message"
	EventUserTyping     = "user_typing"
	EventError          = "error"
)

// Frame is the envelope of every websocket message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload announces which user owns the connection.
type JoinPayload struct {
	UserID uuid.UUID `json:"userId"`
}

// SendMessagePayload asks the server to forward an already persisted message
// to the receiver. Message is passed through untouched.
type SendMessagePayload struct {
	ReceiverID uuid.UUID       `json:"receiverId"`
	Message    json.RawMessage `json:"message"`
}

// TypingPayload is the client's typing indicator.
type TypingPayload struct {
	ReceiverID uuid.UUID `json:"receiverId"`
	IsTyping   bool      `json:"isTyping"`
}

// TypingNotice is what the receiver sees.
type TypingNotice struct {
	IsTyping bool      `json:"isTyping"`
	UserID   uuid.UUID `json:"userId"`
}

// ErrorNotice reports a rejected inbound frame back to its sender.
type ErrorNotice struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// EncodeFrame marshals payload into a Frame for event.
func EncodeFrame(event string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Frame{Event: event, Data: data})
}
