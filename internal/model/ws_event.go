package model

import "encoding/json"

type WSEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client → relay event types.
const (
	EventIdentify      = "identify"
	EventSendMessage   = "send-message"
	EventTyping        = "typing"
	EventStoppedTyping = "stopped-typing"
	EventPing          = "ping"
)

// Relay → client event types.
const (
	EventLoadHistory       = "load-history"
	EventNewMessage        = "new-message"
	EventPresenceStatus    = "presence-status"
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"
	EventPersonaResponding = "persona-responding"
	EventVisitorCount      = "visitor-count"
	EventPong              = "pong"
)

type WSIdentify struct {
	Role Role `json:"role"`
}

// WSTyping names the typing actor. Actor is a human role for inbound
// events; outbound user-typing events may also carry a persona name.
type WSTyping struct {
	Actor      string `json:"player"`
	ForPersona string `json:"for_persona,omitempty"`
}

type WSPersonaResponding struct {
	Persona    string `json:"persona"`
	Responding bool   `json:"responding"`
}

func NewWSEvent(eventType string, payload any) *WSEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		return &WSEvent{Type: eventType}
	}
	return &WSEvent{Type: eventType, Data: data}
}
