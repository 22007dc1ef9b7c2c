// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/parley/chat-app/internal/message"
)

// Client -> Server message types.
const (
	TypeSendMessage = "send_message"
	TypeLoadOlder   = "load_older"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeJoined          = "joined"
	TypeMessagePage     = "message_page"
	TypeNewMessage      = "new_message"
	TypePresenceChanged = "presence_changed"
	TypeError           = "error"
	TypePong            = "pong"
)

// Positions of a message page relative to the session's current view.
const (
	PositionTail = "tail" // append (initial render, new messages)
	PositionHead = "head" // prepend (load-older)
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SendMessageMsg posts a text message to the session's room.
type SendMessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// LoadOlderMsg requests the page of history preceding the session's
// currently loaded messages.
type LoadOlderMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// JoinedMsg confirms the session has joined a room.
type JoinedMsg struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	User      string `json:"user"`
	SessionID string `json:"session_id"`
	Connected int    `json:"connected"`
}

// MessagePageMsg carries a page of messages to merge into the client's view.
// Position says whether the page goes at the head or tail of the view;
// HasMore indicates older history remains beyond the page.
type MessagePageMsg struct {
	Type     string            `json:"type"`
	Messages []message.Message `json:"messages"`
	Position string            `json:"position"`
	HasMore  bool              `json:"has_more"`
}

// NewMessageMsg notifies the client that the room received messages at or
// around UpdateTime. It carries no message payload; the server follows up
// with a MessagePageMsg holding the delta.
type NewMessageMsg struct {
	Type       string `json:"type"`
	UpdateTime string `json:"update_time"`
}

// PresenceChangedMsg notifies the client that a user joined or left the
// room. Connected is the room's presence count after the change.
type PresenceChangedMsg struct {
	Type       string `json:"type"`
	UpdateTime string `json:"update_time"`
	User       string `json:"user"`
	Action     string `json:"action"` // "joined" or "left"
	Connected  int    `json:"connected"`
}

// ErrorMsg communicates a non-fatal error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLoadOlder:
		var m LoadOlderMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
