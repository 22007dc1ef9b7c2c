package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/parley/chat-app/internal/message"
)

func TestEnvelopeUnmarshal(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantErr  bool
	}{
		{"valid", `{"type":"send_message","text":"hi"}`, "send_message", false},
		{"missing type", `{"text":"hi"}`, "", true},
		{"empty type", `{"type":""}`, "", true},
		{"invalid json", `{not json`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			err := json.Unmarshal([]byte(tt.data), &env)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s", tt.data)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", env.Type, tt.wantType)
			}
			if string(env.Raw) != tt.data {
				t.Errorf("Raw = %s, want %s", env.Raw, tt.data)
			}
		})
	}
}

func TestParseClientMessage_SendMessage(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"send_message","text":"hello"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}
	m, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if m.Text != "hello" {
		t.Errorf("expected text %q, got %q", "hello", m.Text)
	}
}

func TestParseClientMessage_LoadOlder(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"load_older"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeLoadOlder {
		t.Fatalf("expected type %q, got %q", TypeLoadOlder, msgType)
	}
	if _, ok := msg.(LoadOlderMsg); !ok {
		t.Fatalf("expected LoadOlderMsg, got %T", msg)
	}
}

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected type %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"new_message"}`)); err == nil {
		t.Fatal("expected error for server-only message type")
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"bogus"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if msgType != "bogus" {
		t.Errorf("expected type %q returned alongside the error, got %q", "bogus", msgType)
	}
}

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`garbage`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestNewServerMessage(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: "rate_limited", Message: "slow down"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if m["type"] != TypeError {
		t.Errorf("expected type %q, got %v", TypeError, m["type"])
	}
	if m["code"] != "rate_limited" {
		t.Errorf("expected code %q, got %v", "rate_limited", m["code"])
	}
}

func TestNewServerMessage_EmptyPage(t *testing.T) {
	// Clients iterate the messages array unconditionally, so an empty page
	// must serialize as [] rather than null.
	data, err := NewServerMessage(TypeMessagePage, MessagePageMsg{
		Messages: []message.Message{},
		Position: PositionTail,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"messages":[]`) {
		t.Errorf("expected empty array, got %s", data)
	}
}
