package message

import (
	"encoding/json"
	"testing"
)

func TestKnown(t *testing.T) {
	tests := []struct {
		name string
		typ  string
		want bool
	}{
		{name: "handshake", typ: "handshake", want: true},
		{name: "call_invite", typ: "call_invite", want: true},
		{name: "lip_reading_prediction", typ: "lip_reading_prediction", want: true},
		{name: "empty", typ: "", want: false},
		{name: "unknown", typ: "teleport", want: false},
		{name: "case_sensitive", typ: "Ping", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Known(tt.typ); got != tt.want {
				t.Errorf("Known(%q) = %v, want %v", tt.typ, got, tt.want)
			}
		})
	}
}

func TestAuthExempt(t *testing.T) {
	exempt := []string{"handshake", "ping", "pong", "signup", "authenticate", "refresh_token"}
	for _, typ := range exempt {
		if !AuthExempt(typ) {
			t.Errorf("AuthExempt(%q) = false, want true", typ)
		}
	}
	gated := []string{"logout", "get_contacts", "add_contact", "call_invite", "offer", "answer", "ice_candidate", "video_state", "fetch_call_history", "set_model_preference"}
	for _, typ := range gated {
		if AuthExempt(typ) {
			t.Errorf("AuthExempt(%q) = true, want false", typ)
		}
	}
}

func TestNew(t *testing.T) {
	m := New(TypePong, map[string]any{"ok": true})
	if m.MessageID == "" {
		t.Error("message_id is empty")
	}
	if m.Timestamp.IsZero() {
		t.Error("timestamp is zero")
	}
	if loc := m.Timestamp.Location().String(); loc != "UTC" {
		t.Errorf("timestamp location = %s, want UTC", loc)
	}
	if !m.Success {
		t.Error("Success = false, want true")
	}

	var payload map[string]bool
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !payload["ok"] {
		t.Error("payload not preserved")
	}
}

func TestNewNilPayload(t *testing.T) {
	m := New(TypePong, nil)
	if string(m.Payload) != "{}" {
		t.Errorf("payload = %s, want {}", m.Payload)
	}
}

func TestNewError(t *testing.T) {
	m := NewError(TypeCallInvite, CodeTargetBusy, "bob is busy")
	if m.Success {
		t.Error("Success = true, want false")
	}
	if m.ErrorCode != "TARGET_BUSY" {
		t.Errorf("ErrorCode = %q, want TARGET_BUSY", m.ErrorCode)
	}
	if m.MsgType != "call_invite" {
		t.Errorf("MsgType = %q, want call_invite", m.MsgType)
	}
	if m.MessageID == "" {
		t.Error("message_id is empty")
	}
}

func TestDecode(t *testing.T) {
	raw := []byte(`{"message_id":"m1","timestamp":"2026-01-02T03:04:05Z","msg_type":"signup","success":true,"payload":{"username":"ada"}}`)
	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.MsgType != "signup" {
		t.Errorf("MsgType = %q, want signup", m.MsgType)
	}
	if m.MessageID != "m1" {
		t.Errorf("MessageID = %q, want m1", m.MessageID)
	}

	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("Decode accepted malformed input")
	}
}

func TestDecodeMissingPayload(t *testing.T) {
	m, err := Decode([]byte(`{"msg_type":"ping"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(m.Payload) != "{}" {
		t.Errorf("payload = %s, want {}", m.Payload)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	m := New(TypeGetContacts, map[string]string{"user_id": "U1"})
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.MessageID != m.MessageID || got.MsgType != m.MsgType || got.Success != m.Success {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, m)
	}
}
