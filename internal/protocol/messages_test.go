package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Join(t *testing.T) {
	input := []byte(`{"type":"join","userId":"60d0fe4f5311236168a109ca","role":"farmer"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoin {
		t.Fatalf("expected type %q, got %q", TypeJoin, msgType)
	}

	jm, ok := msg.(JoinMsg)
	if !ok {
		t.Fatalf("expected JoinMsg, got %T", msg)
	}
	if jm.UserID != "60d0fe4f5311236168a109ca" {
		t.Errorf("expected userId %q, got %q", "60d0fe4f5311236168a109ca", jm.UserID)
	}
	if jm.Role != "farmer" {
		t.Errorf("expected role %q, got %q", "farmer", jm.Role)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid sendMessage message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"sendMessage","senderId":"A","receiverId":"B","message":"Check my wheat crop","messageType":"text"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.SenderID != "A" || sm.ReceiverID != "B" {
		t.Errorf("unexpected ids: %+v", sm)
	}
	if sm.Message != "Check my wheat crop" {
		t.Errorf("expected message %q, got %q", "Check my wheat crop", sm.Message)
	}
	if sm.MessageType != "text" {
		t.Errorf("expected messageType %q, got %q", "text", sm.MessageType)
	}
}

// ---------------------------------------------------------------------------
// Test: typing and stopTyping share a payload struct
// ---------------------------------------------------------------------------

func TestParseClientMessage_TypingKinds(t *testing.T) {
	for _, typ := range []string{TypeTyping, TypeStopTyping} {
		input := []byte(`{"type":"` + typ + `","senderId":"A","receiverId":"B"}`)
		msgType, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if msgType != typ {
			t.Errorf("expected type %q, got %q", typ, msgType)
		}
		tm, ok := msg.(TypingMsg)
		if !ok {
			t.Fatalf("%s: expected TypingMsg, got %T", typ, msg)
		}
		if tm.SenderID != "A" || tm.ReceiverID != "B" {
			t.Errorf("%s: unexpected ids: %+v", typ, tm)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a receiveMessage server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_ReceiveMessage(t *testing.T) {
	payload := ReceiveMessageMsg{
		SenderID:    "A",
		Message:     "uploads/images/1.png",
		MessageType: "image",
		ContentType: "image/png",
	}

	data, err := NewServerMessage(TypeReceiveMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeReceiveMessage {
		t.Errorf("expected type %q, got %v", TypeReceiveMessage, result["type"])
	}
	if result["senderId"] != "A" {
		t.Errorf("expected senderId %q, got %v", "A", result["senderId"])
	}
	if result["message"] != "uploads/images/1.png" {
		t.Errorf("expected message path, got %v", result["message"])
	}
	if result["contentType"] != "image/png" {
		t.Errorf("expected contentType %q, got %v", "image/png", result["contentType"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"readReceipt","senderId":"A"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "readReceipt" {
		t.Errorf("expected returned type %q, got %q", "readReceipt", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"receiveMessage"}`)); err == nil {
		t.Fatal("server-only type must not parse as a client message")
	}
}

// ---------------------------------------------------------------------------
// Test: Server messages parse on the client side
// ---------------------------------------------------------------------------

func TestParseServerMessage_RoundTrip(t *testing.T) {
	data, err := NewServerMessage(TypeUserStoppedTyping, TypingEventMsg{SenderID: "B", ReceiverID: "A"})
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeUserStoppedTyping {
		t.Fatalf("expected type %q, got %q", TypeUserStoppedTyping, msgType)
	}
	ev, ok := msg.(TypingEventMsg)
	if !ok {
		t.Fatalf("expected TypingEventMsg, got %T", msg)
	}
	if ev.SenderID != "B" || ev.ReceiverID != "A" {
		t.Errorf("unexpected ids: %+v", ev)
	}
}

func TestNewClientMessage_OverridesType(t *testing.T) {
	data, err := NewClientMessage(TypeJoin, JoinMsg{Type: "bogus", UserID: "A"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgType, _, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoin {
		t.Errorf("expected injected type %q, got %q", TypeJoin, msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join", `{"type":"join","userId":"A"}`, TypeJoin},
		{"sendMessage", `{"type":"sendMessage","senderId":"A","receiverId":"B","message":"hi","messageType":"text"}`, TypeSendMessage},
		{"typing", `{"type":"typing","senderId":"A","receiverId":"B"}`, TypeTyping},
		{"stopTyping", `{"type":"stopTyping","senderId":"A","receiverId":"B"}`, TypeStopTyping},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
