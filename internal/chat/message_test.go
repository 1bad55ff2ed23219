package chat

import (
	"encoding/json"
	"testing"
)

func TestContentFromWire(t *testing.T) {
	c := ContentFromWire(TypeImage, "uploads/images/1.png", "image/png")
	if !c.IsMedia() {
		t.Fatal("image content should be media")
	}
	if c.Wire() != "uploads/images/1.png" || c.ContentType() != "image/png" {
		t.Errorf("unexpected media content: %+v", c.Media)
	}

	c = ContentFromWire(TypeText, "uploads/images/1.png", "")
	if c.IsMedia() {
		t.Fatal("text content must never be read as a path")
	}
	if c.Wire() != "uploads/images/1.png" {
		t.Errorf("expected literal text, got %q", c.Wire())
	}
}

func TestContentJSONIsTagged(t *testing.T) {
	data, err := json.Marshal(Message{
		ID:       "m1",
		SenderID: "A", ReceiverID: "B",
		Type:    TypeAudio,
		Content: MediaContent("uploads/audio/x.m4a", "audio/mp4"),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	content, ok := raw["content"].(map[string]interface{})
	if !ok {
		t.Fatalf("content should be an object, got %T", raw["content"])
	}
	if _, hasText := content["text"]; hasText {
		t.Error("media content should not carry a text field")
	}
	media, ok := content["media"].(map[string]interface{})
	if !ok || media["path"] != "uploads/audio/x.m4a" {
		t.Errorf("unexpected media object: %v", content["media"])
	}
	if _, hasState := raw["state"]; hasState {
		t.Error("empty state should be omitted")
	}
}

func TestPairKeySymmetric(t *testing.T) {
	if PairKey("A", "B") != PairKey("B", "A") {
		t.Fatal("PairKey must be symmetric")
	}
	if PairKey("A", "B") == PairKey("A", "C") {
		t.Fatal("different pairs must not collide")
	}
}
