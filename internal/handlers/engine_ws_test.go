package handlers

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEngineServerFrameKeepsZeroValues(t *testing.T) {
	// A counter reset must reach the client as an explicit 0, and the last
	// page must carry has_more:false.
	reset, err := json.Marshal(EngineServerFrame{Type: "unread_total", Total: 0})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(reset), `"total":0`) {
		t.Fatalf("counter reset frame dropped total: %s", reset)
	}

	page, err := json.Marshal(EngineServerFrame{Type: "page", ConversationID: "a", HasMore: false})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(page), `"has_more":false`) {
		t.Fatalf("final page frame dropped has_more: %s", page)
	}
}
