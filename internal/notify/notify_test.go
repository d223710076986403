package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTelegramSend(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer ts.Close()

	n := NewTelegramNotifier("token-123", "chat-9", nil).WithBaseURL(ts.URL)
	if err := n.Send(context.Background(), "NVDA crossed 150"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/bottoken-123/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != "chat-9" || gotBody["text"] != "NVDA crossed 150" {
		t.Errorf("body = %v", gotBody)
	}
}

// API failures surface as errors but never leak the bot token.
func TestTelegramSendFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer ts.Close()

	n := NewTelegramNotifier("secret-token", "chat-9", nil).WithBaseURL(ts.URL)
	err := n.Send(context.Background(), "hello")
	if err == nil {
		t.Fatal("failure swallowed")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("error = %v", err)
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Errorf("token leaked in error: %v", err)
	}
}

func TestTelegramUnconfigured(t *testing.T) {
	n := NewTelegramNotifier("", "", nil)
	if err := n.Send(context.Background(), "hello"); err == nil {
		t.Error("unconfigured notifier sent")
	}
}
