// Package notify delivers engine messages to the operator's chat.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"investi/internal/logging"
)

// Notifier sends a text message to the operator.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// TelegramNotifier sends messages through the Telegram bot API.
type TelegramNotifier struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
	logger  logging.Logger
}

// NewTelegramNotifier creates a notifier for one bot and chat.
func NewTelegramNotifier(token, chatID string, logger logging.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		baseURL: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logging.OrNop(logger),
	}
}

// WithBaseURL points the notifier at a different API host. Test hook.
func (n *TelegramNotifier) WithBaseURL(url string) *TelegramNotifier {
	n.baseURL = url
	return n
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts a sendMessage call. The bot token never appears in errors.
func (n *TelegramNotifier) Send(ctx context.Context, text string) error {
	if n.token == "" || n.chatID == "" {
		return fmt.Errorf("telegram notifier not configured")
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode telegram response (status %d): %w", resp.StatusCode, err)
	}
	if !body.OK {
		return fmt.Errorf("telegram send failed (status %d): %s", resp.StatusCode, body.Description)
	}
	n.logger.Debug("Sent telegram message (%d chars)", len(text))
	return nil
}

// NopNotifier drops messages. Used in tests and when no chat is configured.
type NopNotifier struct{}

func (NopNotifier) Send(context.Context, string) error { return nil }
