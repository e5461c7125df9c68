// Package notify delivers operator alerts to Telegram.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const TelegramAPIURL = "https://api.telegram.org"

// TelegramNotifier queues messages and sends them from a single worker.
// Notify never blocks; messages are dropped when the queue is full.
type TelegramNotifier struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	queue   chan string
	logger  *zap.Logger
}

func NewTelegramNotifier(token, chatID, baseURL string, queueSize int, logger *zap.Logger) *TelegramNotifier {
	if baseURL == "" {
		baseURL = TelegramAPIURL
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &TelegramNotifier{
		token:   token,
		chatID:  chatID,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		queue:   make(chan string, queueSize),
		logger:  logger,
	}
}

func (n *TelegramNotifier) enabled() bool {
	return n.token != "" && n.chatID != ""
}

func (n *TelegramNotifier) Notify(text string) {
	if !n.enabled() {
		return
	}
	select {
	case n.queue <- text:
	default:
		n.logger.Warn("Notification queue full, dropping message", zap.String("text", text))
	}
}

// Start runs the delivery worker until ctx is cancelled.
func (n *TelegramNotifier) Start(ctx context.Context) {
	if !n.enabled() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			if err := n.send(ctx, text); err != nil {
				n.logger.Error("Failed to send telegram message", zap.Error(err))
			}
		}
	}
}

func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram error %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
