package feishu

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/egress"
)

// Lark truncates text messages well below this; chunk conservatively.
const textChunkLimit = 4000

// Config for the dispatcher.
type Config struct {
	AppID     string `json:"appId"`
	AppSecret string `json:"appSecret"`
	// BaseURL overrides the API host (Lark vs Feishu tenants).
	BaseURL           string  `json:"baseUrl,omitempty"`
	MessagesPerSecond float64 `json:"messagesPerSecond,omitempty"`
}

// Dispatcher sends text messages to Feishu chats.
type Dispatcher struct {
	client  *Client
	limiter *rate.Limiter
}

// New builds a dispatcher from config.
func New(cfg Config) *Dispatcher {
	perSecond := cfg.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = 4
	}
	return &Dispatcher{
		client:  NewClient(cfg.AppID, cfg.AppSecret, cfg.BaseURL),
		limiter: rate.NewLimiter(rate.Limit(perSecond), 4),
	}
}

// Channel implements egress.Dispatcher.
func (d *Dispatcher) Channel() string { return chatkey.ChannelFeishu }

// SendText delivers text to a chat id, chunked under the platform cap.
func (d *Dispatcher) SendText(ctx context.Context, m egress.TextMessage) error {
	if m.ChatID == "" {
		return fmt.Errorf("empty chat id for feishu send")
	}
	for _, chunk := range egress.SplitText(m.Text, textChunkLimit) {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		content, err := json.Marshal(map[string]string{"text": chunk})
		if err != nil {
			return fmt.Errorf("marshal feishu content: %w", err)
		}
		if _, err := d.client.SendMessage(ctx, "chat_id", m.ChatID, "text", string(content)); err != nil {
			return fmt.Errorf("feishu send text: %w", err)
		}
	}
	return nil
}
