package qq

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/egress"
)

// QQ group/c2c messages cap at ~4500 chars; stay under it.
const textChunkLimit = 3500

// Config for the dispatcher.
type Config struct {
	AppID  string `json:"appId"`
	Secret string `json:"secret"`
	// BaseURL and TokenURL override the public endpoints (sandbox testing).
	BaseURL           string  `json:"baseUrl,omitempty"`
	TokenURL          string  `json:"tokenUrl,omitempty"`
	MessagesPerSecond float64 `json:"messagesPerSecond,omitempty"`
}

// Dispatcher sends passive replies through the QQ bot API.
type Dispatcher struct {
	client  *Client
	limiter *rate.Limiter

	// QQ requires a distinct msg_seq per send against the same msg_id.
	mu   sync.Mutex
	seqs map[string]int
}

// New builds a dispatcher from config.
func New(cfg Config) *Dispatcher {
	perSecond := cfg.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = 4
	}
	return &Dispatcher{
		client:  NewClient(cfg.AppID, cfg.Secret, cfg.BaseURL, cfg.TokenURL),
		limiter: rate.NewLimiter(rate.Limit(perSecond), 4),
		seqs:    make(map[string]int),
	}
}

// Channel implements egress.Dispatcher.
func (d *Dispatcher) Channel() string { return chatkey.ChannelQQ }

// SendText delivers a passive reply. ChatType selects the endpoint family;
// ReplyToMessageID is mandatory for all of them.
func (d *Dispatcher) SendText(ctx context.Context, m egress.TextMessage) error {
	if m.ReplyToMessageID == "" {
		return fmt.Errorf("qq send requires a reply message id")
	}

	var path string
	switch m.ChatType {
	case chatkey.QQGroup:
		path = fmt.Sprintf("/v2/groups/%s/messages", m.ChatID)
	case chatkey.QQC2C:
		path = fmt.Sprintf("/v2/users/%s/messages", m.ChatID)
	case chatkey.QQChannel:
		path = fmt.Sprintf("/channels/%s/messages", m.ChatID)
	default:
		return fmt.Errorf("qq chat type %q not supported", m.ChatType)
	}

	for _, chunk := range egress.SplitText(m.Text, textChunkLimit) {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		body := sendBody{Content: chunk, MsgID: m.ReplyToMessageID}
		if m.ChatType != chatkey.QQChannel {
			body.MsgSeq = d.nextSeq(m.ReplyToMessageID)
		}
		if err := d.client.PostMessage(ctx, path, body); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) nextSeq(msgID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seqs[msgID]++
	// Drop the table if it somehow grows unbounded; seq uniqueness only
	// matters within a reply window.
	if len(d.seqs) > 4096 {
		d.seqs = map[string]int{msgID: 1}
		return 1
	}
	return d.seqs[msgID]
}
