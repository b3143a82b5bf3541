// Package telegram is the outbound-only Telegram dispatcher. Inbound
// polling, pairing and media belong to the platform adapter, not here.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/egress"
)

const (
	// Telegram rejects messages over 4096 characters.
	maxMessageLen = 4000
	// Thread id 1 is the General topic; sends must omit it.
	generalTopicID = 1
)

// Config for the dispatcher.
type Config struct {
	Token string `json:"token"`
	// Proxy is an optional HTTP proxy URL for the Bot API.
	Proxy string `json:"proxy,omitempty"`
	// MessagesPerSecond caps outbound sends; 0 means the Telegram-safe
	// default of 1/s per chat family.
	MessagesPerSecond float64 `json:"messagesPerSecond,omitempty"`
}

// botAPI is the slice of telego the dispatcher needs; *telego.Bot satisfies
// it.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Dispatcher sends text messages through the Telegram Bot API.
type Dispatcher struct {
	bot     botAPI
	limiter *rate.Limiter
}

// New builds a dispatcher from config.
func New(cfg Config) (*Dispatcher, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}
	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newWithBot(bot, cfg.MessagesPerSecond), nil
}

func newWithBot(bot botAPI, perSecond float64) *Dispatcher {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Dispatcher{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 3),
	}
}

// Channel implements egress.Dispatcher.
func (d *Dispatcher) Channel() string { return chatkey.ChannelTelegram }

// SendText delivers text to a chat, chunked under the platform cap and
// routed into the forum topic when one is set.
func (d *Dispatcher) SendText(ctx context.Context, m egress.TextMessage) error {
	chatID, err := strconv.ParseInt(m.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", m.ChatID, err)
	}

	threadID := 0
	if m.ThreadID != "" {
		tid, err := strconv.Atoi(m.ThreadID)
		if err != nil {
			return fmt.Errorf("telegram thread id %q: %w", m.ThreadID, err)
		}
		threadID = tid
	}

	for _, chunk := range egress.SplitText(m.Text, maxMessageLen) {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		params := tu.Message(tu.ID(chatID), chunk)
		if threadID > 0 && threadID != generalTopicID {
			params.MessageThreadID = threadID
		}
		if _, err := d.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}
