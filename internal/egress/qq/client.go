// Package qq is the outbound-only QQ open-platform dispatcher. QQ bots can
// only send passive replies, so every send is anchored to an inbound
// message id recovered from the transcript.
package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	defaultBaseURL  = "https://api.sgroup.qq.com"
	defaultTokenURL = "https://bots.qq.com/app/getAppAccessToken"

	tokenExpiryBuffer = 60 * time.Second
)

// Client is a minimal QQ bot API client: app access token refresh plus the
// three message-send endpoints.
type Client struct {
	baseURL    string
	tokenURL   string
	appID      string
	secret     string
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient builds a client; empty URLs use the public endpoints.
func NewClient(appID, secret, baseURL, tokenURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &Client{
		baseURL:    baseURL,
		tokenURL:   tokenURL,
		appID:      appID,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"appId":        c.appID,
		"clientSecret": c.secret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("qq token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in,string"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("qq token decode: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("qq token response empty (status %d)", resp.StatusCode)
	}

	c.token = result.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(result.ExpiresIn)*time.Second - tokenExpiryBuffer)
	return c.token, nil
}

type sendBody struct {
	Content string `json:"content"`
	MsgType int    `json:"msg_type"`
	MsgID   string `json:"msg_id,omitempty"`
	MsgSeq  int    `json:"msg_seq,omitempty"`
}

// PostMessage sends one passive reply to the given API path.
func (c *Client) PostMessage(ctx context.Context, path string, body sendBody) error {
	token, err := c.getToken(ctx)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal qq body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "QQBot "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qq api send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("qq send failed: status=%d code=%d msg=%s", resp.StatusCode, apiErr.Code, apiErr.Message)
	}
	return nil
}
