package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// URLGuard はWebhook送信先URLの検証とSSRF防止クライアントの生成を行うインターフェース。
type URLGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// WebhookTransport は自前のプッシュゲートウェイにJSONをPOSTして通知を送信する。
// ゲートウェイは404/410で無効なトークン、400でメッセージの不備、
// 401/403で認証失敗、429/5xxで一時的な失敗を返す。
type WebhookTransport struct {
	url    string
	client *http.Client
}

// NewWebhookTransport はWebhookTransportを生成する。
// 送信先URLを静的に検証し、SSRF防止機能付きのクライアントを使う。
func NewWebhookTransport(url string, guard URLGuard, timeout time.Duration) (*WebhookTransport, error) {
	if err := guard.ValidateURL(url); err != nil {
		return nil, fmt.Errorf("Webhook送信先URLが不正です: %w", err)
	}
	return &WebhookTransport{url: url, client: guard.NewSafeClient(timeout)}, nil
}

// Name はトランスポート名を返す。
func (t *WebhookTransport) Name() string {
	return "webhook"
}

type webhookPayload struct {
	Token string `json:"token"`
	Message
}

// Send はゲートウェイに通知を送信する。
func (t *WebhookTransport) Send(ctx context.Context, token string, msg Message) error {
	if token == "" {
		return terminal(t.Name(), 0, "", ErrEmptyToken)
	}

	payload, err := json.Marshal(webhookPayload{Token: token, Message: msg})
	if err != nil {
		return terminal(t.Name(), 0, "marshal", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return terminal(t.Name(), 0, "request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Quoteday/1.0 Push Dispatcher")

	resp, err := t.client.Do(req)
	if err != nil {
		return wrapSendError(t.Name(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))

	return statusError(t.Name(), ClassifyStatus(resp.StatusCode), resp.StatusCode, http.StatusText(resp.StatusCode))
}

var _ Transport = (*WebhookTransport)(nil)
