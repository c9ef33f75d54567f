package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
)

const (
	// DefaultFCMEndpoint はFCM HTTP v1 APIのエンドポイント。
	DefaultFCMEndpoint = "https://fcm.googleapis.com"
	// FCMScope はFCM HTTP v1 APIの送信に必要なOAuth2スコープ。
	FCMScope = "https://www.googleapis.com/auth/firebase.messaging"
	// maxErrorBodySize はエラーレスポンスとして読み込む最大サイズ。
	maxErrorBodySize = 64 * 1024
)

// FCMConfig はFCMトランスポートの設定。
type FCMConfig struct {
	Endpoint  string
	ProjectID string
	// TokenSource はAPIのアクセストークンを供給する。
	// サービスアカウントの認証情報から作ったものを渡せば、期限切れのトークンは自動で更新される。
	TokenSource oauth2.TokenSource
	// RateLimit は1秒あたりの最大送信数。0以下の場合は制限しない。
	RateLimit float64
	Timeout   time.Duration
}

// FCMTransport はFirebase Cloud Messaging HTTP v1 APIでプッシュ通知を送信する。
type FCMTransport struct {
	client  *http.Client
	sendURL string
	limiter *rate.Limiter
}

// NewFCMTransport はFCMTransportを生成する。
// clientのTransportをoauth2.Transportで包み、リクエストごとに有効なアクセストークンを付与する。
// clientがnilの場合はcfg.Timeoutを設定したクライアントを使う。
func NewFCMTransport(cfg FCMConfig, client *http.Client) (*FCMTransport, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("FCMのプロジェクトIDが設定されていません")
	}
	if cfg.TokenSource == nil {
		return nil, fmt.Errorf("FCMの認証情報が設定されていません")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultFCMEndpoint
	}

	authed := &http.Client{Timeout: cfg.Timeout}
	var base http.RoundTripper
	if client != nil {
		base = client.Transport
		if authed.Timeout == 0 {
			authed.Timeout = client.Timeout
		}
	}
	authed.Transport = &oauth2.Transport{Source: authSource{src: cfg.TokenSource}, Base: base}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	return &FCMTransport{
		client:  authed,
		sendURL: fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(endpoint, "/"), cfg.ProjectID),
		limiter: limiter,
	}, nil
}

// LoadFCMCredentials はサービスアカウントキー（JSON）からFCM送信用の認証情報を読み込む。
// 外部から渡される設定のため、service_account以外の種別は受け付けない。
func LoadFCMCredentials(ctx context.Context, data []byte) (*google.Credentials, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("FCMの認証情報の読み込みに失敗しました: %w", err)
	}
	if head.Type != "service_account" {
		return nil, fmt.Errorf("FCMの認証情報はサービスアカウントキーである必要があります: type=%q", head.Type)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, FCMScope)
	if err != nil {
		return nil, fmt.Errorf("FCMの認証情報の読み込みに失敗しました: %w", err)
	}
	return creds, nil
}

// authSource はトークン取得の失敗をErrUnauthenticatedとして区別できるようにする。
type authSource struct {
	src oauth2.TokenSource
}

func (s authSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return tok, nil
}

// Name はトランスポート名を返す。
func (t *FCMTransport) Name() string {
	return "fcm"
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Send はデバイストークン宛てに通知を送信する。
// UNREGISTERED・SENDER_ID_MISMATCHはトークン無効、INVALID_ARGUMENTはメッセージの不備、
// 認証・認可の失敗はトランスポート全体の障害、429・5xx・ネットワークエラーはリトライ可能な失敗として返す。
func (t *FCMTransport) Send(ctx context.Context, token string, msg Message) error {
	if token == "" {
		return terminal(t.Name(), 0, "", ErrEmptyToken)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return retryable(t.Name(), 0, "rate limiter", err)
	}

	payload, err := json.Marshal(fcmRequest{Message: fcmMessage{
		Token:        token,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}})
	if err != nil {
		return terminal(t.Name(), 0, "marshal", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sendURL, bytes.NewReader(payload))
	if err != nil {
		return terminal(t.Name(), 0, "request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := t.client.Do(req)
	if err != nil {
		return wrapSendError(t.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return classifyFCMError(t.Name(), resp.StatusCode, body)
}

// classifyFCMError はFCMのエラーレスポンスを分類する。
func classifyFCMError(name string, status int, body []byte) error {
	var er fcmErrorResponse
	reason := ""
	if json.Unmarshal(body, &er) == nil {
		reason = er.Error.Status
		for _, d := range er.Error.Details {
			if d.ErrorCode != "" {
				reason = d.ErrorCode
				break
			}
		}
	}

	switch reason {
	case "UNREGISTERED", "SENDER_ID_MISMATCH":
		return tokenInvalid(name, status, reason, nil)
	case "INVALID_ARGUMENT":
		return terminal(name, status, reason, nil)
	case "UNAUTHENTICATED", "PERMISSION_DENIED", "THIRD_PARTY_AUTH_ERROR":
		return unavailable(name, status, reason, nil)
	case "QUOTA_EXCEEDED", "UNAVAILABLE", "INTERNAL", "RESOURCE_EXHAUSTED":
		return retryable(name, status, reason, nil)
	}

	class := ClassifyStatus(status)
	if class == StatusTokenInvalid {
		// FCMではerrorCodeで明示された場合のみトークンを無効とみなす
		class = StatusTerminal
	}
	return statusError(name, class, status, reason)
}

var _ Transport = (*FCMTransport)(nil)
