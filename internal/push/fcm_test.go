package push

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func staticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
}

// serviceAccountJSON はtokenURLでアクセストークンを発行するテスト用のサービスアカウントキーを返す。
func serviceAccountJSON(t *testing.T, tokenURL string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("鍵の生成に失敗: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("鍵のエンコードに失敗: %v", err)
	}
	data, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "quoteday-test",
		"private_key_id": "key-1",
		"private_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"client_email":   "push@quoteday-test.iam.gserviceaccount.com",
		"token_uri":      tokenURL,
	})
	if err != nil {
		t.Fatalf("JSONのエンコードに失敗: %v", err)
	}
	return data
}

func newTestFCM(t *testing.T, handler http.HandlerFunc) (*FCMTransport, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	tr, err := NewFCMTransport(FCMConfig{
		Endpoint:    ts.URL,
		ProjectID:   "quoteday-test",
		TokenSource: staticToken("test-token"),
		Timeout:     2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("NewFCMTransport: %v", err)
	}
	return tr, ts
}

func TestNewFCMTransport_RequiresConfig(t *testing.T) {
	if _, err := NewFCMTransport(FCMConfig{TokenSource: staticToken("x")}, nil); err == nil {
		t.Error("プロジェクトIDなしでエラーにならなかった")
	}
	if _, err := NewFCMTransport(FCMConfig{ProjectID: "p"}, nil); err == nil {
		t.Error("認証情報なしでエラーにならなかった")
	}
}

func TestFCMTransport_Send_Success(t *testing.T) {
	var got fcmRequest
	tr, _ := newTestFCM(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/projects/quoteday-test/messages:send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("Authorization = %s", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("リクエストボディのデコードに失敗: %v", err)
		}
		w.Write([]byte(`{"name":"projects/quoteday-test/messages/1"}`))
	})

	err := tr.Send(context.Background(), "device-1", Message{
		Title: "今日の名言",
		Body:  "Know thyself.",
		Data:  map[string]string{"quote_id": "q-1"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Message.Token != "device-1" {
		t.Errorf("token = %q", got.Message.Token)
	}
	if got.Message.Notification.Body != "Know thyself." {
		t.Errorf("body = %q", got.Message.Notification.Body)
	}
	if got.Message.Data["quote_id"] != "q-1" {
		t.Errorf("data = %v", got.Message.Data)
	}
}

func TestFCMTransport_Send_Unregistered(t *testing.T) {
	tr, _ := newTestFCM(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND",
			"details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"UNREGISTERED"}]}}`))
	})

	err := tr.Send(context.Background(), "stale", Message{Title: "t", Body: "b"})
	if !IsTerminal(err) || !IsTokenInvalid(err) {
		t.Fatalf("UNREGISTERED はトークン無効であるべき: %v", err)
	}
	if !strings.Contains(err.Error(), "UNREGISTERED") {
		t.Errorf("エラーに理由が含まれていない: %v", err)
	}
}

// メッセージ側の不備ではトークンを無効化しない。
func TestFCMTransport_Send_ErrorClassification(t *testing.T) {
	tests := []struct {
		name             string
		status           int
		body             string
		wantTerminal     bool
		wantTokenInvalid bool
		wantUnavailable  bool
	}{
		{
			name:         "INVALID_ARGUMENT",
			status:       http.StatusBadRequest,
			body:         `{"error":{"code":400,"status":"INVALID_ARGUMENT"}}`,
			wantTerminal: true,
		},
		{
			name:   "ペイロードの不備を示すerrorCode",
			status: http.StatusBadRequest,
			body: `{"error":{"code":400,"status":"INVALID_ARGUMENT",
				"details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"INVALID_ARGUMENT"}]}}`,
			wantTerminal: true,
		},
		{
			name:         "理由なしの400",
			status:       http.StatusBadRequest,
			wantTerminal: true,
		},
		{
			name:         "理由なしの404",
			status:       http.StatusNotFound,
			wantTerminal: true,
		},
		{
			name:   "SENDER_ID_MISMATCH",
			status: http.StatusForbidden,
			body: `{"error":{"code":403,"status":"PERMISSION_DENIED",
				"details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"SENDER_ID_MISMATCH"}]}}`,
			wantTerminal:     true,
			wantTokenInvalid: true,
		},
		{
			name:            "UNAUTHENTICATED",
			status:          http.StatusUnauthorized,
			body:            `{"error":{"code":401,"status":"UNAUTHENTICATED"}}`,
			wantUnavailable: true,
		},
		{
			name:            "PERMISSION_DENIED",
			status:          http.StatusForbidden,
			body:            `{"error":{"code":403,"status":"PERMISSION_DENIED"}}`,
			wantUnavailable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestFCM(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			err := tr.Send(context.Background(), "device", Message{})
			if err == nil {
				t.Fatal("エラーが返されなかった")
			}
			if IsTerminal(err) != tt.wantTerminal {
				t.Errorf("IsTerminal = %v, want %v (err=%v)", IsTerminal(err), tt.wantTerminal, err)
			}
			if IsTokenInvalid(err) != tt.wantTokenInvalid {
				t.Errorf("IsTokenInvalid = %v, want %v (err=%v)", IsTokenInvalid(err), tt.wantTokenInvalid, err)
			}
			if IsUnavailable(err) != tt.wantUnavailable {
				t.Errorf("IsUnavailable = %v, want %v (err=%v)", IsUnavailable(err), tt.wantUnavailable, err)
			}
		})
	}
}

func TestFCMTransport_Send_RetryableStatuses(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		tr, _ := newTestFCM(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		err := tr.Send(context.Background(), "device", Message{})
		if !IsRetryable(err) {
			t.Errorf("status %d はリトライ可能であるべき: %v", status, err)
		}
	}
}

func TestFCMTransport_Send_Timeout(t *testing.T) {
	release := make(chan struct{})
	tr, _ := newTestFCM(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tr.Send(ctx, "device", Message{})
	if err == nil {
		t.Fatal("タイムアウトでエラーにならなかった")
	}
	if !IsRetryable(err) {
		t.Errorf("タイムアウトはリトライ可能であるべき: %v", err)
	}
}

func TestFCMTransport_Send_EmptyToken(t *testing.T) {
	var calls atomic.Int32
	tr, _ := newTestFCM(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	if err := tr.Send(context.Background(), "", Message{}); !IsTerminal(err) {
		t.Errorf("空トークンは終端的な失敗であるべき: %v", err)
	}
	if calls.Load() != 0 {
		t.Error("空トークンでリクエストが送信された")
	}
}

func TestFCMTransport_RateLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	tr, err := NewFCMTransport(FCMConfig{
		Endpoint: ts.URL, ProjectID: "p", TokenSource: staticToken("a"), RateLimit: 1,
	}, ts.Client())
	if err != nil {
		t.Fatalf("NewFCMTransport: %v", err)
	}

	// バースト分を使い切った後は待機が必要になり、期限内に送信できない
	for i := 0; i < 2; i++ {
		if err := tr.Send(context.Background(), "d", Message{}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tr.Send(ctx, "d", Message{}); !IsRetryable(err) {
		t.Errorf("レート制限の待機失敗はリトライ可能であるべき: %v", err)
	}
}

// 有効期限が切れたアクセストークンは送信ごとに再発行される。
func TestFCMTransport_RefreshesExpiredToken(t *testing.T) {
	var issued atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("assertion") == "" {
			t.Errorf("JWTアサーションが送信されていない: %v", err)
		}
		n := issued.Add(1)
		w.Header().Set("Content-Type", "application/json")
		// 期限切れ判定の猶予より短い有効期間なので、次の送信で再発行される
		fmt.Fprintf(w, `{"access_token":"token-%d","token_type":"Bearer","expires_in":1}`, n)
	}))
	defer tokenServer.Close()

	var mu sync.Mutex
	var auths []string
	fcm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
	}))
	defer fcm.Close()

	creds, err := LoadFCMCredentials(context.Background(), serviceAccountJSON(t, tokenServer.URL))
	if err != nil {
		t.Fatalf("LoadFCMCredentials: %v", err)
	}
	if creds.ProjectID != "quoteday-test" {
		t.Errorf("ProjectID = %q", creds.ProjectID)
	}

	tr, err := NewFCMTransport(FCMConfig{
		Endpoint:    fcm.URL,
		ProjectID:   creds.ProjectID,
		TokenSource: creds.TokenSource,
		Timeout:     2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("NewFCMTransport: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := tr.Send(context.Background(), "device", Message{Title: "t"}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"Bearer token-1", "Bearer token-2"}
	if len(auths) != len(want) || auths[0] != want[0] || auths[1] != want[1] {
		t.Errorf("Authorization = %v, want %v", auths, want)
	}
}

// アクセストークンを取得できない場合はトランスポート全体の障害として返し、FCMには送信しない。
func TestFCMTransport_TokenFailureIsUnavailable(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid JWT Signature."}`))
	}))
	defer tokenServer.Close()

	var calls atomic.Int32
	fcm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer fcm.Close()

	creds, err := LoadFCMCredentials(context.Background(), serviceAccountJSON(t, tokenServer.URL))
	if err != nil {
		t.Fatalf("LoadFCMCredentials: %v", err)
	}
	tr, err := NewFCMTransport(FCMConfig{Endpoint: fcm.URL, ProjectID: "p", TokenSource: creds.TokenSource}, nil)
	if err != nil {
		t.Fatalf("NewFCMTransport: %v", err)
	}

	err = tr.Send(context.Background(), "device", Message{})
	if !IsUnavailable(err) {
		t.Fatalf("トークン取得の失敗はトランスポート障害であるべき: %v", err)
	}
	if IsTokenInvalid(err) {
		t.Errorf("トークン取得の失敗でデバイストークンを無効化してはならない: %v", err)
	}
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("ErrUnauthenticatedで判別できない: %v", err)
	}
	if calls.Load() != 0 {
		t.Error("アクセストークンなしでFCMにリクエストが送信された")
	}
}

func TestLoadFCMCredentials_RejectsNonServiceAccount(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"不正なJSON", `{`},
		{"種別なし", `{"project_id":"p"}`},
		{"ユーザー認証情報", `{"type":"authorized_user","client_id":"c","client_secret":"s","refresh_token":"r"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFCMCredentials(context.Background(), []byte(tt.data)); err == nil {
				t.Error("サービスアカウントキー以外でエラーにならなかった")
			}
		})
	}
}
