// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// GatewayUserHeader は認証ゲートウェイが付与する認証済みユーザーIDのヘッダー名。
// 本サービスは認証を行わず、ゲートウェイが付与した値をそのまま信頼する。
const GatewayUserHeader = "X-User-ID"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// clientKeyContextKey はリクエストコンテキストにクライアント識別子を格納するためのキー。
var clientKeyContextKey = contextKey("client_key")

var errNoClientKey = errors.New("client key not found in context")

// NewClientKeyMiddleware はリクエスト元を識別するキーをコンテキストに注入するミドルウェアを返す。
// ゲートウェイのユーザーIDヘッダーがあれば "user:<id>"、なければ "ip:<addr>" を使う。
// chiのRealIPミドルウェアの後に配置するとプロキシ経由のIPが使われる。
func NewClientKeyMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientKeyContextKey, deriveClientKey(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientKeyFromContext はコンテキストからクライアント識別子を取り出す。
func ClientKeyFromContext(ctx context.Context) (string, error) {
	key, ok := ctx.Value(clientKeyContextKey).(string)
	if !ok || key == "" {
		return "", errNoClientKey
	}
	return key, nil
}

// clientKey はコンテキストのクライアント識別子を返す。未設定の場合はリクエストから導出する。
func clientKey(r *http.Request) string {
	if key, err := ClientKeyFromContext(r.Context()); err == nil {
		return key
	}
	return deriveClientKey(r)
}

func deriveClientKey(r *http.Request) string {
	if userID := strings.TrimSpace(r.Header.Get(GatewayUserHeader)); userID != "" {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
