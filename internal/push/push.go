// Package push はプッシュ通知の送信トランスポートを提供する。
// 送信失敗はリトライ可能（一時的）、終端的（メッセージの不備・無効なデバイストークン）、
// トランスポート全体の障害（認証失敗）に分類して返す。
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Message はプッシュ通知の内容を表す。
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Transport はプッシュ通知の送信インターフェース。
// 失敗時は*Errorを返し、呼び出し側はIsRetryable/IsTerminalで分類する。
type Transport interface {
	Send(ctx context.Context, token string, msg Message) error
	// Name はメトリクスやログに使うトランスポート名を返す。
	Name() string
}

// Error はトランスポートの送信失敗を表す。
// TokenInvalidはデバイストークン自体が無効であること、
// Unavailableは認証失敗などでトランスポート全体が送信できない状態であることを表す。
type Error struct {
	Transport    string
	StatusCode   int
	Reason       string
	Retryable    bool
	TokenInvalid bool
	Unavailable  bool
	Err          error
}

func (e *Error) Error() string {
	kind := "terminal"
	switch {
	case e.Unavailable:
		kind = "unavailable"
	case e.TokenInvalid:
		kind = "token-invalid"
	case e.Retryable:
		kind = "retryable"
	}
	msg := fmt.Sprintf("%s: %s push failure", e.Transport, kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrEmptyToken はデバイストークンが空の場合のエラー。
	ErrEmptyToken = errors.New("device token is empty")
	// ErrUnauthenticated はトランスポートの認証情報を取得・利用できない場合のエラー。
	ErrUnauthenticated = errors.New("push transport authentication failed")
)

func retryable(transport string, status int, reason string, err error) *Error {
	return &Error{Transport: transport, StatusCode: status, Reason: reason, Retryable: true, Err: err}
}

func terminal(transport string, status int, reason string, err error) *Error {
	return &Error{Transport: transport, StatusCode: status, Reason: reason, Err: err}
}

func tokenInvalid(transport string, status int, reason string, err error) *Error {
	return &Error{Transport: transport, StatusCode: status, Reason: reason, TokenInvalid: true, Err: err}
}

func unavailable(transport string, status int, reason string, err error) *Error {
	return &Error{Transport: transport, StatusCode: status, Reason: reason, Retryable: true, Unavailable: true, Err: err}
}

func asError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsTerminal はリトライしても成功しない失敗かを判定する。
func IsTerminal(err error) bool {
	pe, ok := asError(err)
	return ok && !pe.Retryable
}

// IsRetryable はリトライで成功しうる失敗かを判定する。
// *Error以外のエラー（タイムアウト等）はリトライ可能として扱う。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsTerminal(err)
}

// IsTokenInvalid はデバイストークンを無効化すべき失敗かを判定する。
// メッセージ側の不備による終端的な失敗ではfalseを返す。
func IsTokenInvalid(err error) bool {
	pe, ok := asError(err)
	return ok && pe.TokenInvalid
}

// IsUnavailable はトランスポート全体が送信できない失敗かを判定する。
// この失敗はユーザーごとのリトライ回数に数えない。
func IsUnavailable(err error) bool {
	pe, ok := asError(err)
	return ok && pe.Unavailable
}

// StatusClass はゲートウェイのHTTPステータスコードの分類。
type StatusClass int

const (
	// StatusOK は送信成功。
	StatusOK StatusClass = iota
	// StatusRetryable はリトライで成功しうる失敗。
	StatusRetryable
	// StatusTerminal はリクエスト内容の不備による失敗。トークンは有効なまま。
	StatusTerminal
	// StatusTokenInvalid は宛先のデバイストークンが無効。
	StatusTokenInvalid
	// StatusUnavailable は認証・認可の失敗。全ユーザーの送信が失敗する。
	StatusUnavailable
)

// ClassifyStatus はゲートウェイのHTTPステータスコードを分類する。
func ClassifyStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return StatusTokenInvalid
	case statusCode == http.StatusBadRequest || statusCode == http.StatusRequestEntityTooLarge:
		return StatusTerminal
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return StatusUnavailable
	default:
		return StatusRetryable
	}
}

// statusError はStatusClassに対応する*Errorを返す。成功の場合はnilを返す。
func statusError(transport string, class StatusClass, status int, reason string) error {
	switch class {
	case StatusOK:
		return nil
	case StatusTerminal:
		return terminal(transport, status, reason, nil)
	case StatusTokenInvalid:
		return tokenInvalid(transport, status, reason, nil)
	case StatusUnavailable:
		return unavailable(transport, status, reason, nil)
	default:
		return retryable(transport, status, reason, nil)
	}
}

// wrapSendError はコンテキストやネットワークのエラーを*Errorに変換する。
// 認証情報の取得失敗はトランスポート全体の障害、それ以外はリトライ可能として扱う。
func wrapSendError(transport string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, ErrUnauthenticated) {
		return unavailable(transport, 0, "auth", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retryable(transport, 0, "timeout", err)
	}
	return retryable(transport, 0, "", err)
}
