// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ドメイン層で共有するセンチネルエラー。
// リポジトリ・サービス層はこれらを%wでラップして返し、呼び出し元はerrors.Isで判定する。
var (
	// ErrNotFound は参照したID（名言、配信レコード、ユーザー）が存在しないことを表す。
	ErrNotFound = errors.New("not found")
	// ErrConflict は同一(user_id, quote_id)の配信が既に記録済みであることを表す。
	// 二重送信ガードであり、呼び出し元は成功として扱ってよい。
	ErrConflict = errors.New("delivery already recorded")
	// ErrNoEligibleQuote はターゲティング条件に合致するアクティブな名言が存在しないことを表す。
	ErrNoEligibleQuote = errors.New("no eligible quote")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, quote, delivery, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeQuoteNotFound      = "QUOTE_NOT_FOUND"
	ErrCodeDeliveryNotFound   = "DELIVERY_NOT_FOUND"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeNoDeliveryYet      = "NO_DELIVERY_YET"
	ErrCodeInvalidInteraction = "INVALID_INTERACTION"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewQuoteNotFoundError は名言未検出エラーを生成する。
func NewQuoteNotFoundError(quoteID string) *APIError {
	return &APIError{
		Code:     ErrCodeQuoteNotFound,
		Message:  fmt.Sprintf("指定された名言が見つかりません: %s", quoteID),
		Category: "quote",
		Action:   "名言IDを確認してください。",
	}
}

// NewDeliveryNotFoundError は配信レコード未検出エラーを生成する。
func NewDeliveryNotFoundError(recordID string) *APIError {
	return &APIError{
		Code:     ErrCodeDeliveryNotFound,
		Message:  fmt.Sprintf("指定された配信レコードが見つかりません: %s", recordID),
		Category: "delivery",
		Action:   "配信IDを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "validation",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewNoDeliveryYetError は本日の名言がまだ配信されていない場合のエラーを生成する。
func NewNoDeliveryYetError() *APIError {
	return &APIError{
		Code:     ErrCodeNoDeliveryYet,
		Message:  "まだ名言が配信されていません。",
		Category: "delivery",
		Action:   "配信時刻を過ぎてから再度お試しください。",
	}
}

// NewInvalidInteractionError は閲覧・スター操作のリクエストが不正な場合のエラーを生成する。
func NewInvalidInteractionError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInteraction,
		Message:  fmt.Sprintf("無効なリクエストです: %s", reason),
		Category: "validation",
		Action:   "viewed または starred のいずれかを指定してください。",
	}
}

// NewRateLimitError はレート制限超過時のエラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
