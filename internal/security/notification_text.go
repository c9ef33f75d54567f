package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// NotificationTextSanitizer は名言の本文をプッシュ通知に載せられるプレーンテキストに変換する。
// キュレーション経由で登録された本文にマークアップが混入していても、
// 通知にはタグを含まないテキストだけを渡す。
type NotificationTextSanitizer struct {
	policy *bluemonday.Policy
}

// NewNotificationTextSanitizer はNotificationTextSanitizerを生成する。
// bluemondayのStrictPolicyで全てのタグを除去する（script, styleは内容ごと除去される）。
func NewNotificationTextSanitizer() *NotificationTextSanitizer {
	return &NotificationTextSanitizer{policy: bluemonday.StrictPolicy()}
}

// PlainText はタグを除去し、エスケープを戻し、連続する空白を1つにまとめたテキストを返す。
// maxRunesが正の場合は文字数を制限し、切り詰めた場合は末尾に「…」を付ける。
// 同一入力に対して常に同一出力を返す。
func (s *NotificationTextSanitizer) PlainText(raw string, maxRunes int) string {
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxRunes-1])) + "…"
}
