package push

import (
	"github.com/hitoshi/quoteday/internal/model"
)

const (
	defaultTitle = "今日の名言"
	// maxBodyRunes は通知本文の最大文字数。FCMのペイロード上限より十分小さくする。
	maxBodyRunes = 240
)

// TextSanitizer は名言の本文をプレーンテキストに変換するインターフェース。
type TextSanitizer interface {
	PlainText(raw string, maxRunes int) string
}

// MessageBuilder は名言と配信レコードから通知メッセージを組み立てる。
type MessageBuilder struct {
	sanitizer TextSanitizer
	title     string
}

// NewMessageBuilder はMessageBuilderを生成する。titleが空の場合はデフォルトのタイトルを使う。
func NewMessageBuilder(sanitizer TextSanitizer, title string) *MessageBuilder {
	if title == "" {
		title = defaultTitle
	}
	return &MessageBuilder{sanitizer: sanitizer, title: title}
}

// Build は通知メッセージを生成する。
// Dataにはクライアントが配信レコードを開くためのIDを載せる。
func (b *MessageBuilder) Build(quote *model.Quote, rec *model.DeliveryRecord) Message {
	body := b.sanitizer.PlainText(quote.Content, maxBodyRunes)
	if author := b.sanitizer.PlainText(quote.Author, 0); author != "" {
		body += "\n- " + author
	}
	return Message{
		Title: b.title,
		Body:  body,
		Data: map[string]string{
			"delivery_id": rec.ID,
			"quote_id":    quote.ID,
			"category":    string(quote.Category),
		},
	}
}
