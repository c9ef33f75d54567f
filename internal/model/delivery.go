package model

import "time"

// DeliveryRecord は配信履歴台帳のエントリを表す。
// (UserID, QuoteID) の組は一意であり、再配信時は同じレコードのDeliveredAtを更新する。
type DeliveryRecord struct {
	ID              string
	UserID          string
	QuoteID         string
	DeliveredAt     time.Time // 配信スロットの時刻（スケジュール上の配信予定時刻）
	ViewedAt        *time.Time
	StarredAt       *time.Time
	EngagementScore float64
	DeliveryCount   int // 同一名言の配信回数（カタログ一巡後の再配信で増加）
	CreatedAt       time.Time
}

// TodayQuote は「今日の名言」クエリの結果を表す。
// 最新の配信レコードと対応する名言を結合したもの。
type TodayQuote struct {
	Record *DeliveryRecord
	Quote  *Quote
}

// EngagementScores は閲覧・スターの組み合わせごとのエンゲージメントスコア。
// 閲覧とスターが別々のリクエストで同時に記録されても、更新後の状態に対応する値を
// 書き込めるように、4通りすべてを台帳の更新に渡す。
type EngagementScores struct {
	None    float64
	Viewed  float64
	Starred float64
	Both    float64
}

// For は閲覧・スターの有無に対応するスコアを返す。
func (s EngagementScores) For(viewed, starred bool) float64 {
	switch {
	case viewed && starred:
		return s.Both
	case starred:
		return s.Starred
	case viewed:
		return s.Viewed
	default:
		return s.None
	}
}
