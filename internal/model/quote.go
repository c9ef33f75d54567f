package model

import "time"

// Category は名言のカテゴリを表す。
type Category string

const (
	CategoryLeadership     Category = "LEADERSHIP"
	CategoryPhilosophy     Category = "PHILOSOPHY"
	CategoryBusiness       Category = "BUSINESS"
	CategoryCreativity     Category = "CREATIVITY"
	CategoryWisdom         Category = "WISDOM"
	CategoryDecisionMaking Category = "DECISION_MAKING"
)

// Valid はカテゴリが定義済みの値かを返す。
func (c Category) Valid() bool {
	switch c {
	case CategoryLeadership, CategoryPhilosophy, CategoryBusiness,
		CategoryCreativity, CategoryWisdom, CategoryDecisionMaking:
		return true
	}
	return false
}

// 難易度の範囲。
const (
	MinDifficulty = 1
	MaxDifficulty = 5
)

// Quote は配信対象の名言を表す。
// 一度でも配信された名言は変更されない（内容の修正は新しいIDで作成される）。
type Quote struct {
	ID              string
	Content         string
	Author          string
	Category        Category
	DifficultyLevel int
	IsActive        bool
	CreatedAt       time.Time
}

// QuoteFilter はカタログ検索の絞り込み条件を表す。
// ゼロ値のフィールドは絞り込みに使用しない。
type QuoteFilter struct {
	Category      *Category
	MinDifficulty int
	MaxDifficulty int
}

// Matches は名言がフィルタ条件に合致するかを返す。アクティブかどうかは判定しない。
func (f QuoteFilter) Matches(q *Quote) bool {
	if f.Category != nil && q.Category != *f.Category {
		return false
	}
	if f.MinDifficulty > 0 && q.DifficultyLevel < f.MinDifficulty {
		return false
	}
	if f.MaxDifficulty > 0 && q.DifficultyLevel > f.MaxDifficulty {
		return false
	}
	return true
}

// QuoteMetrics は名言ごとの配信・エンゲージメント集計を表す。
type QuoteMetrics struct {
	QuoteID           string
	Deliveries        int
	Redeliveries      int
	Views             int
	Stars             int
	AverageEngagement float64
	LastDeliveredAt   *time.Time
}
