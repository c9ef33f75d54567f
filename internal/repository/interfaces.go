// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/quoteday/internal/model"
)

// QuoteRepository は名言カタログの読み取りインターフェース。
// カタログの作成・更新は外部のキュレーションワークフローが行う。
type QuoteRepository interface {
	// FindByID は指定IDの名言を取得する。見つからない場合はnilを返す。
	// 非アクティブな名言も返す（配信履歴の参照用）。
	FindByID(ctx context.Context, id string) (*model.Quote, error)

	// ListActive はフィルタ条件に合致するアクティブな名言を返す。
	// 該当なしの場合は空スライスを返す。順序は保証しない。
	ListActive(ctx context.Context, filter model.QuoteFilter) ([]*model.Quote, error)
}

// DeliveryRepository は配信履歴台帳の永続化インターフェース。
type DeliveryRepository interface {
	// FindByID は指定IDの配信レコードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.DeliveryRecord, error)

	// FindByUserAndQuote はユーザーIDと名言IDで配信レコードを取得する。見つからない場合はnilを返す。
	FindByUserAndQuote(ctx context.Context, userID, quoteID string) (*model.DeliveryRecord, error)

	// FindByUserAndDeliveredAt は指定スロットで記録された配信レコードを取得する。
	// 見つからない場合はnilを返す。
	FindByUserAndDeliveredAt(ctx context.Context, userID string, deliveredAt time.Time) (*model.DeliveryRecord, error)

	// FindLatestByUser はユーザーの最新の配信レコードを取得する。見つからない場合はnilを返す。
	FindLatestByUser(ctx context.Context, userID string) (*model.DeliveryRecord, error)

	// ListDeliveredAt は指定した名言IDのうちユーザーに配信済みのものについて、
	// 名言IDから最終配信時刻へのマップを返す。
	ListDeliveredAt(ctx context.Context, userID string, quoteIDs []string) (map[string]time.Time, error)

	// Insert は配信レコードを作成する。
	// (user_id, quote_id) が既に存在する場合は何もせずfalseを返す。
	Insert(ctx context.Context, record *model.DeliveryRecord) (bool, error)

	// Redeliver は既存の配信レコードのdelivered_atを更新し、delivery_countを加算する。
	// 同じスロットでの再実行ではカウントを加算しない。レコードが存在しない場合はnilを返す。
	Redeliver(ctx context.Context, userID, quoteID string, deliveredAt time.Time) (*model.DeliveryRecord, error)

	// UpdateInteraction は閲覧・スター日時とエンゲージメントスコアを更新する。
	// 既に記録済みの日時は上書きしない。スコアは更新後の閲覧・スターの有無に対応する
	// scoresの値を同じ文で選び、減少させない。
	// レコードが存在しない場合はnilを返す。
	UpdateInteraction(ctx context.Context, id string, viewedAt, starredAt *time.Time, scores model.EngagementScores) (*model.DeliveryRecord, error)

	// AggregateByQuote は名言ごとの配信・エンゲージメント集計を返す。
	AggregateByQuote(ctx context.Context, quoteID string) (*model.QuoteMetrics, error)
}

// UserRepository はユーザー設定とスケジュール状態の永続化インターフェース。
// ユーザープロフィールは外部サービスが管理するため、ここでは参照のみ行う。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// ListDueForScan はスケジュール評価が必要なアクティブユーザーを取得する。
	// 対象は、スケジュール未作成・配信時刻到来（armed）・一時停止解除時刻到来（idle）・
	// 前回評価以降に設定が変更されたユーザー。古い順にlimit件まで返す。
	ListDueForScan(ctx context.Context, now time.Time, limit int) ([]*model.DueUser, error)

	// GetSchedule はユーザーのスケジュール状態を取得する。未作成の場合はnilを返す。
	GetSchedule(ctx context.Context, userID string) (*model.ScheduleState, error)

	// SaveSchedule はスケジュール状態をUPSERTする。
	SaveSchedule(ctx context.Context, state *model.ScheduleState) error

	// MarkDeviceTokenInvalid はユーザーのデバイストークンを無効としてマークする。
	MarkDeviceTokenInvalid(ctx context.Context, userID string, at time.Time) error
}
