package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/quoteday/internal/model"
	"github.com/lib/pq"
)

// PostgresDeliveryRepo はPostgreSQLを使用した配信履歴リポジトリ。
type PostgresDeliveryRepo struct {
	db *sql.DB
}

// NewPostgresDeliveryRepo はPostgresDeliveryRepoを生成する。
func NewPostgresDeliveryRepo(db *sql.DB) *PostgresDeliveryRepo {
	return &PostgresDeliveryRepo{db: db}
}

const deliveryColumns = `id, user_id, quote_id, delivered_at, viewed_at, starred_at,
	engagement_score, delivery_count, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*model.DeliveryRecord, error) {
	rec := &model.DeliveryRecord{}
	var viewedAt, starredAt sql.NullTime
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.QuoteID, &rec.DeliveredAt,
		&viewedAt, &starredAt,
		&rec.EngagementScore, &rec.DeliveryCount, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	rec.ViewedAt = nullTimePtr(viewedAt)
	rec.StarredAt = nullTimePtr(starredAt)
	return rec, nil
}

func (r *PostgresDeliveryRepo) findOne(ctx context.Context, op, query string, args ...any) (*model.DeliveryRecord, error) {
	rec, err := scanDelivery(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%sに失敗しました: %w", op, err)
	}
	return rec, nil
}

// FindByID は指定IDの配信レコードを取得する。見つからない場合はnilを返す。
func (r *PostgresDeliveryRepo) FindByID(ctx context.Context, id string) (*model.DeliveryRecord, error) {
	return r.findOne(ctx, "配信レコードの取得",
		`SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`, id)
}

// FindByUserAndQuote はユーザーIDと名言IDで配信レコードを取得する。見つからない場合はnilを返す。
func (r *PostgresDeliveryRepo) FindByUserAndQuote(ctx context.Context, userID, quoteID string) (*model.DeliveryRecord, error) {
	return r.findOne(ctx, "配信レコードの取得",
		`SELECT `+deliveryColumns+` FROM delivery_records WHERE user_id = $1 AND quote_id = $2`,
		userID, quoteID)
}

// FindByUserAndDeliveredAt は指定スロットで記録された配信レコードを取得する。
func (r *PostgresDeliveryRepo) FindByUserAndDeliveredAt(ctx context.Context, userID string, deliveredAt time.Time) (*model.DeliveryRecord, error) {
	return r.findOne(ctx, "スロットの配信レコードの取得",
		`SELECT `+deliveryColumns+` FROM delivery_records
		 WHERE user_id = $1 AND delivered_at = $2
		 LIMIT 1`,
		userID, deliveredAt.UTC())
}

// FindLatestByUser はユーザーの最新の配信レコードを取得する。
func (r *PostgresDeliveryRepo) FindLatestByUser(ctx context.Context, userID string) (*model.DeliveryRecord, error) {
	return r.findOne(ctx, "最新の配信レコードの取得",
		`SELECT `+deliveryColumns+` FROM delivery_records
		 WHERE user_id = $1
		 ORDER BY delivered_at DESC
		 LIMIT 1`,
		userID)
}

// ListDeliveredAt は指定した名言IDのうち配信済みのものの最終配信時刻を返す。
// (user_id, delivered_at) と (user_id, quote_id) のインデックスにより、履歴が多いユーザーでも1クエリで済む。
func (r *PostgresDeliveryRepo) ListDeliveredAt(ctx context.Context, userID string, quoteIDs []string) (map[string]time.Time, error) {
	result := make(map[string]time.Time, len(quoteIDs))
	if len(quoteIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT quote_id, delivered_at FROM delivery_records
		 WHERE user_id = $1 AND quote_id = ANY($2::uuid[])`,
		userID, pq.Array(quoteIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("配信済み名言の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var quoteID string
		var deliveredAt time.Time
		if err := rows.Scan(&quoteID, &deliveredAt); err != nil {
			return nil, fmt.Errorf("配信済み名言の読み取りに失敗しました: %w", err)
		}
		result[quoteID] = deliveredAt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信済み名言の走査に失敗しました: %w", err)
	}

	return result, nil
}

// Insert は配信レコードを作成する。
// UNIQUE(user_id, quote_id)制約を利用したINSERT ON CONFLICT DO NOTHINGで、
// 存在確認と挿入を1文で原子的に行う。重複時はfalseを返す。
func (r *PostgresDeliveryRepo) Insert(ctx context.Context, record *model.DeliveryRecord) (bool, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.DeliveryCount == 0 {
		record.DeliveryCount = 1
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO delivery_records (id, user_id, quote_id, delivered_at, engagement_score, delivery_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, quote_id) DO NOTHING
		 RETURNING created_at`,
		record.ID, record.UserID, record.QuoteID, record.DeliveredAt.UTC(),
		record.EngagementScore, record.DeliveryCount,
	).Scan(&record.CreatedAt)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("配信レコードの作成に失敗しました: %w", err)
	}
	return true, nil
}

// Redeliver は既存の配信レコードを再配信として更新する。
// delivered_atが既に指定スロット以降の場合は更新せず現在のレコードを返す。
func (r *PostgresDeliveryRepo) Redeliver(ctx context.Context, userID, quoteID string, deliveredAt time.Time) (*model.DeliveryRecord, error) {
	rec, err := scanDelivery(r.db.QueryRowContext(ctx,
		`UPDATE delivery_records SET
		    delivered_at = $3,
		    delivery_count = delivery_count + 1
		 WHERE user_id = $1 AND quote_id = $2 AND delivered_at < $3
		 RETURNING `+deliveryColumns,
		userID, quoteID, deliveredAt.UTC(),
	))
	if err == sql.ErrNoRows {
		return r.FindByUserAndQuote(ctx, userID, quoteID)
	}
	if err != nil {
		return nil, fmt.Errorf("再配信の記録に失敗しました: %w", err)
	}
	return rec, nil
}

// UpdateInteraction は閲覧・スター日時とエンゲージメントスコアを更新する。
// 日時はCOALESCEで最初の記録を保持し、スコアはGREATESTで単調増加を保つ。
// スコアは更新後の閲覧・スターの有無からSQL内で選ぶ。UPDATEは行ロックを取り、
// 同時に来た閲覧とスターの更新は後続側が確定済みの行で再評価されるため、両方が反映される。
func (r *PostgresDeliveryRepo) UpdateInteraction(ctx context.Context, id string, viewedAt, starredAt *time.Time, scores model.EngagementScores) (*model.DeliveryRecord, error) {
	rec, err := scanDelivery(r.db.QueryRowContext(ctx,
		`UPDATE delivery_records SET
		    viewed_at = COALESCE(viewed_at, $2),
		    starred_at = COALESCE(starred_at, $3),
		    engagement_score = GREATEST(engagement_score,
		        CASE
		            WHEN COALESCE(viewed_at, $2) IS NOT NULL AND COALESCE(starred_at, $3) IS NOT NULL THEN $7::double precision
		            WHEN COALESCE(starred_at, $3) IS NOT NULL THEN $6::double precision
		            WHEN COALESCE(viewed_at, $2) IS NOT NULL THEN $5::double precision
		            ELSE $4::double precision
		        END)
		 WHERE id = $1
		 RETURNING `+deliveryColumns,
		id, viewedAt, starredAt, scores.None, scores.Viewed, scores.Starred, scores.Both,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("閲覧・スター状態の更新に失敗しました: %w", err)
	}
	return rec, nil
}

// AggregateByQuote は名言ごとの配信・エンゲージメント集計を返す。
// 配信実績がない名言はゼロ値の集計を返す。
func (r *PostgresDeliveryRepo) AggregateByQuote(ctx context.Context, quoteID string) (*model.QuoteMetrics, error) {
	m := &model.QuoteMetrics{QuoteID: quoteID}
	var lastDeliveredAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delivery_count), 0),
		        COALESCE(SUM(delivery_count - 1), 0),
		        COUNT(viewed_at),
		        COUNT(starred_at),
		        COALESCE(AVG(engagement_score), 0),
		        MAX(delivered_at)
		 FROM delivery_records
		 WHERE quote_id = $1`,
		quoteID,
	).Scan(&m.Deliveries, &m.Redeliveries, &m.Views, &m.Stars, &m.AverageEngagement, &lastDeliveredAt)
	if err != nil {
		return nil, fmt.Errorf("名言の配信集計に失敗しました: %w", err)
	}

	m.LastDeliveredAt = nullTimePtr(lastDeliveredAt)
	return m, nil
}

// nullTimePtr はsql.NullTimeを*time.Timeに変換する。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// compile-time interface check
var _ DeliveryRepository = (*PostgresDeliveryRepo)(nil)
