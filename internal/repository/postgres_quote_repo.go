package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/quoteday/internal/model"
)

// PostgresQuoteRepo はPostgreSQLを使用した名言カタログリポジトリ。
type PostgresQuoteRepo struct {
	db *sql.DB
}

// NewPostgresQuoteRepo はPostgresQuoteRepoを生成する。
func NewPostgresQuoteRepo(db *sql.DB) *PostgresQuoteRepo {
	return &PostgresQuoteRepo{db: db}
}

const quoteColumns = `id, content, author, category, difficulty_level, is_active, created_at`

// FindByID は指定IDの名言を取得する。見つからない場合はnilを返す。
func (r *PostgresQuoteRepo) FindByID(ctx context.Context, id string) (*model.Quote, error) {
	q := &model.Quote{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+quoteColumns+` FROM quotes WHERE id = $1`,
		id,
	).Scan(&q.ID, &q.Content, &q.Author, &q.Category, &q.DifficultyLevel, &q.IsActive, &q.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("名言の取得に失敗しました: %w", err)
	}
	return q, nil
}

// ListActive はフィルタ条件に合致するアクティブな名言を返す。
// フィルタのゼロ値はSQL側で条件なしとして扱う。
func (r *PostgresQuoteRepo) ListActive(ctx context.Context, filter model.QuoteFilter) ([]*model.Quote, error) {
	var category sql.NullString
	if filter.Category != nil {
		category = sql.NullString{String: string(*filter.Category), Valid: true}
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+quoteColumns+`
		 FROM quotes
		 WHERE is_active = true
		   AND ($1::text IS NULL OR category = $1)
		   AND ($2 = 0 OR difficulty_level >= $2)
		   AND ($3 = 0 OR difficulty_level <= $3)`,
		category, filter.MinDifficulty, filter.MaxDifficulty,
	)
	if err != nil {
		return nil, fmt.Errorf("アクティブな名言の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	quotes := make([]*model.Quote, 0)
	for rows.Next() {
		q := &model.Quote{}
		if err := rows.Scan(&q.ID, &q.Content, &q.Author, &q.Category, &q.DifficultyLevel, &q.IsActive, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("名言の読み取りに失敗しました: %w", err)
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("名言の走査に失敗しました: %w", err)
	}

	return quotes, nil
}

// compile-time interface check
var _ QuoteRepository = (*PostgresQuoteRepo)(nil)
