// Package catalog はアクティブな名言の参照を提供する。
// カタログの更新は外部のキュレーションワークフローが行い、ここでは読み取りのみ行う。
package catalog

import (
	"context"
	"fmt"

	"github.com/hitoshi/quoteday/internal/model"
	"github.com/hitoshi/quoteday/internal/repository"
)

// Catalog は名言カタログの読み取りサービス。
type Catalog struct {
	repo repository.QuoteRepository
}

// New はCatalogを生成する。
func New(repo repository.QuoteRepository) *Catalog {
	return &Catalog{repo: repo}
}

// ListActive はフィルタ条件に合致するアクティブな名言を返す。
// 該当なしの場合はエラーではなく空スライスを返す。呼び出し元は順序に依存してはならない。
func (c *Catalog) ListActive(ctx context.Context, filter model.QuoteFilter) ([]*model.Quote, error) {
	quotes, err := c.repo.ListActive(ctx, filter)
	if err != nil {
		return nil, err
	}
	if quotes == nil {
		quotes = []*model.Quote{}
	}
	return quotes, nil
}

// Get は指定IDのアクティブな名言を返す。
// 存在しないか非アクティブな場合はmodel.ErrNotFoundを返す。
func (c *Catalog) Get(ctx context.Context, id string) (*model.Quote, error) {
	q, err := c.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !q.IsActive {
		return nil, fmt.Errorf("quote %s is inactive: %w", id, model.ErrNotFound)
	}
	return q, nil
}

// Lookup は非アクティブな名言も含めて指定IDの名言を返す。
// 配信済みの名言の表示に使う。存在しない場合はmodel.ErrNotFoundを返す。
func (c *Catalog) Lookup(ctx context.Context, id string) (*model.Quote, error) {
	q, err := c.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("quote %s: %w", id, model.ErrNotFound)
	}
	return q, nil
}
