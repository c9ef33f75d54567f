// Package selection は配信する名言の選択を行う。
// 未配信の名言から一様ランダムに選び、カタログを一巡したユーザーには
// 最も古く配信した名言を再配信する。
package selection

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/hitoshi/quoteday/internal/model"
)

// CatalogReader はカタログの読み取りインターフェース。
type CatalogReader interface {
	ListActive(ctx context.Context, filter model.QuoteFilter) ([]*model.Quote, error)
}

// HistoryReader は配信履歴の読み取りインターフェース。
type HistoryReader interface {
	UndeliveredQuoteIDs(ctx context.Context, userID string, candidateIDs map[string]struct{}) (map[string]struct{}, error)
	DeliveryTimes(ctx context.Context, userID string, quoteIDs []string) (map[string]time.Time, error)
}

// Result は選択結果を表す。
type Result struct {
	Quote *model.Quote
	// Repeat はカタログを一巡した後の再配信であることを表す。
	Repeat bool
}

// Engine は名言選択エンジン。
type Engine struct {
	catalog   CatalogReader
	history   HistoryReader
	targeting Targeting
}

// NewEngine はEngineを生成する。targetingがnilの場合はDefaultTierTargetingを使用する。
func NewEngine(catalog CatalogReader, history HistoryReader, targeting Targeting) *Engine {
	if targeting == nil {
		targeting = DefaultTierTargeting()
	}
	return &Engine{catalog: catalog, history: history, targeting: targeting}
}

// Select はユーザーに配信する名言を1件選択する。
// 条件に合致するアクティブな名言がない場合はmodel.ErrNoEligibleQuoteを返す。
func (e *Engine) Select(ctx context.Context, user *model.User, rnd *rand.Rand) (Result, error) {
	candidates, err := e.catalog.ListActive(ctx, e.targeting.FilterFor(user))
	if err != nil {
		return Result{}, fmt.Errorf("候補の取得に失敗しました: %w", err)
	}
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("user %s: %w", user.ID, model.ErrNoEligibleQuote)
	}

	ids := make(map[string]struct{}, len(candidates))
	for _, q := range candidates {
		ids[q.ID] = struct{}{}
	}

	undelivered, err := e.history.UndeliveredQuoteIDs(ctx, user.ID, ids)
	if err != nil {
		return Result{}, fmt.Errorf("未配信の名言の取得に失敗しました: %w", err)
	}

	var deliveryTimes map[string]time.Time
	if len(undelivered) == 0 {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		deliveryTimes, err = e.history.DeliveryTimes(ctx, user.ID, list)
		if err != nil {
			return Result{}, fmt.Errorf("配信履歴の取得に失敗しました: %w", err)
		}
	}

	return Choose(candidates, undelivered, deliveryTimes, rnd)
}

// Choose は候補・未配信集合・配信時刻から名言を1件選ぶ純粋関数。
// 未配信の候補があればID順に並べた上でrndから一様に選ぶ。
// なければdeliveryTimesが最も古い候補を選び、Repeatを立てる（同時刻はID順）。
func Choose(candidates []*model.Quote, undelivered map[string]struct{}, deliveryTimes map[string]time.Time, rnd *rand.Rand) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, model.ErrNoEligibleQuote
	}

	sorted := make([]*model.Quote, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	pool := make([]*model.Quote, 0, len(undelivered))
	for i, q := range sorted {
		if i > 0 && sorted[i-1].ID == q.ID {
			continue
		}
		if _, ok := undelivered[q.ID]; ok {
			pool = append(pool, q)
		}
	}
	if len(pool) > 0 {
		return Result{Quote: pool[rnd.IntN(len(pool))]}, nil
	}

	oldest := sorted[0]
	oldestAt := deliveryTimes[oldest.ID]
	for _, q := range sorted[1:] {
		at := deliveryTimes[q.ID]
		if at.Before(oldestAt) {
			oldest, oldestAt = q, at
		}
	}
	return Result{Quote: oldest, Repeat: true}, nil
}
