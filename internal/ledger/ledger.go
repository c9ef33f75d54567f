// Package ledger は配信履歴台帳を提供する。
// 誰にどの名言をいつ配信したかを記録し、重複配信の防止とエンゲージメントの集計に使う。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/quoteday/internal/model"
	"github.com/hitoshi/quoteday/internal/repository"
)

// Ledger は配信履歴台帳サービス。
// 台帳への書き込みは配信ワーカーのみが行い、閲覧・スターの記録はAPIから行う。
type Ledger struct {
	repo   repository.DeliveryRepository
	scorer EngagementScorer
}

// New はLedgerを生成する。scorerがnilの場合はDefaultScorerを使用する。
func New(repo repository.DeliveryRepository, scorer EngagementScorer) *Ledger {
	if scorer == nil {
		scorer = DefaultScorer()
	}
	return &Ledger{repo: repo, scorer: scorer}
}

// HasBeenDelivered はユーザーに名言が配信済みかを返す。
func (l *Ledger) HasBeenDelivered(ctx context.Context, userID, quoteID string) (bool, error) {
	rec, err := l.repo.FindByUserAndQuote(ctx, userID, quoteID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// UndeliveredQuoteIDs は候補IDのうちユーザーに未配信のものを返す。
func (l *Ledger) UndeliveredQuoteIDs(ctx context.Context, userID string, candidateIDs map[string]struct{}) (map[string]struct{}, error) {
	ids := make([]string, 0, len(candidateIDs))
	for id := range candidateIDs {
		ids = append(ids, id)
	}

	delivered, err := l.repo.ListDeliveredAt(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	undelivered := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := delivered[id]; !ok {
			undelivered[id] = struct{}{}
		}
	}
	return undelivered, nil
}

// DeliveryTimes は指定した名言IDのうち配信済みのものの最終配信時刻を返す。
func (l *Ledger) DeliveryTimes(ctx context.Context, userID string, quoteIDs []string) (map[string]time.Time, error) {
	return l.repo.ListDeliveredAt(ctx, userID, quoteIDs)
}

// RecordDelivery は配信を記録する。
// 同じ(userID, quoteID)が既に記録済みの場合はmodel.ErrConflictを返す。
// 存在確認と挿入はリポジトリ側で原子的に行われる。
func (l *Ledger) RecordDelivery(ctx context.Context, userID, quoteID string, at time.Time) (*model.DeliveryRecord, error) {
	rec := &model.DeliveryRecord{
		UserID:        userID,
		QuoteID:       quoteID,
		DeliveredAt:   at.UTC(),
		DeliveryCount: 1,
	}
	inserted, err := l.repo.Insert(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("user %s quote %s: %w", userID, quoteID, model.ErrConflict)
	}
	return rec, nil
}

// RecordRedelivery はカタログを一巡したユーザーへの再配信を記録する。
// (userID, quoteID)の一意性を保つため、既存レコードのdelivered_atを更新する。
// 同じ時刻での再実行は冪等。既存レコードがない場合はmodel.ErrNotFoundを返す。
func (l *Ledger) RecordRedelivery(ctx context.Context, userID, quoteID string, at time.Time) (*model.DeliveryRecord, error) {
	rec, err := l.repo.Redeliver(ctx, userID, quoteID, at.UTC())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("delivery of quote %s to user %s: %w", quoteID, userID, model.ErrNotFound)
	}
	return rec, nil
}

// Find はユーザーIDと名言IDで配信レコードを返す。存在しない場合はmodel.ErrNotFoundを返す。
func (l *Ledger) Find(ctx context.Context, userID, quoteID string) (*model.DeliveryRecord, error) {
	rec, err := l.repo.FindByUserAndQuote(ctx, userID, quoteID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("delivery of quote %s to user %s: %w", quoteID, userID, model.ErrNotFound)
	}
	return rec, nil
}

// FindBySlot は指定スロットで記録された配信レコードを返す。
// 記録後・送信前に中断した配信を同じ名言で再開するために使う。
// 存在しない場合はmodel.ErrNotFoundを返す。
func (l *Ledger) FindBySlot(ctx context.Context, userID string, slot time.Time) (*model.DeliveryRecord, error) {
	rec, err := l.repo.FindByUserAndDeliveredAt(ctx, userID, slot.UTC())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("delivery for user %s at %s: %w", userID, slot.UTC().Format(time.RFC3339), model.ErrNotFound)
	}
	return rec, nil
}

// Latest はユーザーの最新の配信レコードを返す。
// 配信履歴がない場合はmodel.ErrNotFoundを返す。
func (l *Ledger) Latest(ctx context.Context, userID string) (*model.DeliveryRecord, error) {
	rec, err := l.repo.FindLatestByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("latest delivery for user %s: %w", userID, model.ErrNotFound)
	}
	return rec, nil
}

// RecordInteraction は配信レコードに閲覧・スターを記録し、エンゲージメントスコアを再計算する。
// 既に記録済みの日時は保持される。レコードが存在しない場合はmodel.ErrNotFoundを返す。
// スコアは読み出した状態ではなく更新後の行から決まるため、同時の閲覧とスターでも取りこぼさない。
func (l *Ledger) RecordInteraction(ctx context.Context, recordID string, viewedAt, starredAt *time.Time) (*model.DeliveryRecord, error) {
	if viewedAt == nil && starredAt == nil {
		rec, err := l.repo.FindByID(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("delivery record %s: %w", recordID, model.ErrNotFound)
		}
		return rec, nil
	}

	updated, err := l.repo.UpdateInteraction(ctx, recordID, utc(viewedAt), utc(starredAt), l.scores())
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("delivery record %s: %w", recordID, model.ErrNotFound)
	}
	return updated, nil
}

func (l *Ledger) scores() model.EngagementScores {
	return model.EngagementScores{
		None:    l.scorer.Score(false, false),
		Viewed:  l.scorer.Score(true, false),
		Starred: l.scorer.Score(false, true),
		Both:    l.scorer.Score(true, true),
	}
}

// QuoteMetrics は名言ごとの配信・エンゲージメント集計を返す。
func (l *Ledger) QuoteMetrics(ctx context.Context, quoteID string) (*model.QuoteMetrics, error) {
	m, err := l.repo.AggregateByQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("aggregate returned no result")
	}
	return m, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
