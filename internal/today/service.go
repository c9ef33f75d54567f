// Package today は「今日の名言」の参照サービスを提供する。
// 最新の配信レコードと名言を結合して返し、Redisのキャッシュを前段に置く（cache-aside）。
package today

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/quoteday/internal/model"
)

// キャッシュ参照結果のラベル。
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupError = "error"
)

// UserFinder はユーザーの存在確認に使うインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// LatestDeliveryFinder は最新の配信レコードを返すインターフェース。
// 配信履歴がない場合はmodel.ErrNotFoundを返す。
type LatestDeliveryFinder interface {
	Latest(ctx context.Context, userID string) (*model.DeliveryRecord, error)
}

// QuoteLookup は非アクティブな名言も含めて名言を返すインターフェース。
type QuoteLookup interface {
	Lookup(ctx context.Context, id string) (*model.Quote, error)
}

// Cache は「今日の名言」のキャッシュ。Getはミス時にnilと現在の世代を返す。
// SetはGetで得た世代を受け取り、その後にInvalidateされていれば保存しない。
type Cache interface {
	Get(ctx context.Context, userID string) (*model.TodayQuote, int64, error)
	Set(ctx context.Context, userID string, version int64, tq *model.TodayQuote) error
	Invalidate(ctx context.Context, userID string) error
}

// LookupRecorder はキャッシュ参照結果を記録する。
type LookupRecorder interface {
	RecordCacheLookup(result string)
}

// Service は「今日の名言」の参照サービス。
type Service struct {
	users    UserFinder
	ledger   LatestDeliveryFinder
	quotes   QuoteLookup
	cache    Cache
	recorder LookupRecorder
	logger   *slog.Logger
}

// NewService はServiceを生成する。cacheとrecorderはnilでもよい。
func NewService(users UserFinder, ledger LatestDeliveryFinder, quotes QuoteLookup, cache Cache, recorder LookupRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:    users,
		ledger:   ledger,
		quotes:   quotes,
		cache:    cache,
		recorder: recorder,
		logger:   logger,
	}
}

// Today はユーザーに最後に配信された名言を返す。
// ユーザーが存在しない場合はUSER_NOT_FOUND、配信履歴がない場合はNO_DELIVERY_YETの
// model.APIErrorを返す。キャッシュの障害はログに記録してDBから読み込む。
func (s *Service) Today(ctx context.Context, userID string) (*model.TodayQuote, error) {
	tq, version, cacheable := s.fromCache(ctx, userID)
	if tq != nil {
		return tq, nil
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	rec, err := s.ledger.Latest(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.NewNoDeliveryYetError()
	}
	if err != nil {
		return nil, err
	}

	quote, err := s.quotes.Lookup(ctx, rec.QuoteID)
	if err != nil {
		return nil, err
	}

	tq = &model.TodayQuote{Record: rec, Quote: quote}
	if cacheable {
		if err := s.cache.Set(ctx, userID, version, tq); err != nil {
			s.logger.Warn("今日の名言のキャッシュ保存に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	return tq, nil
}

// Invalidate はユーザーの「今日の名言」キャッシュを破棄する。
// 閲覧・スターの記録後に呼び出す。
func (s *Service) Invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Warn("今日の名言のキャッシュ破棄に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// fromCache はキャッシュを参照する。cacheableはミス時に読み込んだ値を保存してよいかを表し、
// キャッシュの参照に失敗した場合は世代が分からないためfalseになる。
func (s *Service) fromCache(ctx context.Context, userID string) (tq *model.TodayQuote, version int64, cacheable bool) {
	if s.cache == nil {
		return nil, 0, false
	}
	tq, version, err := s.cache.Get(ctx, userID)
	switch {
	case err != nil:
		s.record(LookupError)
		s.logger.Warn("今日の名言のキャッシュ参照に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, 0, false
	case tq == nil:
		s.record(LookupMiss)
		return nil, version, true
	default:
		s.record(LookupHit)
		return tq, version, true
	}
}

func (s *Service) record(result string) {
	if s.recorder != nil {
		s.recorder.RecordCacheLookup(result)
	}
}
