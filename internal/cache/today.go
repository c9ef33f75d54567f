// Package cache は「今日の名言」クエリのRedisキャッシュを提供する。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/quoteday/internal/model"
)

const (
	keyPrefix = "quoteday:today:"
	// DefaultTTL はキャッシュエントリのデフォルトの有効期間。
	DefaultTTL = 10 * time.Minute
	// genTTL は世代カウンタの有効期間。DBの読み出しにかかる時間より十分長くする。
	genTTL = 24 * time.Hour
)

// TodayCache は「今日の名言」をユーザー単位でキャッシュする。
// 新しい配信が記録されたら配信ワーカーがInvalidateで破棄する。
//
// ユーザーごとに世代カウンタを持ち、Invalidateのたびに進める。Getは読んだ時点の世代を返し、
// Setはその世代が変わっていない場合だけ保存する。DBを読んでいる間に破棄された古い値で
// キャッシュを上書きしないため。
type TodayCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewTodayCache はTodayCacheを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewTodayCache(client redis.UniversalClient, ttl time.Duration) *TodayCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TodayCache{client: client, ttl: ttl}
}

// entry はキャッシュに保存するJSON表現。
type entry struct {
	RecordID        string         `json:"record_id"`
	UserID          string         `json:"user_id"`
	DeliveredAt     time.Time      `json:"delivered_at"`
	ViewedAt        *time.Time     `json:"viewed_at,omitempty"`
	StarredAt       *time.Time     `json:"starred_at,omitempty"`
	EngagementScore float64        `json:"engagement_score"`
	DeliveryCount   int            `json:"delivery_count"`
	QuoteID         string         `json:"quote_id"`
	Content         string         `json:"content"`
	Author          string         `json:"author"`
	Category        model.Category `json:"category"`
	DifficultyLevel int            `json:"difficulty_level"`
}

// ハッシュタグでエントリと世代カウンタを同じスロットに置き、クラスタでもMGET・WATCHできるようにする。
func key(userID string) string {
	return keyPrefix + "{" + userID + "}"
}

func genKey(userID string) string {
	return key(userID) + ":gen"
}

// Get はキャッシュから「今日の名言」と現在の世代を取得する。
// キャッシュにない場合はnilと世代を返す。世代はSetに渡す。
func (c *TodayCache) Get(ctx context.Context, userID string) (*model.TodayQuote, int64, error) {
	vals, err := c.client.MGet(ctx, key(userID), genKey(userID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("キャッシュの取得に失敗しました: %w", err)
	}

	version, err := parseGen(vals[1])
	if err != nil {
		return nil, 0, err
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, version, nil
	}

	var e entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, version, fmt.Errorf("キャッシュのデコードに失敗しました: %w", err)
	}
	return e.toModel(), version, nil
}

// Set は「今日の名言」をキャッシュに保存する。
// versionはGetが返した世代で、その後にInvalidateされていれば保存せずにnilを返す。
func (c *TodayCache) Set(ctx context.Context, userID string, version int64, tq *model.TodayQuote) error {
	data, err := json.Marshal(newEntry(tq))
	if err != nil {
		return fmt.Errorf("キャッシュのエンコードに失敗しました: %w", err)
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, genKey(userID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		current, err := parseGen(raw)
		if err != nil {
			return err
		}
		if current != version {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(userID), data, c.ttl)
			return nil
		})
		return err
	}, genKey(userID))

	switch {
	case err == nil, errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		return nil
	default:
		return fmt.Errorf("キャッシュの保存に失敗しました: %w", err)
	}
}

// Invalidate はユーザーのキャッシュを破棄し、世代を進める。
func (c *TodayCache) Invalidate(ctx context.Context, userID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(userID))
		pipe.Expire(ctx, genKey(userID), genTTL)
		pipe.Del(ctx, key(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("キャッシュの破棄に失敗しました: %w", err)
	}
	return nil
}

// errStale はGet以降に世代が進んだことを表す。
var errStale = errors.New("cache generation changed")

// parseGen は世代カウンタの値を読む。キーがない場合は0。
func parseGen(v any) (int64, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("キャッシュの世代が不正です: %w", err)
	}
	return n, nil
}

func newEntry(tq *model.TodayQuote) entry {
	return entry{
		RecordID:        tq.Record.ID,
		UserID:          tq.Record.UserID,
		DeliveredAt:     tq.Record.DeliveredAt,
		ViewedAt:        tq.Record.ViewedAt,
		StarredAt:       tq.Record.StarredAt,
		EngagementScore: tq.Record.EngagementScore,
		DeliveryCount:   tq.Record.DeliveryCount,
		QuoteID:         tq.Quote.ID,
		Content:         tq.Quote.Content,
		Author:          tq.Quote.Author,
		Category:        tq.Quote.Category,
		DifficultyLevel: tq.Quote.DifficultyLevel,
	}
}

func (e entry) toModel() *model.TodayQuote {
	return &model.TodayQuote{
		Record: &model.DeliveryRecord{
			ID:              e.RecordID,
			UserID:          e.UserID,
			QuoteID:         e.QuoteID,
			DeliveredAt:     e.DeliveredAt,
			ViewedAt:        e.ViewedAt,
			StarredAt:       e.StarredAt,
			EngagementScore: e.EngagementScore,
			DeliveryCount:   e.DeliveryCount,
		},
		Quote: &model.Quote{
			ID:              e.QuoteID,
			Content:         e.Content,
			Author:          e.Author,
			Category:        e.Category,
			DifficultyLevel: e.DifficultyLevel,
			IsActive:        true,
		},
	}
}
