package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/quoteday/internal/model"
	"github.com/hitoshi/quoteday/internal/push"
	"github.com/hitoshi/quoteday/internal/selection"
)

// DefaultBatchSize は1ティックで処理する最大ユーザー数のデフォルト値。
const DefaultBatchSize = 500

// DefaultTransportTimeout は1回の送信のデフォルトのタイムアウト。
const DefaultTransportTimeout = 5 * time.Second

// UserStore は配信対象ユーザーとスケジュール状態の永続化インターフェース。
type UserStore interface {
	ListDueForScan(ctx context.Context, now time.Time, limit int) ([]*model.DueUser, error)
	SaveSchedule(ctx context.Context, state *model.ScheduleState) error
}

// QuoteSelector は配信する名言の選択インターフェース。
type QuoteSelector interface {
	Select(ctx context.Context, user *model.User, rnd *rand.Rand) (selection.Result, error)
}

// DeliveryLedger は配信履歴台帳の書き込みインターフェース。
type DeliveryLedger interface {
	RecordDelivery(ctx context.Context, userID, quoteID string, at time.Time) (*model.DeliveryRecord, error)
	RecordRedelivery(ctx context.Context, userID, quoteID string, at time.Time) (*model.DeliveryRecord, error)
	Find(ctx context.Context, userID, quoteID string) (*model.DeliveryRecord, error)
	FindBySlot(ctx context.Context, userID string, slot time.Time) (*model.DeliveryRecord, error)
}

// QuoteLookup は配信済みの名言を非アクティブなものも含めて参照するインターフェース。
type QuoteLookup interface {
	Lookup(ctx context.Context, id string) (*model.Quote, error)
}

// MessageBuilder は通知メッセージの組み立てインターフェース。
type MessageBuilder interface {
	Build(quote *model.Quote, rec *model.DeliveryRecord) push.Message
}

// TokenInvalidator は終端的な送信失敗時にデバイストークンを無効化する外部のトークン管理。
type TokenInvalidator interface {
	MarkDeviceTokenInvalid(ctx context.Context, userID string, at time.Time) error
}

// CacheInvalidator は新しい配信の記録時に「今日の名言」キャッシュを破棄するインターフェース。
type CacheInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// MetricsRecorder は配信メトリクスの記録インターフェース。
type MetricsRecorder interface {
	RecordDispatchOutcome(outcome string)
	RecordTransportLatency(transport, result string, duration time.Duration)
	RecordSettingsInvalid()
}

// Deps はDispatcherの依存コンポーネント。Cache・Invalidator・Metricsは省略可能。
type Deps struct {
	Users       UserStore
	Selector    QuoteSelector
	Ledger      DeliveryLedger
	Quotes      QuoteLookup
	Messages    MessageBuilder
	Transport   push.Transport
	Invalidator TokenInvalidator
	Cache       CacheInvalidator
	Metrics     MetricsRecorder
}

// Config はDispatcherの設定。
type Config struct {
	BatchSize        int
	MaxConcurrent    int
	TransportTimeout time.Duration
	Retry            RetryPolicy
}

// DispatchReport は1ティック分の配信結果の集計。
// Attemptedは配信時刻が到来したユーザー数で、残りの5つの合計と一致する。
type DispatchReport struct {
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
	Retrying  int
	Deferred  int
}

func (r *DispatchReport) add(o Outcome) {
	r.Attempted++
	switch o {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeRetrying:
		r.Retrying++
	case OutcomeFailed:
		r.Failed++
	case OutcomeDeferred:
		r.Deferred++
	}
}

// Dispatcher は配信時刻が到来したユーザーへの名言の選択・記録・送信を行う。
// 台帳への書き込みと外部トランスポートの呼び出しはこのコンポーネントのみが行う。
type Dispatcher struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// NewDispatcher はDispatcherを生成する。
// 0以下の設定値はデフォルト値（バッチ500件、並列10、タイムアウト5秒）に置き換える。
func NewDispatcher(deps Deps, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = DefaultTransportTimeout
	}
	cfg.Retry = cfg.Retry.normalized()
	return &Dispatcher{deps: deps, cfg: cfg, logger: logger}
}

// DispatchDue はスキャン対象のユーザーを取得し、配信時刻が到来したユーザーに配信する。
// ユーザーごとの失敗は他のユーザーに影響しない。
// 対象ユーザーの取得に失敗した場合のみエラーを返し、その場合スケジュール状態は変更しない。
// ctxがキャンセルされると新しいユーザーの処理は開始しないが、処理中のユーザーは完了まで実行する。
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) (DispatchReport, error) {
	var report DispatchReport

	due, err := d.deps.Users.ListDueForScan(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("配信対象ユーザーの取得に失敗しました: %w", err)
	}
	if len(due) == 0 {
		return report, nil
	}

	sem := make(chan struct{}, d.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	// トランスポートの認証失敗を検出したら、このティックの残りのユーザーは送信せずに保留する
	var unavailable atomic.Bool

loop:
	for _, du := range due {
		select {
		case <-ctx.Done():
			d.logger.Info("停止要求を受けたため残りのユーザーの配信を中断します")
			break loop
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			d.logger.Info("停止要求を受けたため残りのユーザーの配信を中断します")
			break
		}

		wg.Add(1)
		go func(du *model.DueUser) {
			defer wg.Done()
			defer func() { <-sem }()

			// 開始済みの配信は停止要求後も完了させる
			outcome, dueNow := d.processUser(context.WithoutCancel(ctx), du, now, &unavailable)
			if !dueNow {
				return
			}
			mu.Lock()
			report.add(outcome)
			mu.Unlock()
		}(du)
	}

	wg.Wait()
	return report, nil
}

// processUser は1ユーザー分のスケジュール評価と配信を行う。
// 配信時刻が到来していなかった場合はdueNow=falseを返す。
func (d *Dispatcher) processUser(ctx context.Context, du *model.DueUser, now time.Time, unavailable *atomic.Bool) (outcome Outcome, dueNow bool) {
	user := du.User
	log := d.logger.With(slog.String("user_id", user.ID))

	if user.SettingsInvalid {
		log.Warn("通知設定が不正なため通知無効として扱います")
		if d.deps.Metrics != nil {
			d.deps.Metrics.RecordSettingsInvalid()
		}
	}

	state, decision, err := Evaluate(user, du.Schedule, now)
	if err != nil {
		log.Error("スケジュールの評価に失敗しました", slog.String("error", err.Error()))
		return OutcomeFailed, false
	}

	if decision.Due {
		outcome = d.deliver(ctx, log, user, state, decision, now, unavailable)
		dueNow = true
		if d.deps.Metrics != nil {
			d.deps.Metrics.RecordDispatchOutcome(outcome.String())
		}
	}

	state.UpdatedAt = now.UTC()
	if err := d.deps.Users.SaveSchedule(ctx, state); err != nil {
		log.Error("スケジュール状態の保存に失敗しました", slog.String("error", err.Error()))
	}
	return outcome, dueNow
}

// deliver はスロットへの配信を1回試行し、結果に応じてstateを更新する。
func (d *Dispatcher) deliver(ctx context.Context, log *slog.Logger, user *model.User, state *model.ScheduleState, decision Decision, now time.Time, unavailable *atomic.Bool) Outcome {
	slot := decision.Slot
	log = log.With(slog.Time("slot", slot), slog.Bool("retry", decision.Retry))

	if unavailable.Load() {
		return OutcomeDeferred
	}

	if user.DeviceToken == "" {
		log.Info("デバイストークンが未登録のため配信をスキップします")
		if err := ApplySkip(state, user, slot, now, "デバイストークン未登録"); err != nil {
			log.Error("次回配信時刻の計算に失敗しました", slog.String("error", err.Error()))
		}
		return OutcomeSkipped
	}

	quote, rec, err := d.prepare(ctx, user, slot)
	if errors.Is(err, model.ErrNoEligibleQuote) {
		log.Warn("配信可能な名言がないためスキップします", slog.String("tier", string(user.SubscriptionTier)))
		if err := ApplySkip(state, user, slot, now, "配信可能な名言なし"); err != nil {
			log.Error("次回配信時刻の計算に失敗しました", slog.String("error", err.Error()))
		}
		return OutcomeSkipped
	}
	if err != nil {
		return d.fail(ctx, log, user, state, slot, now, err)
	}

	log = log.With(slog.String("quote_id", quote.ID), slog.String("delivery_id", rec.ID))

	if d.deps.Cache != nil {
		if err := d.deps.Cache.Invalidate(ctx, user.ID); err != nil {
			log.Warn("キャッシュの破棄に失敗しました", slog.String("error", err.Error()))
		}
	}

	msg := d.deps.Messages.Build(quote, rec)
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.TransportTimeout)
	start := time.Now()
	err = d.deps.Transport.Send(sendCtx, user.DeviceToken, msg)
	cancel()
	d.recordLatency(err, time.Since(start))

	if push.IsUnavailable(err) {
		if unavailable.CompareAndSwap(false, true) {
			log.Error("プッシュ送信トランスポートが利用できないため、このティックの配信を保留します",
				slog.String("transport", d.deps.Transport.Name()),
				slog.String("error", err.Error()),
			)
		}
		return OutcomeDeferred
	}
	if err != nil {
		return d.fail(ctx, log, user, state, slot, now, err)
	}

	if err := ApplySuccess(state, user, slot, now); err != nil {
		log.Error("次回配信時刻の計算に失敗しました", slog.String("error", err.Error()))
	}
	log.Info("名言を配信しました",
		slog.Int("delivery_count", rec.DeliveryCount),
		slog.Time("next_delivery_at", derefTime(state.NextDeliveryAt)),
	)
	return OutcomeSucceeded
}

// prepare はスロットに配信する名言と台帳レコードを用意する。
// 記録済みで未送信のスロット（リトライや記録直後の中断）は同じ名言で再開する。
func (d *Dispatcher) prepare(ctx context.Context, user *model.User, slot time.Time) (*model.Quote, *model.DeliveryRecord, error) {
	rec, err := d.deps.Ledger.FindBySlot(ctx, user.ID, slot)
	switch {
	case err == nil:
		quote, err := d.deps.Quotes.Lookup(ctx, rec.QuoteID)
		if err != nil {
			return nil, nil, fmt.Errorf("記録済みの名言の取得に失敗しました: %w", err)
		}
		return quote, rec, nil
	case !errors.Is(err, model.ErrNotFound):
		return nil, nil, fmt.Errorf("配信レコードの取得に失敗しました: %w", err)
	}

	result, err := d.deps.Selector.Select(ctx, user, selection.NewRand(user.ID, slot))
	if err != nil {
		return nil, nil, err
	}
	quote := result.Quote

	if result.Repeat {
		rec, err = d.deps.Ledger.RecordRedelivery(ctx, user.ID, quote.ID, slot)
	} else {
		rec, err = d.deps.Ledger.RecordDelivery(ctx, user.ID, quote.ID, slot)
		if errors.Is(err, model.ErrConflict) {
			// 同じ組が既に記録済み。二重記録ガードなので成功として扱う
			rec, err = d.deps.Ledger.Find(ctx, user.ID, quote.ID)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("配信の記録に失敗しました: %w", err)
	}
	return quote, rec, nil
}

// fail は配信失敗時にリトライ方針に従ってstateを更新する。
func (d *Dispatcher) fail(ctx context.Context, log *slog.Logger, user *model.User, state *model.ScheduleState, slot, now time.Time, err error) Outcome {
	failures := state.SlotAttempts + 1
	reason := err.Error()

	if push.IsTerminal(err) {
		if push.IsTokenInvalid(err) {
			log.Warn("デバイストークンが無効なため無効化を依頼します", slog.String("error", reason))
			if d.deps.Invalidator != nil {
				if ierr := d.deps.Invalidator.MarkDeviceTokenInvalid(ctx, user.ID, now); ierr != nil {
					log.Error("デバイストークンの無効化に失敗しました", slog.String("error", ierr.Error()))
				}
			}
		} else {
			log.Error("通知が受け付けられなかったため次回の配信時刻まで見送ります", slog.String("error", reason))
		}
		if aerr := ApplyGiveUp(state, user, slot, now, reason); aerr != nil {
			log.Error("次回配信時刻の計算に失敗しました", slog.String("error", aerr.Error()))
		}
		return OutcomeFailed
	}

	if d.cfg.Retry.ShouldRetry(failures, err) {
		ApplyRetry(state, d.cfg.Retry, slot, now, reason)
		log.Warn("配信に失敗したためリトライします",
			slog.String("error", reason),
			slog.Int("slot_attempts", state.SlotAttempts),
			slog.Int("consecutive_failures", state.ConsecutiveFailures),
			slog.Time("retry_at", derefTime(state.NextDeliveryAt)),
		)
		return OutcomeRetrying
	}

	if aerr := ApplyGiveUp(state, user, slot, now, reason); aerr != nil {
		log.Error("次回配信時刻の計算に失敗しました", slog.String("error", aerr.Error()))
	}
	log.Error("リトライ上限に達したため次回の配信時刻まで見送ります",
		slog.String("error", reason),
		slog.Int("consecutive_failures", state.ConsecutiveFailures),
	)
	return OutcomeFailed
}

func (d *Dispatcher) recordLatency(err error, duration time.Duration) {
	if d.deps.Metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case push.IsUnavailable(err):
		result = "unavailable"
	case push.IsTokenInvalid(err):
		result = "token_invalid"
	case push.IsTerminal(err):
		result = "terminal"
	default:
		result = "retryable"
	}
	d.deps.Metrics.RecordTransportLatency(d.deps.Transport.Name(), result, duration)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
