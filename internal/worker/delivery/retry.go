package delivery

import (
	"time"

	"github.com/hitoshi/quoteday/internal/model"
	"github.com/hitoshi/quoteday/internal/push"
)

// Outcome は1ユーザー分の配信処理の結果の分類。
type Outcome int

const (
	// OutcomeSucceeded は送信成功。
	OutcomeSucceeded Outcome = iota
	// OutcomeSkipped は配信対象の名言やデバイストークンがないためスキップした。
	OutcomeSkipped
	// OutcomeRetrying は一時的な失敗のため同じスロットで再試行する。
	OutcomeRetrying
	// OutcomeFailed はリトライ上限到達または終端的な失敗。次回の通常スロットへ進める。
	OutcomeFailed
	// OutcomeDeferred は認証失敗などでトランスポート全体が使えないため保留した。
	// スロットとリトライ回数はそのまま残し、次のティックで再開する。
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxAttempts は1スロットあたりの最大試行回数。
	DefaultMaxAttempts = 3
	// DefaultRetryBaseDelay はリトライの初回遅延（1分）。
	DefaultRetryBaseDelay = time.Minute
	// maxRetryDelay はリトライ遅延の上限（30分）。
	maxRetryDelay = 30 * time.Minute
)

// RetryPolicy は送信失敗時のリトライ方針。
type RetryPolicy struct {
	// MaxAttempts は1スロットあたりの最大試行回数。失敗回数がこれに達したら諦める。
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy はデフォルトのリトライ方針を返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultRetryBaseDelay}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryBaseDelay
	}
	return p
}

// CalculateBackoff はスロット内の失敗回数に基づいて指数バックオフ遅延を計算する。
// 1回目の失敗でBaseDelay、以降2倍ずつ増加し、最大30分。
func (p RetryPolicy) CalculateBackoff(failures int) time.Duration {
	p = p.normalized()
	delay := p.BaseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// ShouldRetry はスロット内の失敗回数と送信エラーからリトライすべきかを判定する。
// 終端的な失敗（無効なデバイストークン等）はリトライしない。
func (p RetryPolicy) ShouldRetry(failures int, sendErr error) bool {
	if push.IsTerminal(sendErr) {
		return false
	}
	return failures < p.normalized().MaxAttempts
}

// ApplySuccess は送信成功時にスケジュール状態を更新する。
// 連続失敗回数をリセットし、次の通常スロットへ進める。
func ApplySuccess(state *model.ScheduleState, user *model.User, slot, now time.Time) error {
	state.ConsecutiveFailures = 0
	state.LastError = ""
	return advance(state, user, slot, now)
}

// ApplySkip は配信をスキップした場合にスケジュール状態を更新する。
// 失敗ではないため連続失敗回数は変更しない。
func ApplySkip(state *model.ScheduleState, user *model.User, slot, now time.Time, reason string) error {
	state.LastError = reason
	return advance(state, user, slot, now)
}

// ApplyRetry は一時的な失敗時に同じスロットでの再試行を予約する。
// 連続失敗回数とスロット内の失敗回数をインクリメントし、バックオフ後の時刻をNextDeliveryAtに設定する。
func ApplyRetry(state *model.ScheduleState, policy RetryPolicy, slot, now time.Time, reason string) {
	state.ConsecutiveFailures++
	state.SlotAttempts++
	state.LastError = reason
	state.LastAttemptAt = timePtr(now)
	state.Status = model.ScheduleStatusArmed
	state.RetrySlotAt = timePtr(slot)
	state.NextDeliveryAt = timePtr(now.Add(policy.CalculateBackoff(state.SlotAttempts)))
}

// ApplyGiveUp はリトライ上限到達または終端的な失敗時にスケジュール状態を更新する。
// 連続失敗回数をインクリメントし、次の通常スロットへ進める。
func ApplyGiveUp(state *model.ScheduleState, user *model.User, slot, now time.Time, reason string) error {
	state.ConsecutiveFailures++
	state.LastError = reason
	return advance(state, user, slot, now)
}

// advance はスロットへの試行を記録し、slotと現在時刻のいずれよりも後の通常スロットでarmedにする。
func advance(state *model.ScheduleState, user *model.User, slot, now time.Time) error {
	from := slot
	if now.After(from) {
		from = now
	}
	next, err := nextAfter(from, user)
	if err != nil {
		return err
	}
	state.Status = model.ScheduleStatusArmed
	state.LastAttemptAt = timePtr(now)
	state.NextDeliveryAt = &next
	state.RetrySlotAt = nil
	state.SlotAttempts = 0
	state.WakeAt = nil
	return nil
}

func timePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
