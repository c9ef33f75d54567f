// Package delivery は名言の配信スケジューリングと配信処理を提供する。
// スケジューラ、配信ディスパッチャ、スケジュール計算、リトライ/バックオフ戦略を含む。
package delivery

import (
	"fmt"
	"time"

	"github.com/hitoshi/quoteday/internal/model"
)

// maxLookaheadDays は次回配信日を探索する最大日数。
// 平日のみ配信でも金曜の配信時刻を過ぎた時点から月曜までの3日で足りる。
const maxLookaheadDays = 8

// NextOccurrence はfrom以降（fromを含む）で最初の配信時刻を返す。
// 配信時刻はユーザーのタイムゾーンの暦日と"HH:MM"をtime.Dateで組み合わせて求め、
// 暦日単位で進めるため、夏時間の切り替え日でも日が飛んだり重複したりしない。
// weekdaysOnlyの場合、土日の判定はユーザーのタイムゾーンで行う。
func NextOccurrence(from time.Time, loc *time.Location, deliveryTime string, weekdaysOnly bool) (time.Time, error) {
	hour, minute, err := model.ParseDeliveryTime(deliveryTime)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	y, m, d := from.In(loc).Date()
	for i := 0; i < maxLookaheadDays; i++ {
		candidate := time.Date(y, m, d+i, hour, minute, 0, 0, loc)
		if candidate.Before(from) {
			continue
		}
		if weekdaysOnly && isWeekend(candidate.Weekday()) {
			continue
		}
		return candidate, nil
	}
	return time.Time{}, fmt.Errorf("次回配信時刻が見つかりません: from=%s", from.Format(time.RFC3339))
}

// nextAfter はslotより後の最初の配信時刻を返す。
func nextAfter(slot time.Time, user *model.User) (time.Time, error) {
	s := user.NotificationSettings
	return NextOccurrence(slot.Add(time.Nanosecond), user.Location(), s.DeliveryTime, s.WeekdaysOnly)
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// Decision はスケジュール評価の結果を表す。
type Decision struct {
	// Due は配信時刻が到来し、今回のティックで配信すべきことを表す。
	Due bool
	// Slot は配信対象のスロット（スケジュール上の配信時刻）。Dueの場合のみ有効。
	Slot time.Time
	// Retry は失敗したスロットの再試行であることを表す。
	Retry bool
}

// Evaluate はユーザー設定と現在のスケジュール状態から新しい状態を計算する。
// stateは変更せず、新しい状態を返す。stateがnilの場合は未作成として扱う。
//
// 状態遷移:
//   - 通知無効または非アクティブ: idle
//   - 一時停止中: idle（WakeAtに解除時刻を設定し、解除後のスキャンで再評価される）
//   - リトライ待ち: 同じスロットを保持し、NextDeliveryAtに到達したら再試行する
//   - それ以外: 次回配信時刻を計算してarmed。到来済みならDue
//
// 同じスロットへの試行は1回のみ（LastAttemptAt >= スロットなら次のスロットへ進める）。
func Evaluate(user *model.User, state *model.ScheduleState, now time.Time) (*model.ScheduleState, Decision, error) {
	next := state.Clone()
	if next == nil {
		next = &model.ScheduleState{UserID: user.ID}
	}
	settings := user.NotificationSettings

	if !user.IsActive || !settings.Enabled {
		setIdle(next, nil)
		return next, Decision{}, nil
	}
	if settings.IsPaused(now) {
		pauseUntil := settings.PauseUntil.UTC()
		setIdle(next, &pauseUntil)
		return next, Decision{}, nil
	}

	if next.Status == model.ScheduleStatusArmed && next.RetrySlotAt != nil && next.NextDeliveryAt != nil {
		if next.NextDeliveryAt.After(now) {
			return next, Decision{}, nil
		}
		return next, Decision{Due: true, Slot: *next.RetrySlotAt, Retry: true}, nil
	}

	slot, err := currentSlot(user, next, now)
	if err != nil {
		return nil, Decision{}, err
	}
	for next.LastAttemptAt != nil && !next.LastAttemptAt.Before(slot) {
		if slot, err = nextAfter(slot, user); err != nil {
			return nil, Decision{}, err
		}
	}

	next.Status = model.ScheduleStatusArmed
	next.NextDeliveryAt = &slot
	next.WakeAt = nil
	next.RetrySlotAt = nil
	next.SlotAttempts = 0

	if slot.After(now) {
		return next, Decision{}, nil
	}
	return next, Decision{Due: true, Slot: slot}, nil
}

// currentSlot は評価対象のスロットを返す。
// armedで配信時刻が到来済み、かつ前回評価以降に設定が変わっていなければ、
// ティックが遅れていても保存済みのスロットをそのまま使う。
// armedのまま設定が変わった場合は、変更時刻（前回評価時刻から現在時刻の範囲に丸める）から
// 新しい設定で計算し直す。変更からティックまでの間に来たスロットを取りこぼさないため。
// 新規ユーザーやidleからの復帰は現在時刻から計算する。
func currentSlot(user *model.User, state *model.ScheduleState, now time.Time) (time.Time, error) {
	s := user.NotificationSettings
	armed := state.Status == model.ScheduleStatusArmed && state.NextDeliveryAt != nil
	changed := user.UpdatedAt.After(state.UpdatedAt)

	if armed && !changed && !state.NextDeliveryAt.After(now) {
		return *state.NextDeliveryAt, nil
	}
	from := now
	if armed && changed && !state.UpdatedAt.IsZero() && user.UpdatedAt.Before(now) {
		from = user.UpdatedAt
	}
	return NextOccurrence(from, user.Location(), s.DeliveryTime, s.WeekdaysOnly)
}

func setIdle(state *model.ScheduleState, wakeAt *time.Time) {
	state.Status = model.ScheduleStatusIdle
	state.NextDeliveryAt = nil
	state.WakeAt = wakeAt
	state.RetrySlotAt = nil
	state.SlotAttempts = 0
}
