package model

import "time"

// ScheduleStatus はユーザーごとの配信スケジュールの状態を表す。
type ScheduleStatus string

const (
	// ScheduleStatusIdle は通知無効または一時停止中の状態。
	ScheduleStatusIdle ScheduleStatus = "idle"
	// ScheduleStatusArmed は次回配信時刻が計算済みの状態。
	ScheduleStatusArmed ScheduleStatus = "armed"
)

// ScheduleState はユーザーごとの配信スケジュール状態を表す。
// 配信ワーカーのみが書き込む。
type ScheduleState struct {
	UserID              string
	Status              ScheduleStatus
	NextDeliveryAt      *time.Time // armed時の次回配信（またはリトライ）時刻
	WakeAt              *time.Time // idle時に再評価する時刻（一時停止の解除時刻）
	LastAttemptAt       *time.Time // 直近の配信試行時刻
	RetrySlotAt         *time.Time // リトライ中の配信スロット。nilならリトライ待ちではない
	ConsecutiveFailures int
	SlotAttempts        int // RetrySlotAtのスロットで失敗した回数
	LastError           string
	UpdatedAt           time.Time
}

// Clone はScheduleStateのコピーを返す。
func (s *ScheduleState) Clone() *ScheduleState {
	if s == nil {
		return nil
	}
	c := *s
	c.NextDeliveryAt = cloneTime(s.NextDeliveryAt)
	c.WakeAt = cloneTime(s.WakeAt)
	c.LastAttemptAt = cloneTime(s.LastAttemptAt)
	c.RetrySlotAt = cloneTime(s.RetrySlotAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// DueUser はスキャンで取得した配信判定対象のユーザーとそのスケジュール状態の組。
// Scheduleが未作成のユーザーの場合はnil。
type DueUser struct {
	User     *User
	Schedule *ScheduleState
}
