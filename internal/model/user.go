package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SubscriptionTier はユーザーの契約プランを表す。
type SubscriptionTier string

const (
	// TierFree は無料プラン。
	TierFree SubscriptionTier = "FREE"
	// TierPremium は有料プラン。
	TierPremium SubscriptionTier = "PREMIUM"
)

// User は配信に必要な範囲のユーザー情報を表す。
// プロフィールの更新は外部のユーザー管理サービスが行い、本サービスは参照のみ行う。
type User struct {
	ID                   string
	Timezone             string // IANAタイムゾーン名
	NotificationSettings NotificationSettings
	SubscriptionTier     SubscriptionTier
	DeviceToken          string // 空の場合はプッシュ送信先が未登録
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time

	// SettingsInvalid は保存済みのnotification_settingsが読み込めなかったことを表す。
	// この場合NotificationSettingsは通知無効として扱われる。
	SettingsInvalid bool
}

// Location はユーザーのタイムゾーンを返す。
// 不正なタイムゾーン名の場合はUTCにフォールバックする。
func (u *User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// デフォルトの通知設定値。
const (
	DefaultDeliveryTime = "09:00"
	DefaultTimezone     = "UTC"
)

// NotificationSettings はユーザーの配信設定を表す。
// DBにはJSONとして保存されるが、認識するフィールドは以下に限定する。
type NotificationSettings struct {
	Enabled      bool       `json:"enabled"`
	DeliveryTime string     `json:"delivery_time"` // 24時間表記 HH:MM
	WeekdaysOnly bool       `json:"weekdays_only"`
	PauseUntil   *time.Time `json:"pause_until"`
}

// DefaultNotificationSettings は登録直後のユーザーに適用される設定を返す。
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		Enabled:      true,
		DeliveryTime: DefaultDeliveryTime,
	}
}

// IsPaused は指定時刻において一時停止中かを返す。
func (s NotificationSettings) IsPaused(now time.Time) bool {
	return s.PauseUntil != nil && s.PauseUntil.After(now)
}

// Validate は設定値を検証する。
func (s NotificationSettings) Validate() error {
	if _, _, err := ParseDeliveryTime(s.DeliveryTime); err != nil {
		return err
	}
	return nil
}

// ParseNotificationSettings はJSONから配信設定を読み込む。
// 未知のフィールドを含むJSONはエラーとし、delivery_timeの形式も検証する。
// 欠落したフィールドにはデフォルト値が適用される。
func ParseNotificationSettings(data []byte) (NotificationSettings, error) {
	settings := DefaultNotificationSettings()
	if len(bytes.TrimSpace(data)) == 0 {
		return settings, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&settings); err != nil {
		return NotificationSettings{}, fmt.Errorf("invalid notification_settings: %w", err)
	}
	if dec.More() {
		return NotificationSettings{}, errors.New("invalid notification_settings: trailing data")
	}
	if err := settings.Validate(); err != nil {
		return NotificationSettings{}, fmt.Errorf("invalid notification_settings: %w", err)
	}
	return settings, nil
}

// ParseDeliveryTime は "HH:MM" 形式の配信時刻を時と分に分解する。
func ParseDeliveryTime(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("delivery_time must be in HH:MM format: %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in delivery_time: %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in delivery_time: %q", s)
	}
	return hour, minute, nil
}
