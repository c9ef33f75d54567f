package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/quoteday/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザー設定・スケジュール状態リポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// 無効化済みのデバイストークンは空として読み込む。
const userColumns = `u.id, u.timezone, u.notification_settings, u.subscription_tier,
	CASE WHEN u.device_token_invalid_at IS NULL THEN u.device_token END,
	u.is_active, u.created_at, u.updated_at`

const scheduleColumns = `s.user_id, s.status, s.next_delivery_at, s.wake_at, s.last_attempt_at,
	s.retry_slot_at, s.consecutive_failures, s.slot_attempts, s.last_error, s.updated_at`

// userRow はusersテーブルの1行を読み込むための中間表現。
type userRow struct {
	id          string
	timezone    string
	settings    []byte
	tier        string
	deviceToken sql.NullString
	isActive    bool
	createdAt   time.Time
	updatedAt   time.Time
}

func (r *userRow) dest() []any {
	return []any{&r.id, &r.timezone, &r.settings, &r.tier, &r.deviceToken, &r.isActive, &r.createdAt, &r.updatedAt}
}

// toModel はnotification_settingsを型付きの設定に変換する。
// 未知のフィールドや不正な配信時刻を含む設定は通知無効として扱い、SettingsInvalidを立てる。
func (r *userRow) toModel() *model.User {
	u := &model.User{
		ID:               r.id,
		Timezone:         r.timezone,
		SubscriptionTier: model.SubscriptionTier(r.tier),
		DeviceToken:      nullStringValue(r.deviceToken),
		IsActive:         r.isActive,
		CreatedAt:        r.createdAt,
		UpdatedAt:        r.updatedAt,
	}
	settings, err := model.ParseNotificationSettings(r.settings)
	if err != nil {
		settings = model.DefaultNotificationSettings()
		settings.Enabled = false
		u.SettingsInvalid = true
	}
	u.NotificationSettings = settings
	return u
}

// scheduleRow はschedule_statesテーブルの1行を読み込むための中間表現。
// LEFT JOINで行が存在しない場合に備え、全カラムをNULL許容で受ける。
type scheduleRow struct {
	userID         sql.NullString
	status         sql.NullString
	nextDeliveryAt sql.NullTime
	wakeAt         sql.NullTime
	lastAttemptAt  sql.NullTime
	retrySlotAt    sql.NullTime
	failures       sql.NullInt64
	slotAttempts   sql.NullInt64
	lastError      sql.NullString
	updatedAt      sql.NullTime
}

func (r *scheduleRow) dest() []any {
	return []any{
		&r.userID, &r.status, &r.nextDeliveryAt, &r.wakeAt, &r.lastAttemptAt,
		&r.retrySlotAt, &r.failures, &r.slotAttempts, &r.lastError, &r.updatedAt,
	}
}

func (r *scheduleRow) toModel() *model.ScheduleState {
	if !r.userID.Valid {
		return nil
	}
	return &model.ScheduleState{
		UserID:              r.userID.String,
		Status:              model.ScheduleStatus(r.status.String),
		NextDeliveryAt:      nullTimePtr(r.nextDeliveryAt),
		WakeAt:              nullTimePtr(r.wakeAt),
		LastAttemptAt:       nullTimePtr(r.lastAttemptAt),
		RetrySlotAt:         nullTimePtr(r.retrySlotAt),
		ConsecutiveFailures: int(r.failures.Int64),
		SlotAttempts:        int(r.slotAttempts.Int64),
		LastError:           nullStringValue(r.lastError),
		UpdatedAt:           r.updatedAt.Time,
	}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var row userRow
	err := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.id = $1`,
		id,
	).Scan(row.dest()...)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return row.toModel(), nil
}

// ListDueForScan はスケジュール評価が必要なアクティブユーザーを取得する。
// スケジュール未作成のユーザー、配信時刻が到来したarmedユーザー、
// 一時停止の解除時刻が到来したidleユーザー、前回評価以降に設定が更新されたユーザーが対象。
func (r *PostgresUserRepo) ListDueForScan(ctx context.Context, now time.Time, limit int) ([]*model.DueUser, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+`, `+scheduleColumns+`
		 FROM users u
		 LEFT JOIN schedule_states s ON s.user_id = u.id
		 WHERE u.is_active = true
		   AND (s.user_id IS NULL
		        OR (s.status = 'armed' AND s.next_delivery_at <= $1)
		        OR (s.status = 'idle' AND s.wake_at IS NOT NULL AND s.wake_at <= $1)
		        OR u.updated_at > s.updated_at)
		 ORDER BY COALESCE(s.next_delivery_at, s.wake_at, u.created_at) ASC
		 LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信対象ユーザーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var due []*model.DueUser
	for rows.Next() {
		var ur userRow
		var sr scheduleRow
		if err := rows.Scan(append(ur.dest(), sr.dest()...)...); err != nil {
			return nil, fmt.Errorf("配信対象ユーザーの読み取りに失敗しました: %w", err)
		}
		due = append(due, &model.DueUser{User: ur.toModel(), Schedule: sr.toModel()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信対象ユーザーの走査に失敗しました: %w", err)
	}

	return due, nil
}

// GetSchedule はユーザーのスケジュール状態を取得する。未作成の場合はnilを返す。
func (r *PostgresUserRepo) GetSchedule(ctx context.Context, userID string) (*model.ScheduleState, error) {
	var sr scheduleRow
	err := r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_states s WHERE s.user_id = $1`,
		userID,
	).Scan(sr.dest()...)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スケジュール状態の取得に失敗しました: %w", err)
	}
	return sr.toModel(), nil
}

// SaveSchedule はスケジュール状態をUPSERTする。
// UNIQUE(user_id)（主キー）を利用したINSERT ON CONFLICTで実装する。
func (r *PostgresUserRepo) SaveSchedule(ctx context.Context, state *model.ScheduleState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO schedule_states (user_id, status, next_delivery_at, wake_at, last_attempt_at,
		                              retry_slot_at, consecutive_failures, slot_attempts, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     next_delivery_at = EXCLUDED.next_delivery_at,
		     wake_at = EXCLUDED.wake_at,
		     last_attempt_at = EXCLUDED.last_attempt_at,
		     retry_slot_at = EXCLUDED.retry_slot_at,
		     consecutive_failures = EXCLUDED.consecutive_failures,
		     slot_attempts = EXCLUDED.slot_attempts,
		     last_error = EXCLUDED.last_error,
		     updated_at = EXCLUDED.updated_at`,
		state.UserID, state.Status,
		utcPtr(state.NextDeliveryAt), utcPtr(state.WakeAt),
		utcPtr(state.LastAttemptAt), utcPtr(state.RetrySlotAt),
		state.ConsecutiveFailures, state.SlotAttempts, nullString(state.LastError),
		state.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("スケジュール状態の保存に失敗しました: %w", err)
	}
	return nil
}

// MarkDeviceTokenInvalid はユーザーのデバイストークンを無効としてマークする。
// トークン自体の削除・再登録は外部のトークン管理が行う。
func (r *PostgresUserRepo) MarkDeviceTokenInvalid(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET device_token_invalid_at = $2
		 WHERE id = $1 AND device_token_invalid_at IS NULL`,
		userID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("デバイストークンの無効化に失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// utcPtr は*time.TimeをUTCに正規化する。nilはそのまま返す。
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
