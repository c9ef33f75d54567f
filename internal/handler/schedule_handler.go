package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/quoteday/internal/model"
	"github.com/hitoshi/quoteday/internal/worker/delivery"
)

// ScheduleReader はスケジュールのプレビューに必要なユーザー設定とスケジュール状態を返す。
type ScheduleReader interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	GetSchedule(ctx context.Context, userID string) (*model.ScheduleState, error)
}

// ScheduleHandler は配信スケジュールのプレビューを返すHTTPハンドラー。
// 状態の書き込みは配信ワーカーのみが行うため、ここでは評価結果を返すだけで保存しない。
type ScheduleHandler struct {
	reader ScheduleReader
	now    func() time.Time
}

// NewScheduleHandler はScheduleHandlerを生成する。
func NewScheduleHandler(reader ScheduleReader) *ScheduleHandler {
	return &ScheduleHandler{reader: reader, now: time.Now}
}

type scheduleResponse struct {
	UserID         string  `json:"user_id"`
	Status         string  `json:"status"`
	Due            bool    `json:"due"`
	NextDeliveryAt *string `json:"next_delivery_at"`
	LocalDelivery  *string `json:"next_delivery_local"`
	WakeAt         *string `json:"wake_at"`
	Retrying       bool    `json:"retrying"`
	Timezone       string  `json:"timezone"`
	DeliveryTime   string  `json:"delivery_time"`
	WeekdaysOnly   bool    `json:"weekdays_only"`
	Enabled        bool    `json:"enabled"`
	PauseUntil     *string `json:"pause_until"`
	SettingsValid  bool    `json:"settings_valid"`
}

// GetSchedule は現在の設定に基づく次回配信予定を返す。
// GET /api/users/{userID}/schedule
func (h *ScheduleHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !validID(userID) {
		handleServiceError(w, r, model.NewUserNotFoundError())
		return
	}

	user, err := h.reader.FindByID(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if user == nil {
		handleServiceError(w, r, model.NewUserNotFoundError())
		return
	}

	state, err := h.reader.GetSchedule(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	now := h.now()
	next, decision, err := delivery.Evaluate(user, state, now)
	if err != nil {
		slog.Warn("スケジュールの評価に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toScheduleResponse(user, next, decision))
}

func toScheduleResponse(user *model.User, state *model.ScheduleState, decision delivery.Decision) scheduleResponse {
	s := user.NotificationSettings
	resp := scheduleResponse{
		UserID:        user.ID,
		Status:        string(state.Status),
		Due:           decision.Due,
		WakeAt:        formatTime(state.WakeAt),
		Retrying:      state.RetrySlotAt != nil,
		Timezone:      user.Location().String(),
		DeliveryTime:  s.DeliveryTime,
		WeekdaysOnly:  s.WeekdaysOnly,
		Enabled:       s.Enabled,
		PauseUntil:    formatTime(s.PauseUntil),
		SettingsValid: !user.SettingsInvalid,
	}

	next := state.NextDeliveryAt
	if decision.Due {
		next = &decision.Slot
	}
	if next != nil {
		resp.NextDeliveryAt = formatTime(next)
		local := next.In(user.Location()).Format(time.RFC3339)
		resp.LocalDelivery = &local
	}
	return resp
}
