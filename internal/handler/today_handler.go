package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/quoteday/internal/model"
)

// TodayServiceInterface は「今日の名言」ハンドラーが必要とするサービスインターフェース。
type TodayServiceInterface interface {
	// Today はユーザーに最後に配信された名言を返す。
	Today(ctx context.Context, userID string) (*model.TodayQuote, error)
}

// TodayHandler は「今日の名言」のHTTPハンドラー。
type TodayHandler struct {
	service TodayServiceInterface
}

// NewTodayHandler はTodayHandlerを生成する。
func NewTodayHandler(service TodayServiceInterface) *TodayHandler {
	return &TodayHandler{service: service}
}

// todayResponse は「今日の名言」のAPIレスポンス。
type todayResponse struct {
	DeliveryID      string  `json:"delivery_id"`
	QuoteID         string  `json:"quote_id"`
	Content         string  `json:"content"`
	Author          string  `json:"author"`
	Category        string  `json:"category"`
	DifficultyLevel int     `json:"difficulty_level"`
	DeliveredAt     string  `json:"delivered_at"`
	ViewedAt        *string `json:"viewed_at"`
	StarredAt       *string `json:"starred_at"`
	EngagementScore float64 `json:"engagement_score"`
	DeliveryCount   int     `json:"delivery_count"`
}

// GetToday はユーザーの「今日の名言」を返す。
// GET /api/users/{userID}/today
func (h *TodayHandler) GetToday(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !validID(userID) {
		handleServiceError(w, r, model.NewUserNotFoundError())
		return
	}

	tq, err := h.service.Today(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTodayResponse(tq))
}

func toTodayResponse(tq *model.TodayQuote) todayResponse {
	rec, q := tq.Record, tq.Quote
	return todayResponse{
		DeliveryID:      rec.ID,
		QuoteID:         q.ID,
		Content:         q.Content,
		Author:          q.Author,
		Category:        string(q.Category),
		DifficultyLevel: q.DifficultyLevel,
		DeliveredAt:     rec.DeliveredAt.UTC().Format(time.RFC3339),
		ViewedAt:        formatTime(rec.ViewedAt),
		StarredAt:       formatTime(rec.StarredAt),
		EngagementScore: rec.EngagementScore,
		DeliveryCount:   rec.DeliveryCount,
	}
}
