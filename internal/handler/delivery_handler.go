package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/quoteday/internal/model"
)

// InteractionRecorder は配信レコードへの閲覧・スター記録を行うインターフェース。
type InteractionRecorder interface {
	RecordInteraction(ctx context.Context, recordID string, viewedAt, starredAt *time.Time) (*model.DeliveryRecord, error)
}

// TodayInvalidator は閲覧・スター記録後に「今日の名言」キャッシュを破棄するインターフェース。
type TodayInvalidator interface {
	Invalidate(ctx context.Context, userID string)
}

// InteractionMetrics は閲覧・スターの記録数を計測するインターフェース。
type InteractionMetrics interface {
	RecordInteraction(kind string)
}

// DeliveryHandler は配信レコードのHTTPハンドラー。
type DeliveryHandler struct {
	recorder    InteractionRecorder
	invalidator TodayInvalidator
	metrics     InteractionMetrics
	now         func() time.Time
}

// NewDeliveryHandler はDeliveryHandlerを生成する。invalidatorとmetricsはnilでもよい。
func NewDeliveryHandler(recorder InteractionRecorder, invalidator TodayInvalidator, metrics InteractionMetrics) *DeliveryHandler {
	return &DeliveryHandler{
		recorder:    recorder,
		invalidator: invalidator,
		metrics:     metrics,
		now:         time.Now,
	}
}

// interactionRequest は閲覧・スター記録リクエストのボディ。
type interactionRequest struct {
	Viewed  bool `json:"viewed"`
	Starred bool `json:"starred"`
}

type deliveryResponse struct {
	ID              string  `json:"id"`
	UserID          string  `json:"user_id"`
	QuoteID         string  `json:"quote_id"`
	DeliveredAt     string  `json:"delivered_at"`
	ViewedAt        *string `json:"viewed_at"`
	StarredAt       *string `json:"starred_at"`
	EngagementScore float64 `json:"engagement_score"`
	DeliveryCount   int     `json:"delivery_count"`
}

// RecordInteraction は配信レコードに閲覧・スターを記録する。
// 記録済みの日時は上書きされず、同じリクエストを繰り返しても結果は変わらない。
// POST /api/deliveries/{deliveryID}/interaction
func (h *DeliveryHandler) RecordInteraction(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "deliveryID")
	if !validID(recordID) {
		handleServiceError(w, r, model.NewDeliveryNotFoundError(recordID))
		return
	}

	var req interactionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		handleServiceError(w, r, model.NewInvalidInteractionError("リクエストボディの解析に失敗しました"))
		return
	}
	if !req.Viewed && !req.Starred {
		handleServiceError(w, r, model.NewInvalidInteractionError("viewed と starred がどちらも false です"))
		return
	}

	now := h.now().UTC()
	var viewedAt, starredAt *time.Time
	if req.Viewed {
		viewedAt = &now
	}
	if req.Starred {
		starredAt = &now
	}

	rec, err := h.recorder.RecordInteraction(r.Context(), recordID, viewedAt, starredAt)
	if errors.Is(err, model.ErrNotFound) {
		handleServiceError(w, r, model.NewDeliveryNotFoundError(recordID))
		return
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if h.invalidator != nil {
		h.invalidator.Invalidate(r.Context(), rec.UserID)
	}
	if h.metrics != nil {
		if req.Viewed {
			h.metrics.RecordInteraction("viewed")
		}
		if req.Starred {
			h.metrics.RecordInteraction("starred")
		}
	}

	writeJSON(w, http.StatusOK, toDeliveryResponse(rec))
}

func toDeliveryResponse(rec *model.DeliveryRecord) deliveryResponse {
	return deliveryResponse{
		ID:              rec.ID,
		UserID:          rec.UserID,
		QuoteID:         rec.QuoteID,
		DeliveredAt:     rec.DeliveredAt.UTC().Format(time.RFC3339),
		ViewedAt:        formatTime(rec.ViewedAt),
		StarredAt:       formatTime(rec.StarredAt),
		EngagementScore: rec.EngagementScore,
		DeliveryCount:   rec.DeliveryCount,
	}
}
