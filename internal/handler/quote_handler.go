package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/quoteday/internal/model"
)

// QuoteLookup は名言の存在確認に使うインターフェース。
type QuoteLookup interface {
	Lookup(ctx context.Context, id string) (*model.Quote, error)
}

// QuoteMetricsReader は名言ごとの配信・エンゲージメント集計を返すインターフェース。
type QuoteMetricsReader interface {
	QuoteMetrics(ctx context.Context, quoteID string) (*model.QuoteMetrics, error)
}

// QuoteHandler は名言集計のHTTPハンドラー。
type QuoteHandler struct {
	quotes  QuoteLookup
	metrics QuoteMetricsReader
}

// NewQuoteHandler はQuoteHandlerを生成する。
func NewQuoteHandler(quotes QuoteLookup, metrics QuoteMetricsReader) *QuoteHandler {
	return &QuoteHandler{quotes: quotes, metrics: metrics}
}

type quoteMetricsResponse struct {
	QuoteID           string  `json:"quote_id"`
	IsActive          bool    `json:"is_active"`
	Deliveries        int     `json:"deliveries"`
	Redeliveries      int     `json:"redeliveries"`
	Views             int     `json:"views"`
	Stars             int     `json:"stars"`
	AverageEngagement float64 `json:"average_engagement"`
	LastDeliveredAt   *string `json:"last_delivered_at"`
}

// GetMetrics は名言の配信数・閲覧数・スター数・平均エンゲージメントを返す。
// 非アクティブな名言も集計対象とする。
// GET /api/quotes/{quoteID}/metrics
func (h *QuoteHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	quoteID := chi.URLParam(r, "quoteID")
	if !validID(quoteID) {
		handleServiceError(w, r, model.NewQuoteNotFoundError(quoteID))
		return
	}

	quote, err := h.quotes.Lookup(r.Context(), quoteID)
	if errors.Is(err, model.ErrNotFound) {
		handleServiceError(w, r, model.NewQuoteNotFoundError(quoteID))
		return
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	m, err := h.metrics.QuoteMetrics(r.Context(), quoteID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, quoteMetricsResponse{
		QuoteID:           quote.ID,
		IsActive:          quote.IsActive,
		Deliveries:        m.Deliveries,
		Redeliveries:      m.Redeliveries,
		Views:             m.Views,
		Stars:             m.Stars,
		AverageEngagement: m.AverageEngagement,
		LastDeliveredAt:   formatTime(m.LastDeliveredAt),
	})
}
