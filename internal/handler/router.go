package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/quoteday/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// ヘルスチェック・メトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない

	// 今日の名言
	TodayService TodayServiceInterface

	// 名言集計
	Quotes       QuoteLookup
	QuoteMetrics QuoteMetricsReader

	// 閲覧・スター記録
	Interactions       InteractionRecorder
	TodayInvalidator   TodayInvalidator
	InteractionMetrics InteractionMetrics

	// スケジュールプレビュー
	Schedules ScheduleReader
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → ClientKey → Logging → Recovery → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewClientKeyMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	todayHandler := NewTodayHandler(deps.TodayService)
	quoteHandler := NewQuoteHandler(deps.Quotes, deps.QuoteMetrics)
	deliveryHandler := NewDeliveryHandler(deps.Interactions, deps.TodayInvalidator, deps.InteractionMetrics)
	scheduleHandler := NewScheduleHandler(deps.Schedules)

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/today", todayHandler.GetToday)
			r.Get("/schedule", scheduleHandler.GetSchedule)
		})

		r.Get("/quotes/{quoteID}/metrics", quoteHandler.GetMetrics)

		// POST /api/deliveries/{deliveryID}/interaction（閲覧・スター記録専用のレート制限を追加）
		r.Route("/deliveries/{deliveryID}", func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.InteractionMiddleware())
			}
			r.Post("/interaction", deliveryHandler.RecordInteraction)
		})
	})

	return r
}
