package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/quoteday/internal/model"
)

// テストで使うUUID形式のID。
const (
	testUserID     = "11111111-1111-4111-8111-111111111111"
	testQuoteID    = "22222222-2222-4222-8222-222222222222"
	testDeliveryID = "33333333-3333-4333-8333-333333333333"
)

// --- モック定義 ---

// mockTodayService はTodayServiceInterfaceのモック実装。
type mockTodayService struct {
	todayFn func(ctx context.Context, userID string) (*model.TodayQuote, error)
}

func (m *mockTodayService) Today(ctx context.Context, userID string) (*model.TodayQuote, error) {
	if m.todayFn != nil {
		return m.todayFn(ctx, userID)
	}
	return nil, model.NewNoDeliveryYetError()
}

// mockQuoteLookup はQuoteLookupのモック実装。
type mockQuoteLookup struct {
	lookupFn func(ctx context.Context, id string) (*model.Quote, error)
}

func (m *mockQuoteLookup) Lookup(ctx context.Context, id string) (*model.Quote, error) {
	if m.lookupFn != nil {
		return m.lookupFn(ctx, id)
	}
	return &model.Quote{ID: id, IsActive: true}, nil
}

// mockQuoteMetrics はQuoteMetricsReaderのモック実装。
type mockQuoteMetrics struct {
	quoteMetricsFn func(ctx context.Context, quoteID string) (*model.QuoteMetrics, error)
}

func (m *mockQuoteMetrics) QuoteMetrics(ctx context.Context, quoteID string) (*model.QuoteMetrics, error) {
	if m.quoteMetricsFn != nil {
		return m.quoteMetricsFn(ctx, quoteID)
	}
	return &model.QuoteMetrics{QuoteID: quoteID}, nil
}

// mockInteractionRecorder はInteractionRecorderのモック実装。
type mockInteractionRecorder struct {
	recordFn func(ctx context.Context, recordID string, viewedAt, starredAt *time.Time) (*model.DeliveryRecord, error)
}

func (m *mockInteractionRecorder) RecordInteraction(ctx context.Context, recordID string, viewedAt, starredAt *time.Time) (*model.DeliveryRecord, error) {
	if m.recordFn != nil {
		return m.recordFn(ctx, recordID, viewedAt, starredAt)
	}
	return &model.DeliveryRecord{ID: recordID, UserID: testUserID, QuoteID: testQuoteID, ViewedAt: viewedAt, StarredAt: starredAt}, nil
}

// mockTodayInvalidator はTodayInvalidatorのモック実装。
type mockTodayInvalidator struct {
	userIDs []string
}

func (m *mockTodayInvalidator) Invalidate(_ context.Context, userID string) {
	m.userIDs = append(m.userIDs, userID)
}

// mockInteractionMetrics はInteractionMetricsのモック実装。
type mockInteractionMetrics struct {
	kinds []string
}

func (m *mockInteractionMetrics) RecordInteraction(kind string) {
	m.kinds = append(m.kinds, kind)
}

// mockScheduleReader はScheduleReaderのモック実装。
type mockScheduleReader struct {
	findByIDFn    func(ctx context.Context, id string) (*model.User, error)
	getScheduleFn func(ctx context.Context, userID string) (*model.ScheduleState, error)
}

func (m *mockScheduleReader) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockScheduleReader) GetSchedule(ctx context.Context, userID string) (*model.ScheduleState, error) {
	if m.getScheduleFn != nil {
		return m.getScheduleFn(ctx, userID)
	}
	return nil, nil
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error {
	return m.err
}

// --- テストヘルパー ---

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// decodeJSON はレスポンスボディを汎用のmapにデコードするヘルパー。
func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return result
}

func timePtr(t time.Time) *time.Time {
	return &t
}
