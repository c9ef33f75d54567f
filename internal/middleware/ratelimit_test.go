package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testRateLimiterConfig(generalRate float64, generalBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:      rate.Limit(generalRate),
		GeneralBurst:     generalBurst,
		InteractionRate:  1,
		InteractionBurst: 10,
		CleanupInterval:  1 * time.Minute,
	}
}

// newClientRequest はゲートウェイのユーザーIDヘッダー付きのリクエストを生成する。
func newClientRequest(method, userID string) *http.Request {
	req := httptest.NewRequest(method, "/api/test", nil)
	if userID != "" {
		req.Header.Set(GatewayUserHeader, userID)
	}
	return req
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- GeneralMiddleware (API全般) のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(2, 5))
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newClientRequest(http.MethodGet, "user-1"))

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 2))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// バースト分（2回）は通る
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newClientRequest(http.MethodGet, "user-rate-limit"))
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	// 3回目はレート制限に引っかかる
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newClientRequest(http.MethodGet, "user-rate-limit"))

	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfterHeader(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), newClientRequest(http.MethodGet, "user-retry-after"))

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, newClientRequest(http.MethodGet, "user-retry-after"))

	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}

	retryAfter := w2.Result().Header.Get("Retry-After")
	if retryAfter == "" {
		t.Fatal("expected Retry-After header to be present")
	}
	sec, err := strconv.Atoi(retryAfter)
	if err != nil {
		t.Fatalf("Retry-After should be an integer: %v", err)
	}
	if sec < 1 {
		t.Errorf("Retry-After = %d, want >= 1", sec)
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// user-aがバーストを使い切っても、user-bには影響しない
	handler.ServeHTTP(httptest.NewRecorder(), newClientRequest(http.MethodGet, "user-a"))
	wa := httptest.NewRecorder()
	handler.ServeHTTP(wa, newClientRequest(http.MethodGet, "user-a"))
	if wa.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("user-a status = %d, want %d", wa.Result().StatusCode, http.StatusTooManyRequests)
	}

	wb := httptest.NewRecorder()
	handler.ServeHTTP(wb, newClientRequest(http.MethodGet, "user-b"))
	if wb.Result().StatusCode != http.StatusOK {
		t.Errorf("user-b status = %d, want %d", wb.Result().StatusCode, http.StatusOK)
	}
}

func TestRateLimitMiddleware_FallsBackToRemoteAddr(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	req1 := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req1.RemoteAddr = "203.0.113.5:40000"
	handler.ServeHTTP(httptest.NewRecorder(), req1)

	// 同じIPの別ポートは同一クライアントとして扱う
	req2 := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req2.RemoteAddr = "203.0.113.5:40001"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("same IP status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req3.RemoteAddr = "203.0.113.6:40000"
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, req3)
	if w3.Result().StatusCode != http.StatusOK {
		t.Errorf("other IP status = %d, want %d", w3.Result().StatusCode, http.StatusOK)
	}
}

// --- InteractionMiddleware のテスト ---

func TestInteractionRateLimit_Returns429WhenLimitExceeded(t *testing.T) {
	cfg := testRateLimiterConfig(100, 100)
	cfg.InteractionRate = 1
	cfg.InteractionBurst = 2

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.InteractionMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newClientRequest(http.MethodPost, "user-interaction"))
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newClientRequest(http.MethodPost, "user-interaction"))
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}
}

func TestInteractionRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	cfg := testRateLimiterConfig(1, 1)
	cfg.InteractionRate = 1
	cfg.InteractionBurst = 5

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	interaction := rl.InteractionMiddleware()(okHandler())

	// API全般のバーストを使い切る
	general.ServeHTTP(httptest.NewRecorder(), newClientRequest(http.MethodGet, "user-independent"))
	wg := httptest.NewRecorder()
	general.ServeHTTP(wg, newClientRequest(http.MethodGet, "user-independent"))
	if wg.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("general status = %d, want %d", wg.Result().StatusCode, http.StatusTooManyRequests)
	}

	// 閲覧・スター記録のリミッターは独立している
	wi := httptest.NewRecorder()
	interaction.ServeHTTP(wi, newClientRequest(http.MethodPost, "user-independent"))
	if wi.Result().StatusCode != http.StatusOK {
		t.Errorf("interaction status = %d, want %d", wi.Result().StatusCode, http.StatusOK)
	}
}

// --- 429レスポンスフォーマットのテスト ---

func TestRateLimitMiddleware_429ResponseIsJSON(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), newClientRequest(http.MethodGet, "user-json-test"))
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, newClientRequest(http.MethodGet, "user-json-test"))

	resp := w2.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want %q", body.Code, "RATE_LIMIT_EXCEEDED")
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want %q", body.Category, "system")
	}
	if body.Message == "" || body.Action == "" {
		t.Error("message と action は空であってはならない")
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateLimiterConfig(2, 5)
	cfg.CleanupInterval = 50 * time.Millisecond // テスト用に短く

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), newClientRequest(http.MethodGet, "user-cleanup"))

	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// TTLはCleanupIntervalの2倍（100ms）。余裕をもって待つ
	deadline := time.Now().Add(2 * time.Second)
	for rl.GeneralLimiterCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

// --- デフォルト設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.InteractionRate != 0.5 {
		t.Errorf("InteractionRate = %f, want 0.5", cfg.InteractionRate)
	}
	if cfg.InteractionBurst != 30 {
		t.Errorf("InteractionBurst = %d, want 30", cfg.InteractionBurst)
	}
}

func TestNewRateLimiterConfig_PerMinute(t *testing.T) {
	cfg := NewRateLimiterConfig(300)
	if cfg.GeneralRate != 5.0 {
		t.Errorf("GeneralRate = %f, want 5.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 300 {
		t.Errorf("GeneralBurst = %d, want 300", cfg.GeneralBurst)
	}

	if got := NewRateLimiterConfig(0); got.GeneralBurst != 120 {
		t.Errorf("0指定時のGeneralBurst = %d, want 120", got.GeneralBurst)
	}
}
