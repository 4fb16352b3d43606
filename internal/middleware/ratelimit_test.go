package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/bubbles/internal/model"
)

func testRateLimiterConfig(generalBurst, authBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    generalBurst,
		AuthRate:        1,
		AuthBurst:       authBurst,
		CleanupInterval: 1 * time.Minute,
	}
}

func requestAsUser(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/active-users", nil)
	return req.WithContext(ContextWithUserID(req.Context(), userID))
}

func requestFromIP(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- GeneralMiddleware (ユーザー単位) のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAsUser("user-1"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(2, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), requestAsUser("user-1"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAsUser("user-1"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want positive integer", w.Header().Get("Retry-After"))
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeRateLimitExceeded {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimitExceeded)
	}
	if body.Category == "" || body.Action == "" {
		t.Error("category and action should be present")
	}
}

func TestRateLimitMiddleware_IsolatesUserRateLimits(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	wA := httptest.NewRecorder()
	handler.ServeHTTP(wA, requestAsUser("user-A"))
	if wA.Code != http.StatusOK {
		t.Errorf("user-A first request: status = %d, want %d", wA.Code, http.StatusOK)
	}

	wA2 := httptest.NewRecorder()
	handler.ServeHTTP(wA2, requestAsUser("user-A"))
	if wA2.Code != http.StatusTooManyRequests {
		t.Errorf("user-A second request: status = %d, want %d", wA2.Code, http.StatusTooManyRequests)
	}

	// ユーザーBはユーザーAのレートに影響されない
	wB := httptest.NewRecorder()
	handler.ServeHTTP(wB, requestAsUser("user-B"))
	if wB.Code != http.StatusOK {
		t.Errorf("user-B first request: status = %d, want %d", wB.Code, http.StatusOK)
	}
}

func TestRateLimitMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called without user ID")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/active-users", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- AuthAttemptMiddleware (IP単位) のテスト ---

func TestAuthAttemptRateLimit_LimitsPerClientIP(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(100, 3))
	defer rl.Stop()

	handler := rl.AuthAttemptMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFromIP("203.0.113.7:5000"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	// 同一IPの別ポートからでも同じリミッターを共有する
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFromIP("203.0.113.7:6000"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("4th request: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestFromIP("198.51.100.1:5000"))
	if w2.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want %d", w2.Code, http.StatusOK)
	}
	if rl.AuthLimiterCount() != 2 {
		t.Errorf("AuthLimiterCount() = %d, want 2", rl.AuthLimiterCount())
	}
}

func TestAuthAttemptRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	auth := rl.AuthAttemptMiddleware()(okHandler())

	general.ServeHTTP(httptest.NewRecorder(), requestAsUser("user-1"))
	w := httptest.NewRecorder()
	general.ServeHTTP(w, requestAsUser("user-1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("general limit should be exhausted, got %d", w.Code)
	}

	w2 := httptest.NewRecorder()
	auth.ServeHTTP(w2, requestFromIP("192.0.2.1:1234"))
	if w2.Code != http.StatusOK {
		t.Errorf("auth limiter should be independent, got %d", w2.Code)
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateLimiterConfig(5, 10)
	cfg.CleanupInterval = 50 * time.Millisecond

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAsUser("user-cleanup"))
	rl.AuthAttemptMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFromIP("192.0.2.9:1"))

	if rl.GeneralLimiterCount() == 0 || rl.AuthLimiterCount() == 0 {
		t.Fatal("expected limiter entries")
	}

	// TTLはcleanupIntervalの2倍（100ms）。十分待てば削除される
	time.Sleep(300 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 general entries after cleanup, got %d", count)
	}
	if count := rl.AuthLimiterCount(); count != 0 {
		t.Errorf("expected 0 auth entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	rl.Stop()
	rl.Stop()
}

// --- ミドルウェアチェーンとの統合テスト ---

func TestRateLimitMiddleware_InChainWithSessionAndCORS(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(2, 10))
	defer rl.Stop()

	sessionMW := NewSessionMiddleware(&mockSessionResolver{
		resolveFn: func(_ context.Context, credential string) (*model.Session, error) {
			if credential == "rate-limit-session" {
				return &model.Session{Token: credential, UserID: "user-rate-chain"}, nil
			}
			return nil, nil
		},
	})
	corsMW := NewCORSMiddleware("http://localhost:3000")

	// CORS -> Session -> RateLimit -> Handler
	handler := corsMW(sessionMW(rl.GeneralMiddleware()(okHandler())))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/active-users", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "rate-limit-session"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/active-users", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "rate-limit-session"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("request 3: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS headers should be present on 429 responses")
	}
}

// --- 設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.AuthRate == 0 {
		t.Error("AuthRate should not be 0")
	}
	if cfg.AuthBurst != 10 {
		t.Errorf("AuthBurst = %d, want 10", cfg.AuthBurst)
	}
}

func TestPerMinuteRateLimiterConfig_NonPositiveUsesDefaults(t *testing.T) {
	cfg := PerMinuteRateLimiterConfig(0, -1)
	if cfg.GeneralBurst != 120 || cfg.AuthBurst != 10 {
		t.Errorf("bursts = %d/%d, want 120/10", cfg.GeneralBurst, cfg.AuthBurst)
	}

	cfg = PerMinuteRateLimiterConfig(60, 6)
	if cfg.GeneralRate != 1.0 {
		t.Errorf("GeneralRate = %f, want 1.0", cfg.GeneralRate)
	}
	if cfg.AuthRate != 0.1 {
		t.Errorf("AuthRate = %f, want 0.1", cfg.AuthRate)
	}
}
