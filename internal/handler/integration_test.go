package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/bubbles/internal/auth"
	"github.com/hitoshi/bubbles/internal/entitlement"
	"github.com/hitoshi/bubbles/internal/middleware"
	"github.com/hitoshi/bubbles/internal/model"
	"github.com/hitoshi/bubbles/internal/presence"
	"github.com/hitoshi/bubbles/internal/relay"
	"github.com/hitoshi/bubbles/internal/repository"
)

// --- 統合テスト用の環境 ---

// testClock はテスト中に進められる時計。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type integrationEnv struct {
	router    http.Handler
	clock     *testClock
	hub       *relay.Hub
	presences *repository.MemoryPresenceRepo
}

// newIntegrationEnv はメモリバックエンドと実サービスでルーターを構築する。
func newIntegrationEnv(t *testing.T) *integrationEnv {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	users := repository.NewMemoryUserRepo()
	sessions := repository.NewMemorySessionRepo()
	entitlements := repository.NewMemoryEntitlementRepo()
	presences := repository.NewMemoryPresenceRepo(users)
	hub := relay.NewHub(8, nil)

	authService := auth.NewService(users, sessions, nil, auth.ServiceConfig{
		SessionMaxAge: 86400 * 7,
		BcryptCost:    4,
		Now:           clock.Now,
	})
	gateCfg := entitlement.DefaultConfig()
	gateCfg.Now = clock.Now
	gate := entitlement.NewGate(entitlements, nil, gateCfg)
	tracker := presence.NewTracker(presences, hub, nil, presence.Config{
		Staleness: 5 * time.Minute,
		Now:       clock.Now,
	})

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	router := NewRouter(&RouterDeps{
		SessionResolver:    authService,
		EntitlementChecker: gate,
		CORSAllowedOrigin:  "http://localhost:3000",
		RateLimiter:        rl,
		AuthService:        authService,
		AuthConfig:         AuthHandlerConfig{SessionMaxAge: 86400 * 7},
		EntitlementService: gate,
		PresenceService:    tracker,
		EventSource:        hub,
	})

	return &integrationEnv{router: router, clock: clock, hub: hub, presences: presences}
}

// do はリクエストを送信する。tokenが空でなければセッションCookieを付与する。
func (e *integrationEnv) do(method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = jsonRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: token})
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// signup はユーザーを登録し、userIDとセッショントークンを返す。
func (e *integrationEnv) signup(t *testing.T, email, role string) (string, string) {
	t.Helper()
	w := e.do(http.MethodPost, "/api/signup", `{"email":"`+email+`","password":"correct horse","role":"`+role+`"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("signup %s: status = %d, body = %s", email, w.Code, w.Body.String())
	}
	var body authResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode signup: %v", err)
	}
	cookie := findCookie(w.Result(), middleware.SessionCookieName)
	if cookie == nil {
		t.Fatalf("signup %s: no session cookie", email)
	}
	return body.UserID, cookie.Value
}

// --- 統合テスト ---

func TestIntegration_EndToEndPresenceScenario(t *testing.T) {
	env := newIntegrationEnv(t)

	// Aがサインアップし、利用権を購入して位置を報告する
	userA, tokenA := env.signup(t, "a@example.com", "client")

	w := env.do(http.MethodPost, "/api/location", `{"lat":10,"lng":20,"isActive":true}`, tokenA)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("A location before payment: status = %d, want 402", w.Code)
	}

	w = env.do(http.MethodPost, "/api/create-payment", "", tokenA)
	if w.Code != http.StatusOK {
		t.Fatalf("A create-payment: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodPost, "/api/location", `{"lat":10,"lng":20,"isActive":true}`, tokenA)
	if w.Code != http.StatusOK {
		t.Fatalf("A location: status = %d, body = %s", w.Code, w.Body.String())
	}

	// Bはサインアップのみで利用権を持たない
	_, tokenB := env.signup(t, "b@example.com", "provider")
	w = env.do(http.MethodPost, "/api/location", `{"lat":1,"lng":2,"isActive":true}`, tokenB)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("B location: status = %d, want 402", w.Code)
	}
	errBody := decodeAPIError(t, w)
	if errBody.Code != model.ErrCodeEntitlementRequired || errBody.RedirectTo != "/payment-methods.html" {
		t.Errorf("B error = %+v", errBody)
	}

	// Aから見える稼働中ユーザーはA自身のみ
	w = env.do(http.MethodGet, "/api/active-users", "", tokenA)
	if w.Code != http.StatusOK {
		t.Fatalf("A active-users: status = %d", w.Code)
	}
	var list activeUsersResponse
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode active-users: %v", err)
	}
	if len(list.Active) != 1 {
		t.Fatalf("active = %+v, want exactly A", list.Active)
	}
	got := list.Active[0]
	if got.UserID != userA || got.Lat != 10 || got.Lng != 20 || got.Role != model.RoleClient {
		t.Errorf("active[0] = %+v", got)
	}

	// 5分を過ぎると鮮度切れで一覧から消える
	env.clock.Advance(5*time.Minute + time.Second)
	w = env.do(http.MethodGet, "/api/active-users", "", tokenA)
	list = activeUsersResponse{}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode active-users: %v", err)
	}
	if len(list.Active) != 0 {
		t.Errorf("stale presence should be hidden, got %+v", list.Active)
	}

	// 24時間経過後は利用権が失効する
	env.clock.Advance(24 * time.Hour)
	w = env.do(http.MethodGet, "/api/protected-chat", "", tokenA)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("after window: status = %d, want 402", w.Code)
	}
}

func TestIntegration_DuplicateSignupRejected(t *testing.T) {
	env := newIntegrationEnv(t)
	env.signup(t, "dup@example.com", "client")

	w := env.do(http.MethodPost, "/api/signup", `{"email":"dup@example.com","password":"other","role":"provider"}`, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeAPIError(t, w); body.Code != model.ErrCodeEmailExists {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeEmailExists)
	}
	if findCookie(w.Result(), middleware.SessionCookieName) != nil {
		t.Error("failed signup must not issue a session")
	}
}

func TestIntegration_LoginMeLogout(t *testing.T) {
	env := newIntegrationEnv(t)
	userID, signupToken := env.signup(t, "c@example.com", "washer")

	w := env.do(http.MethodPost, "/api/login", `{"email":"c@example.com","password":"wrong"}`, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d, want 401", w.Code)
	}

	w = env.do(http.MethodPost, "/api/login", `{"email":"c@example.com","password":"correct horse"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login: status = %d, body = %s", w.Code, w.Body.String())
	}
	cookie := findCookie(w.Result(), middleware.SessionCookieName)
	if cookie == nil || cookie.Value == signupToken {
		t.Fatalf("login should issue a distinct token, got %+v", cookie)
	}
	loginToken := cookie.Value

	w = env.do(http.MethodGet, "/api/me", "", loginToken)
	if w.Code != http.StatusOK {
		t.Fatalf("me: status = %d", w.Code)
	}
	var me meResponse
	if err := json.NewDecoder(w.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ID != userID || me.Role != model.RoleProvider {
		t.Errorf("me = %+v, want provider %s", me, userID)
	}

	w = env.do(http.MethodPost, "/api/logout", "", loginToken)
	if w.Code != http.StatusNoContent {
		t.Errorf("logout: status = %d, want 204", w.Code)
	}
	if w = env.do(http.MethodGet, "/api/me", "", loginToken); w.Code != http.StatusUnauthorized {
		t.Errorf("me after logout: status = %d, want 401", w.Code)
	}
	// 別のセッションは影響を受けない
	if w = env.do(http.MethodGet, "/api/me", "", signupToken); w.Code != http.StatusOK {
		t.Errorf("me with other session: status = %d, want 200", w.Code)
	}
}

func TestIntegration_InvalidCoordinatesLeavePriorRecord(t *testing.T) {
	env := newIntegrationEnv(t)
	userID, token := env.signup(t, "d@example.com", "client")
	env.do(http.MethodPost, "/api/create-payment", "", token)

	if w := env.do(http.MethodPost, "/api/location", `{"lat":10,"lng":20,"isActive":true}`, token); w.Code != http.StatusOK {
		t.Fatalf("location: status = %d", w.Code)
	}

	w := env.do(http.MethodPost, "/api/location", `{"lat":200,"lng":20,"isActive":true}`, token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeAPIError(t, w); body.Code != model.ErrCodeInvalidCoordinates {
		t.Errorf("code = %q", body.Code)
	}

	p, err := env.presences.FindByUserID(context.Background(), userID)
	if err != nil || p == nil {
		t.Fatalf("FindByUserID() = %v, %v", p, err)
	}
	if p.Lat != 10 || p.Lng != 20 {
		t.Errorf("prior record changed: %+v", p)
	}
}

func TestIntegration_EntitlementStatus(t *testing.T) {
	env := newIntegrationEnv(t)
	_, token := env.signup(t, "e@example.com", "client")

	w := env.do(http.MethodGet, "/api/entitlement", "", token)
	if !strings.Contains(w.Body.String(), `"active":false`) {
		t.Errorf("before payment: %s", w.Body.String())
	}

	env.do(http.MethodPost, "/api/create-payment", "", token)
	w = env.do(http.MethodGet, "/api/entitlement", "", token)
	var status entitlementStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := env.clock.Now().Add(24 * time.Hour)
	if !status.Active || status.ExpiresAt == nil || !status.ExpiresAt.Equal(want) {
		t.Errorf("status = %+v, want active until %v", status, want)
	}
}

func TestIntegration_EventsStreamReceivesPresenceUpdates(t *testing.T) {
	env := newIntegrationEnv(t)
	_, watcher := env.signup(t, "watcher@example.com", "client")
	_, reporter := env.signup(t, "reporter@example.com", "provider")
	env.do(http.MethodPost, "/api/create-payment", "", watcher)
	env.do(http.MethodPost, "/api/create-payment", "", reporter)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: watcher})
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	waitForPeers(t, env.hub, 1)
	if w := env.do(http.MethodPost, "/api/location", `{"lat":3,"lng":4,"isActive":true}`, reporter); w.Code != http.StatusOK {
		t.Fatalf("location: status = %d", w.Code)
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: "+presence.EventPresenceUpdate {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data: ") {
			var ev presence.UpdateEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if ev.Lat != 3 || ev.Lng != 4 || !ev.IsActive {
				t.Errorf("event = %+v", ev)
			}
			return
		}
	}
	t.Fatalf("stream ended without presence update: %v", scanner.Err())
}

func TestIntegration_UnauthenticatedRequestsRejected(t *testing.T) {
	env := newIntegrationEnv(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/me"},
		{http.MethodPost, "/api/create-payment"},
		{http.MethodGet, "/api/entitlement"},
		{http.MethodPost, "/api/location"},
		{http.MethodGet, "/api/active-users"},
		{http.MethodGet, "/api/protected-chat"},
		{http.MethodGet, "/api/events"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			// 形式不正なトークンもセッションなしとして扱う
			w := env.do(p.method, p.path, "", "not-a-valid-token")
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			if body := decodeAPIError(t, w); body.Code != model.ErrCodeUnauthorized {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
			}
		})
	}
}
