package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/bubbles/internal/metrics"
	"github.com/hitoshi/bubbles/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	SessionResolver    middleware.SessionResolver
	EntitlementChecker middleware.EntitlementChecker
	CORSAllowedOrigin  string
	RateLimiter        *middleware.RateLimiter
	Recorder           metrics.Recorder

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 利用権
	EntitlementService EntitlementServiceInterface

	// 位置情報
	PresenceService PresenceServiceInterface

	// イベント配信
	EventSource       EventSource
	HeartbeatInterval time.Duration

	// 運用
	HealthChecker  Pinger       // nilの場合はDB疎通確認を行わない
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → StatusMetrics → SecurityHeaders → CORS
//	  → (認証必須グループ) Session → RateLimit(General)
//	  → (利用権必須グループ) Entitlement
//
// サインアップ・ログインはIP単位のレート制限のみを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewStatusMetricsMiddleware(recorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	entitlementHandler := NewEntitlementHandler(deps.EntitlementService)
	presenceHandler := NewPresenceHandler(deps.PresenceService)
	eventsHandler := NewEventsHandler(deps.EventSource, deps.HeartbeatInterval)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.AuthAttemptMiddleware())
		r.Post("/api/signup", authHandler.Signup)
		r.Post("/api/login", authHandler.Login)
	})
	r.Post("/api/logout", authHandler.Logout)

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionResolver))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/me", authHandler.Me)
		r.Post("/api/create-payment", entitlementHandler.CreatePayment)
		r.Get("/api/entitlement", entitlementHandler.GetEntitlement)

		// --- 有効な利用権が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewEntitlementMiddleware(deps.EntitlementChecker))

			r.Post("/api/location", presenceHandler.ReportLocation)
			r.Get("/api/active-users", presenceHandler.ListActiveUsers)
			r.Get("/api/protected-chat", presenceHandler.ProtectedChat)
			r.Get("/api/events", eventsHandler.Stream)
		})
	})

	return r
}
