package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/bubbles/internal/auth"
	"github.com/hitoshi/bubbles/internal/config"
	"github.com/hitoshi/bubbles/internal/database"
	"github.com/hitoshi/bubbles/internal/entitlement"
	"github.com/hitoshi/bubbles/internal/handler"
	"github.com/hitoshi/bubbles/internal/logger"
	"github.com/hitoshi/bubbles/internal/metrics"
	"github.com/hitoshi/bubbles/internal/middleware"
	"github.com/hitoshi/bubbles/internal/presence"
	"github.com/hitoshi/bubbles/internal/relay"
	"github.com/hitoshi/bubbles/internal/repository"
	"github.com/hitoshi/bubbles/internal/worker/cleanup"
)

// relayBufferSize はSSE購読者ごとの未送信イベント上限。
const relayBufferSize = 32

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envファイルがあれば読み込む（既存の環境変数が優先される）
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// SIGINTまたはSIGTERMを受信するとキャンセルされるコンテキストでRunContextを呼ぶ。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はコマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// ctxがキャンセルされるとサーバーとワーカーは停止する。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		return runHealthcheck(healthcheckPort())
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// Stores はストアバックエンドごとのリポジトリ実装をまとめる。
type Stores struct {
	Users        repository.UserRepository
	Sessions     repository.SessionRepository
	Entitlements repository.EntitlementRepository
	Presences    repository.PresenceRepository

	// DB はpostgresバックエンドの場合のみ設定される。
	DB *sql.DB
}

// Close はDB接続を閉じる。メモリバックエンドでは何もしない。
func (s *Stores) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// NewMemoryStores はプロセス内メモリのリポジトリを生成する。
func NewMemoryStores() *Stores {
	users := repository.NewMemoryUserRepo()
	return &Stores{
		Users:        users,
		Sessions:     repository.NewMemorySessionRepo(),
		Entitlements: repository.NewMemoryEntitlementRepo(),
		Presences:    repository.NewMemoryPresenceRepo(users),
	}
}

// NewPostgresStores はPostgreSQLのリポジトリを生成する。
func NewPostgresStores(db *sql.DB) *Stores {
	return &Stores{
		Users:        repository.NewPostgresUserRepo(db),
		Sessions:     repository.NewPostgresSessionRepo(db),
		Entitlements: repository.NewPostgresEntitlementRepo(db),
		Presences:    repository.NewPostgresPresenceRepo(db),
		DB:           db,
	}
}

// openStores は設定されたバックエンドのストアを開く。
func openStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	if cfg.StoreBackend != config.StorePostgres {
		slog.Info("using in-memory store")
		return NewMemoryStores(), nil
	}

	db, err := database.OpenAndPing(ctx, cfg.DatabaseURL, 10*time.Second)
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established")
	return NewPostgresStores(db), nil
}

// Server はワイヤリング済みのHTTPハンドラーと付随リソースを保持する。
type Server struct {
	Handler     http.Handler
	Hub         *relay.Hub
	RateLimiter *middleware.RateLimiter
	Registry    *prometheus.Registry
}

// Close はバックグラウンドのゴルーチンを停止し、リレーの全ピアを切断する。
func (s *Server) Close() {
	s.RateLimiter.Stop()
	s.Hub.Close()
}

// newHTTPServer はServerのハンドラーを載せたhttp.Serverを生成する。
// Shutdownはリクエストのコンテキストをキャンセルしないため、
// シャットダウン開始時にリレーを閉じてSSEストリームを終了させる。
func newHTTPServer(addr string, srv *Server) *http.Server {
	server := &http.Server{
		Addr:        addr,
		Handler:     srv.Handler,
		ReadTimeout: 15 * time.Second,
		// SSEハンドラーは書き込み期限を個別に解除する
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server.RegisterOnShutdown(srv.Hub.Close)
	return server
}

// NewServer は設定とストアから全依存関係をワイヤリングする。
func NewServer(cfg *config.Config, stores *Stores) *Server {
	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewCollector(registry)

	// 2. ブロードキャストリレー
	hub := relay.NewHub(relayBufferSize, slog.Default())
	metrics.RegisterRelayPeers(registry, hub.PeerCount)

	// 3. ドメインサービス
	authService := auth.NewService(stores.Users, stores.Sessions, recorder, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
		BcryptCost:    cfg.BcryptCost,
	})
	gate := entitlement.NewGate(stores.Entitlements, recorder, entitlement.Config{
		Window:     cfg.EntitlementWindow,
		Amount:     cfg.EntitlementAmount,
		Currency:   cfg.EntitlementCurrency,
		RedirectTo: cfg.EntitlementRedirect,
	})
	tracker := presence.NewTracker(stores.Presences, hub, recorder, presence.Config{
		Staleness: cfg.PresenceStaleness,
	})

	// 4. ルーター
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth),
	)

	deps := &handler.RouterDeps{
		Logger:             slog.Default(),
		SessionResolver:    authService,
		EntitlementChecker: gate,
		CORSAllowedOrigin:  cfg.CORSAllowedOrigin,
		RateLimiter:        rateLimiter,
		Recorder:           recorder,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		EntitlementService: gate,
		PresenceService:    tracker,
		EventSource:        hub,

		MetricsHandler: metrics.Handler(registry),
	}
	// インターフェースにnilの*sql.DBを入れないよう分岐する
	if stores.DB != nil {
		deps.HealthChecker = stores.DB
	}

	return &Server{
		Handler:     handler.NewRouter(deps),
		Hub:         hub,
		RateLimiter: rateLimiter,
		Registry:    registry,
	}
}

// runServe はAPIサーバーモードで起動する。
// メモリバックエンドの場合は期限切れセッションのクリーンアップもこのプロセスで行う。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	stores, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer stores.Close()

	srv := NewServer(cfg, stores)
	defer srv.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if stores.DB == nil {
		job := cleanup.NewCleanupJob(stores.Sessions, slog.Default(), nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			job.Start(ctx, cfg.CleanupInterval)
		}()
	}

	server := newHTTPServer(":"+cfg.ServerPort, srv)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var listenErr error
	select {
	case listenErr = <-errCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownErr := server.Shutdown(shutdownCtx)
	// ListenAndServeのゴルーチンとクリーンアップの終了を待つ
	for range errCh {
	}
	cancel()
	wg.Wait()

	if listenErr != nil {
		return fmt.Errorf("server listen error: %w", listenErr)
	}
	if shutdownErr != nil {
		return fmt.Errorf("server shutdown failed: %w", shutdownErr)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// PostgreSQL上の期限切れセッションを定期的に削除する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreBackend != config.StorePostgres {
		return fmt.Errorf("worker requires STORE_BACKEND=%s", config.StorePostgres)
	}

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer stores.Close()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	job := cleanup.NewCleanupJob(stores.Sessions, slog.Default(), nil)
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend != config.StorePostgres {
		return fmt.Errorf("migrate requires STORE_BACKEND=%s", config.StorePostgres)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// healthcheckPort はヘルスチェック対象のポートを環境変数から決定する。
func healthcheckPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "8080"
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
