// Package entitlement は期間限定の有料利用権の付与と判定を提供する。
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/bubbles/internal/metrics"
	"github.com/hitoshi/bubbles/internal/model"
	"github.com/hitoshi/bubbles/internal/repository"
)

// Config は利用権ゲートの設定。
type Config struct {
	Window     time.Duration // 利用権の有効期間
	Amount     int64         // 購入価格（最小通貨単位）
	Currency   string
	RedirectTo string           // 利用権がない場合にクライアントへ案内するパス
	Now        func() time.Time // nilの場合はtime.Now
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Window:     24 * time.Hour,
		Amount:     100,
		Currency:   "USD",
		RedirectTo: "/payment-methods.html",
	}
}

// Gate は利用権の付与と有効性の判定を行う。
type Gate struct {
	repo     repository.EntitlementRepository
	recorder metrics.Recorder
	config   Config
}

// NewGate はGateを生成する。
func NewGate(repo repository.EntitlementRepository, recorder metrics.Recorder, config Config) *Gate {
	def := DefaultConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.Currency == "" {
		config.Currency = def.Currency
	}
	if config.RedirectTo == "" {
		config.RedirectTo = def.RedirectTo
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Gate{repo: repo, recorder: recorder, config: config}
}

// HasActiveEntitlement はnow時点で有効な利用権が存在するかを返す。
func (g *Gate) HasActiveEntitlement(ctx context.Context, userID string, now time.Time) (bool, error) {
	ok, err := g.repo.HasActive(ctx, userID, now)
	if err != nil {
		return false, fmt.Errorf("failed to check entitlement: %w", err)
	}
	return ok, nil
}

// GrantEntitlement は新しい利用権レコードを作成する。
// 既存の利用権を延長・統合せず、常に独立したレコードを追加する。
func (g *Gate) GrantEntitlement(ctx context.Context, userID string, amount int64, currency string, now time.Time) (*model.Entitlement, error) {
	e := &model.Entitlement{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Currency:  currency,
		CreatedAt: now,
		ExpiresAt: now.Add(g.config.Window),
	}
	if err := g.repo.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create entitlement: %w", err)
	}

	g.recorder.RecordEntitlementGranted()
	slog.Info("entitlement granted",
		slog.String("user_id", userID),
		slog.String("entitlement_id", e.ID),
		slog.Time("expires_at", e.ExpiresAt),
	)
	return e, nil
}

// Purchase は設定された価格で利用権を付与する（決済は外部で完了済みとして扱う）。
func (g *Gate) Purchase(ctx context.Context, userID string) (*model.Entitlement, error) {
	return g.GrantEntitlement(ctx, userID, g.config.Amount, g.config.Currency, g.config.Now())
}

// RequireActive は有効な利用権がなければENTITLEMENT_REQUIREDエラーを返す。
func (g *Gate) RequireActive(ctx context.Context, userID string) error {
	ok, err := g.HasActiveEntitlement(ctx, userID, g.config.Now())
	if err != nil {
		return err
	}
	if !ok {
		g.recorder.RecordEntitlementDenied()
		slog.Info("entitlement required", slog.String("user_id", userID))
		return model.NewEntitlementRequiredError(g.config.RedirectTo)
	}
	return nil
}

// Status は最も遅く期限切れとなる有効な利用権を返す。存在しない場合はnilを返す。
func (g *Gate) Status(ctx context.Context, userID string) (*model.Entitlement, error) {
	e, err := g.repo.FindLatestActive(ctx, userID, g.config.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to find active entitlement: %w", err)
	}
	return e, nil
}
