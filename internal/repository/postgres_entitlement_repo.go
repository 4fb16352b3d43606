package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/bubbles/internal/model"
)

// PostgresEntitlementRepo はPostgreSQLを使用した利用権リポジトリ。
type PostgresEntitlementRepo struct {
	db *sql.DB
}

// NewPostgresEntitlementRepo はPostgresEntitlementRepoを生成する。
func NewPostgresEntitlementRepo(db *sql.DB) *PostgresEntitlementRepo {
	return &PostgresEntitlementRepo{db: db}
}

// Create は利用権レコードを追加する。
func (r *PostgresEntitlementRepo) Create(ctx context.Context, e *model.Entitlement) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO entitlements (id, user_id, amount, currency, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.UserID, e.Amount, e.Currency, e.CreatedAt, e.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entitlement: %w", err)
	}
	return nil
}

// HasActive はexpires_at > now の利用権が存在するかを返す。
func (r *PostgresEntitlementRepo) HasActive(ctx context.Context, userID string, now time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM entitlements WHERE user_id = $1 AND expires_at > $2
		 )`,
		userID, now,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active entitlement: %w", err)
	}
	return exists, nil
}

// FindLatestActive は有効な利用権のうち最も遅く期限切れとなるものを返す。
func (r *PostgresEntitlementRepo) FindLatestActive(ctx context.Context, userID string, now time.Time) (*model.Entitlement, error) {
	e := &model.Entitlement{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, amount, currency, created_at, expires_at
		 FROM entitlements
		 WHERE user_id = $1 AND expires_at > $2
		 ORDER BY expires_at DESC
		 LIMIT 1`,
		userID, now,
	).Scan(&e.ID, &e.UserID, &e.Amount, &e.Currency, &e.CreatedAt, &e.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active entitlement: %w", err)
	}
	return e, nil
}

// compile-time interface check
var _ EntitlementRepository = (*PostgresEntitlementRepo)(nil)
