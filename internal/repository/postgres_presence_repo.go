package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/bubbles/internal/model"
)

// PostgresPresenceRepo はPostgreSQLを使用した位置情報リポジトリ。
// presencesテーブルはuser_idを主キーとし、ユーザーごとに1行のみ保持する。
type PostgresPresenceRepo struct {
	db *sql.DB
}

// NewPostgresPresenceRepo はPostgresPresenceRepoを生成する。
func NewPostgresPresenceRepo(db *sql.DB) *PostgresPresenceRepo {
	return &PostgresPresenceRepo{db: db}
}

// Upsert はユーザーの位置情報をON CONFLICTで置き換える。
// updated_atはGREATESTで既存値より小さくならないようにする。
func (r *PostgresPresenceRepo) Upsert(ctx context.Context, p *model.Presence) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO presences (user_id, lat, lng, is_active, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			is_active = EXCLUDED.is_active,
			updated_at = GREATEST(presences.updated_at, EXCLUDED.updated_at)`,
		p.UserID, p.Lat, p.Lng, p.IsActive, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	return nil
}

// FindByUserID はユーザーの位置情報を取得する。見つからない場合はnilを返す。
func (r *PostgresPresenceRepo) FindByUserID(ctx context.Context, userID string) (*model.Presence, error) {
	p := &model.Presence{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, lat, lng, is_active, updated_at FROM presences WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.Lat, &p.Lng, &p.IsActive, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find presence: %w", err)
	}
	return p, nil
}

// ListVisible は可視状態の位置情報をusersとLEFT JOINしてuser_id昇順で返す。
func (r *PostgresPresenceRepo) ListVisible(ctx context.Context, cutoff time.Time) ([]model.ActiveUser, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.user_id, p.lat, p.lng, COALESCE(u.role, ''), p.updated_at
		 FROM presences p
		 LEFT JOIN users u ON u.id = p.user_id
		 WHERE p.is_active AND p.updated_at > $1
		 ORDER BY p.user_id`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list visible presences: %w", err)
	}
	defer rows.Close()

	result := []model.ActiveUser{}
	for rows.Next() {
		var au model.ActiveUser
		var role string
		if err := rows.Scan(&au.UserID, &au.Lat, &au.Lng, &role, &au.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan presence: %w", err)
		}
		au.Role = model.Role(role)
		result = append(result, au)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate presences: %w", err)
	}
	return result, nil
}

// compile-time interface check
var _ PresenceRepository = (*PostgresPresenceRepo)(nil)
