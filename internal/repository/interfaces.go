// Package repository はデータ永続化のインターフェースを定義する。
// メモリ実装とPostgreSQL実装を提供し、設定により切り替える。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/bubbles/internal/model"
)

var (
	// ErrDuplicateEmail は既に登録済みのメールアドレスでユーザーを作成しようとした場合に返る。
	ErrDuplicateEmail = errors.New("email already exists")
	// ErrDuplicateToken は既存のセッショントークンと衝突した場合に返る。
	ErrDuplicateToken = errors.New("session token already exists")
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// Create はユーザーを作成する。
	// メールアドレスが重複する場合は何も書き込まずErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。大文字小文字を区別する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。トークンが衝突した場合はErrDuplicateTokenを返す。
	Create(ctx context.Context, session *model.Session) error
	// FindByToken は指定トークンのセッションを取得する。見つからない場合はnilを返す。
	// 有効期限の判定は呼び出し側で行う。
	FindByToken(ctx context.Context, token string) (*model.Session, error)
	// DeleteByToken は指定トークンのセッションを削除する。
	DeleteByToken(ctx context.Context, token string) error
	// DeleteExpired はbefore以前に期限切れとなったセッションを削除し、削除件数を返す。
	// 無期限セッションは削除しない。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// EntitlementRepository は利用権（決済レコード）の永続化インターフェース。
type EntitlementRepository interface {
	// Create は利用権レコードを追加する。既存レコードの延長や統合は行わない。
	Create(ctx context.Context, entitlement *model.Entitlement) error
	// HasActive はexpires_at > now の利用権が存在するかを返す。
	HasActive(ctx context.Context, userID string, now time.Time) (bool, error)
	// FindLatestActive は有効な利用権のうち最も遅く期限切れとなるものを返す。
	// 存在しない場合はnilを返す。
	FindLatestActive(ctx context.Context, userID string, now time.Time) (*model.Entitlement, error)
}

// PresenceRepository は位置情報レコードの永続化インターフェース。
type PresenceRepository interface {
	// Upsert はユーザーの位置情報を置き換える（ユーザーごとに最大1件）。
	// 保存されるupdated_atは既存値と新しい値の大きい方とし、単調非減少を保つ。
	Upsert(ctx context.Context, presence *model.Presence) error
	// FindByUserID はユーザーの位置情報を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Presence, error)
	// ListVisible はis_activeかつupdated_at > cutoff の位置情報をユーザーのロールと結合して返す。
	// user_idの昇順で返す。
	ListVisible(ctx context.Context, cutoff time.Time) ([]model.ActiveUser, error)
}
