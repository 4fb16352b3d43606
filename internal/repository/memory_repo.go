package repository

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/hitoshi/bubbles/internal/model"
	"github.com/hitoshi/bubbles/internal/store"
)

// MemoryUserRepo はプロセス内メモリを使用したユーザーリポジトリ。
type MemoryUserRepo struct {
	users *store.Collection[model.User]
}

// NewMemoryUserRepo はMemoryUserRepoを生成する。
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{users: store.NewCollection[model.User]()}
}

// Create はユーザーを作成する。重複確認と追加は同一のロック内で行う。
func (r *MemoryUserRepo) Create(_ context.Context, user *model.User) error {
	return r.users.Update(func(users []model.User) ([]model.User, error) {
		for _, u := range users {
			if u.Email == user.Email {
				return nil, ErrDuplicateEmail
			}
		}
		return append(users, *user), nil
	})
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	u, ok := r.users.Find(func(u model.User) bool { return u.ID == id })
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	u, ok := r.users.Find(func(u model.User) bool { return u.Email == email })
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// MemorySessionRepo はプロセス内メモリを使用したセッションリポジトリ。
type MemorySessionRepo struct {
	sessions *store.Collection[model.Session]
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{sessions: store.NewCollection[model.Session]()}
}

// Create はセッションを作成する。トークンが衝突した場合はErrDuplicateTokenを返す。
func (r *MemorySessionRepo) Create(_ context.Context, session *model.Session) error {
	return r.sessions.Update(func(sessions []model.Session) ([]model.Session, error) {
		for _, s := range sessions {
			if s.Token == session.Token {
				return nil, ErrDuplicateToken
			}
		}
		return append(sessions, *session), nil
	})
}

// FindByToken は指定トークンのセッションを取得する。見つからない場合はnilを返す。
func (r *MemorySessionRepo) FindByToken(_ context.Context, token string) (*model.Session, error) {
	s, ok := r.sessions.Find(func(s model.Session) bool { return s.Token == token })
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// DeleteByToken は指定トークンのセッションを削除する。
func (r *MemorySessionRepo) DeleteByToken(_ context.Context, token string) error {
	r.sessions.DeleteWhere(func(s model.Session) bool { return s.Token == token })
	return nil
}

// DeleteExpired はbefore以前に期限切れとなったセッションを削除する。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	n := r.sessions.DeleteWhere(func(s model.Session) bool { return s.ExpiredAt(before) })
	return int64(n), nil
}

// MemoryEntitlementRepo はプロセス内メモリを使用した利用権リポジトリ。
type MemoryEntitlementRepo struct {
	entitlements *store.Collection[model.Entitlement]
}

// NewMemoryEntitlementRepo はMemoryEntitlementRepoを生成する。
func NewMemoryEntitlementRepo() *MemoryEntitlementRepo {
	return &MemoryEntitlementRepo{entitlements: store.NewCollection[model.Entitlement]()}
}

// Create は利用権レコードを追加する。
func (r *MemoryEntitlementRepo) Create(_ context.Context, entitlement *model.Entitlement) error {
	r.entitlements.Insert(*entitlement)
	return nil
}

// HasActive はexpires_at > now の利用権が存在するかを返す。
func (r *MemoryEntitlementRepo) HasActive(_ context.Context, userID string, now time.Time) (bool, error) {
	_, ok := r.entitlements.Find(func(e model.Entitlement) bool {
		return e.UserID == userID && e.ActiveAt(now)
	})
	return ok, nil
}

// FindLatestActive は有効な利用権のうち最も遅く期限切れとなるものを返す。
func (r *MemoryEntitlementRepo) FindLatestActive(_ context.Context, userID string, now time.Time) (*model.Entitlement, error) {
	active := r.entitlements.Filter(func(e model.Entitlement) bool {
		return e.UserID == userID && e.ActiveAt(now)
	})
	if len(active) == 0 {
		return nil, nil
	}
	latest := active[0]
	for _, e := range active[1:] {
		if e.ExpiresAt.After(latest.ExpiresAt) {
			latest = e
		}
	}
	return &latest, nil
}

// MemoryPresenceRepo はプロセス内メモリを使用した位置情報リポジトリ。
// ロールの結合のためにユーザーリポジトリを参照する。
type MemoryPresenceRepo struct {
	presences *store.Collection[model.Presence]
	users     UserRepository
}

// NewMemoryPresenceRepo はMemoryPresenceRepoを生成する。
func NewMemoryPresenceRepo(users UserRepository) *MemoryPresenceRepo {
	return &MemoryPresenceRepo{
		presences: store.NewCollection[model.Presence](),
		users:     users,
	}
}

// Upsert はユーザーの位置情報を置き換える。
// 保存するUpdatedAtは既存値より過去に戻さない。
func (r *MemoryPresenceRepo) Upsert(_ context.Context, presence *model.Presence) error {
	rec := *presence
	r.presences.Upsert(
		func(p model.Presence) bool { return p.UserID == rec.UserID },
		func(existing *model.Presence) model.Presence {
			if existing != nil && existing.UpdatedAt.After(rec.UpdatedAt) {
				rec.UpdatedAt = existing.UpdatedAt
			}
			return rec
		},
	)
	return nil
}

// FindByUserID はユーザーの位置情報を取得する。見つからない場合はnilを返す。
func (r *MemoryPresenceRepo) FindByUserID(_ context.Context, userID string) (*model.Presence, error) {
	p, ok := r.presences.Find(func(p model.Presence) bool { return p.UserID == userID })
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// ListVisible は可視状態の位置情報をロールと結合してuser_id昇順で返す。
// ユーザーが見つからない場合はロールを空にする。
func (r *MemoryPresenceRepo) ListVisible(ctx context.Context, cutoff time.Time) ([]model.ActiveUser, error) {
	visible := r.presences.Filter(func(p model.Presence) bool { return p.VisibleSince(cutoff) })

	result := make([]model.ActiveUser, 0, len(visible))
	for _, p := range visible {
		au := model.ActiveUser{
			UserID:    p.UserID,
			Lat:       p.Lat,
			Lng:       p.Lng,
			UpdatedAt: p.UpdatedAt,
		}
		user, err := r.users.FindByID(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		if user != nil {
			au.Role = user.Role
		}
		result = append(result, au)
	}

	slices.SortFunc(result, func(a, b model.ActiveUser) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return result, nil
}

// compile-time interface check
var (
	_ UserRepository        = (*MemoryUserRepo)(nil)
	_ SessionRepository     = (*MemorySessionRepo)(nil)
	_ EntitlementRepository = (*MemoryEntitlementRepo)(nil)
	_ PresenceRepository    = (*MemoryPresenceRepo)(nil)
)
