// Package model はドメインモデルを定義する。
package model

import "time"

// Role はマーケットプレイス上のユーザー種別を表す。
type Role string

const (
	// RoleClient はサービスを依頼する側のユーザー。
	RoleClient Role = "client"
	// RoleProvider はサービスを提供する側のユーザー。
	RoleProvider Role = "provider"

	// roleWasherLegacy は旧フロントエンドが送信するプロバイダーの別名。
	roleWasherLegacy = "washer"
)

// ParseRole は文字列をRoleに変換する。
// 旧クライアントが送信する "washer" はRoleProviderとして扱う。
func ParseRole(s string) (Role, bool) {
	switch s {
	case string(RoleClient):
		return RoleClient, true
	case string(RoleProvider), roleWasherLegacy:
		return RoleProvider, true
	default:
		return "", false
	}
}

// User はサービス利用ユーザーを表す。
// サインアップ時に作成され、以降は変更されない。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// Session はユーザーのログインセッションを表す。
// ExpiresAtがゼロ値の場合は無期限。
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ExpiredAt はnow時点でセッションが期限切れかどうかを返す。
func (s *Session) ExpiredAt(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}
