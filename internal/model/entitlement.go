package model

import "time"

// Entitlement は期間限定の有料利用権（決済レコード）を表す。
// 同一ユーザーに複数のレコードが共存でき、互いにマージされない。
type Entitlement struct {
	ID        string
	UserID    string
	Amount    int64 // 最小通貨単位（USDならセント）
	Currency  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ActiveAt はnow時点で利用権が有効かどうかを返す。
func (e *Entitlement) ActiveAt(now time.Time) bool {
	return e.ExpiresAt.After(now)
}
