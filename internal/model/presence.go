package model

import "time"

// Presence はユーザーが最後に報告した位置と稼働フラグを表す。
// ユーザーごとに最大1件で、報告のたびに置き換えられる。
type Presence struct {
	UserID    string
	Lat       float64
	Lng       float64
	IsActive  bool
	UpdatedAt time.Time
}

// VisibleSince はcutoffより新しく、かつ稼働中であれば true を返す。
func (p *Presence) VisibleSince(cutoff time.Time) bool {
	return p.IsActive && p.UpdatedAt.After(cutoff)
}

// ActiveUser は他ユーザーから見える稼働中ユーザーを表す。
type ActiveUser struct {
	UserID    string
	Lat       float64
	Lng       float64
	Role      Role
	UpdatedAt time.Time
}
