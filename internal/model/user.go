// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザー（認証上のIdentity）を表す。
// リフレッシュセッションはユーザーレコードに埋め込まれ、単一行の更新境界で管理される。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Sessions     []Session
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session はリフレッシュトークンとその有効期限の組を表す。
// トークン本体は保存せず、SHA-256ダイジェストのみを保持する。
type Session struct {
	TokenHash string    `json:"tokenHash"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsExpiredAt は指定時刻においてセッションが期限切れかどうかを返す。
// expiresAtちょうどの時刻はまだ有効として扱う。
func (s Session) IsExpiredAt(t time.Time) bool {
	return t.After(s.ExpiresAt)
}
