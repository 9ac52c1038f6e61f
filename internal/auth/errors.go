package auth

import "errors"

// 認証・セッション検証の失敗理由。呼び出し側はerrors.Isで判別する。
var (
	// ErrInvalidToken はアクセストークンの署名不一致・形式不正を表す。
	ErrInvalidToken = errors.New("invalid access token")
	// ErrExpiredToken はアクセストークンの有効期限切れを表す。
	ErrExpiredToken = errors.New("access token expired")
	// ErrIdentityNotFound はセッション検証時に対象ユーザーが存在しないことを表す。
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrSessionNotFound はリフレッシュトークンに一致するセッションがないことを表す。
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired は一致したセッションが期限切れであることを表す。
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidCredentials はメールアドレスまたはパスワードの不一致を表す。
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// FailureReason はメトリクス・ログ用の失敗理由ラベルを返す。
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrExpiredToken):
		return "expired_token"
	case errors.Is(err, ErrIdentityNotFound):
		return "identity_not_found"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "unknown"
	}
}
