package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/taskman/internal/model"
)

// SessionStore はユーザーに埋め込まれたセッション配列を更新する永続化層。
// AppendSessionは並行呼び出しでも追加を失ってはならない。
type SessionStore interface {
	AppendSession(ctx context.Context, userID string, session model.Session) error
	RemoveSession(ctx context.Context, userID, tokenHash string) (bool, error)
}

// SessionRegistry はユーザー単位のリフレッシュセッションを管理する。
// 1ユーザーが複数のセッションを同時に保持でき、新規作成で既存セッションは無効化されない。
type SessionRegistry struct {
	store  SessionStore
	tokens *TokenService
}

// NewSessionRegistry はSessionRegistryを生成する。
func NewSessionRegistry(store SessionStore, tokens *TokenService) *SessionRegistry {
	return &SessionRegistry{store: store, tokens: tokens}
}

// Create は新しいリフレッシュトークンを発行してセッションを追加し、トークン本体を返す。
// 永続化するのはトークンのハッシュのみ。
func (r *SessionRegistry) Create(ctx context.Context, user *model.User) (string, error) {
	token, expiresAt, err := r.tokens.IssueRefreshToken()
	if err != nil {
		return "", err
	}

	session := model.Session{
		TokenHash: HashToken(token),
		ExpiresAt: expiresAt,
		CreatedAt: r.tokens.Now(),
	}
	if err := r.store.AppendSession(ctx, user.ID, session); err != nil {
		return "", fmt.Errorf("failed to append session: %w", err)
	}

	slog.Info("セッションを作成しました",
		slog.String("user_id", user.ID),
		slog.Time("expires_at", expiresAt),
	)
	return token, nil
}

// Validate はトークンに一致し、かつ期限切れでないセッションが存在する場合にtrueを返す。
// 状態は変更しない。
func (r *SessionRegistry) Validate(user *model.User, token string) bool {
	_, err := r.Check(user, token)
	return err == nil
}

// Check はValidateと同じ判定を行い、失敗時は理由をエラーで返す。
// 一致するセッションがなければErrSessionNotFound、期限切れならErrSessionExpiredを返す。
func (r *SessionRegistry) Check(user *model.User, token string) (*model.Session, error) {
	if user == nil {
		return nil, ErrIdentityNotFound
	}
	if token == "" {
		return nil, ErrSessionNotFound
	}

	hash := HashToken(token)
	for i := range user.Sessions {
		s := user.Sessions[i]
		if subtle.ConstantTimeCompare([]byte(s.TokenHash), []byte(hash)) != 1 {
			continue
		}
		if s.IsExpiredAt(r.tokens.Now()) {
			return nil, ErrSessionExpired
		}
		return &s, nil
	}
	return nil, ErrSessionNotFound
}

// ExpiryPolicy は発行時刻からセッションの有効期限を算出する。
// サインアップとログインの双方がこの計算を使う。
func (r *SessionRegistry) ExpiryPolicy(issuedAt time.Time) time.Time {
	return r.tokens.RefreshExpiry(issuedAt)
}

// Remove はトークンに一致するセッションを削除する。
// 削除対象がない場合はErrSessionNotFoundを返す。
func (r *SessionRegistry) Remove(ctx context.Context, user *model.User, token string) error {
	removed, err := r.store.RemoveSession(ctx, user.ID, HashToken(token))
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	if !removed {
		return ErrSessionNotFound
	}

	slog.Info("セッションを削除しました", slog.String("user_id", user.ID))
	return nil
}

// HashToken はリフレッシュトークンのSHA-256ダイジェストを16進文字列で返す。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
