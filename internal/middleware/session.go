// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hitoshi/taskman/internal/auth"
	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/model"
)

// リクエストヘッダー名。既存クライアントとの互換のため名称を変更しない。
const (
	HeaderAccessToken  = "x-access-token"
	HeaderRefreshToken = "x-refresh-token"
	HeaderSubjectID    = "_id"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// identityContextKey はSessionGuardが解決したユーザーを格納するためのキー。
	identityContextKey = contextKey("identity")
	// sessionContextKey はSessionGuardが照合したセッションを格納するためのキー。
	sessionContextKey = contextKey("session")
)

// IdentityFinder はSessionGuardがユーザーを取得するためのインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type IdentityFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// SessionChecker はリフレッシュトークンをユーザーのセッションと照合する。
type SessionChecker interface {
	Check(user *model.User, token string) (*model.Session, error)
}

// NewSessionGuard はx-refresh-tokenと_idヘッダーからリフレッシュセッションを検証する
// ミドルウェアを返す。成功時はユーザーと照合したセッションをコンテキストに注入する。
// ユーザー不在・セッション不在・期限切れはいずれも401で、理由ごとに異なるエラーコードを返す。
func NewSessionGuard(users IdentityFinder, sessions SessionChecker, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	collector = metrics.OrNop(collector)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(HeaderSubjectID)
			refreshToken := r.Header.Get(HeaderRefreshToken)

			if userID == "" || refreshToken == "" {
				rejectAuth(w, r, collector, nil)
				return
			}

			var user *model.User
			if _, err := uuid.Parse(userID); err == nil {
				user, err = users.FindByID(r.Context(), userID)
				if err != nil {
					slog.Error("セッション検証時のユーザー取得に失敗しました",
						slog.String("user_id", userID),
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
			}
			if user == nil {
				rejectAuth(w, r, collector, auth.ErrIdentityNotFound)
				return
			}

			session, err := sessions.Check(user, refreshToken)
			if err != nil {
				rejectAuth(w, r, collector, err)
				return
			}

			annotateUserID(r.Context(), user.ID)
			ctx := ContextWithIdentity(r.Context(), user, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rejectAuth は認証失敗を記録し、理由に応じた401レスポンスを返す。
// errがnilの場合は資格情報の欠落として扱う。
func rejectAuth(w http.ResponseWriter, r *http.Request, collector metrics.MetricsCollector, err error) {
	reason := "missing_credentials"
	if err != nil {
		reason = auth.FailureReason(err)
	}
	collector.RecordAuthFailure(reason)
	slog.Warn("認証に失敗しました",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("reason", reason),
	)
	WriteErrorResponse(w, http.StatusUnauthorized, authErrorToAPIError(err))
}

// authErrorToAPIError は認証エラーを統一エラーに変換する。
func authErrorToAPIError(err error) *model.APIError {
	switch {
	case err == nil:
		return model.NewUnauthorizedError()
	case errors.Is(err, auth.ErrExpiredToken):
		return model.NewExpiredTokenError()
	case errors.Is(err, auth.ErrIdentityNotFound):
		return model.NewIdentityNotFoundError()
	case errors.Is(err, auth.ErrSessionNotFound):
		return model.NewSessionNotFoundError()
	case errors.Is(err, auth.ErrSessionExpired):
		return model.NewSessionExpiredError()
	default:
		return model.NewInvalidTokenError()
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// AccessGuardまたはSessionGuardを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// IdentityFromContext はSessionGuardが注入したユーザーとセッションを取得する。
func IdentityFromContext(ctx context.Context) (*model.User, *model.Session, error) {
	user, ok := ctx.Value(identityContextKey).(*model.User)
	if !ok || user == nil {
		return nil, nil, fmt.Errorf("identity not found in context")
	}
	session, _ := ctx.Value(sessionContextKey).(*model.Session)
	return user, session, nil
}

// ContextWithIdentity はコンテキストにユーザー、セッション、ユーザーIDを注入する。
func ContextWithIdentity(ctx context.Context, user *model.User, session *model.Session) context.Context {
	ctx = context.WithValue(ctx, identityContextKey, user)
	ctx = context.WithValue(ctx, sessionContextKey, session)
	return ContextWithUserID(ctx, user.ID)
}
