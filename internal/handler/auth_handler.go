// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/taskman/internal/auth"
	"github.com/hitoshi/taskman/internal/middleware"
	"github.com/hitoshi/taskman/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, in auth.Credentials) (*auth.AuthResult, error)
	Login(ctx context.Context, in auth.Credentials) (*auth.AuthResult, error)
	RefreshAccessToken(user *model.User) (string, time.Time, error)
	Logout(ctx context.Context, user *model.User, refreshToken string) error
}

// AuthHandler はサインアップ・ログイン・トークン再発行・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// credentialsRequest はサインアップ・ログインのリクエストボディ。
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// identityResponse はユーザー情報のAPIレスポンス。パスワードハッシュとセッションは含めない。
type identityResponse struct {
	ID    string `json:"_id"`
	Email string `json:"email"`
}

// accessTokenResponse はアクセストークン再発行のAPIレスポンス。
type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// SignUp はユーザーを作成し、トークンをレスポンスヘッダーで返す。
// POST /users
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.SignUp(r.Context(), auth.Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeAuthResult(w, result)
}

// Login はメールアドレスとパスワードで認証し、トークンをレスポンスヘッダーで返す。
// POST /users/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), auth.Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeAuthResult(w, result)
}

// RefreshAccessToken はリフレッシュセッションを検証済みのユーザーに新しいアクセストークンを発行する。
// GET /users/me/access-token
func (h *AuthHandler) RefreshAccessToken(w http.ResponseWriter, r *http.Request) {
	user, _, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	token, _, err := h.service.RefreshAccessToken(user)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set(middleware.HeaderAccessToken, token)
	writeJSON(w, http.StatusOK, accessTokenResponse{AccessToken: token})
}

// Logout は提示されたリフレッシュトークンのセッションを破棄する。他のセッションは残る。
// DELETE /users/me/session
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	user, _, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	refreshToken := r.Header.Get(middleware.HeaderRefreshToken)
	if err := h.service.Logout(r.Context(), user, refreshToken); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "ログアウトしました。"})
}

// writeAuthResult はトークンをヘッダーに、ユーザー情報をボディに書き込む。
func writeAuthResult(w http.ResponseWriter, result *auth.AuthResult) {
	w.Header().Set(middleware.HeaderAccessToken, result.AccessToken)
	w.Header().Set(middleware.HeaderRefreshToken, result.RefreshToken)
	writeJSON(w, http.StatusOK, toIdentityResponse(result.User))
}

func toIdentityResponse(user *model.User) identityResponse {
	return identityResponse{ID: user.ID, Email: user.Email}
}
