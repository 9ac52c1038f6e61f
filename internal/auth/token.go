// Package auth はトークン発行・検証、リフレッシュセッション管理、
// パスワード認証を提供する。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// minSigningKeyLength はHS256署名鍵の最小バイト長。
	minSigningKeyLength = 32
	// refreshTokenBytes はリフレッシュトークンの乱数バイト数。
	refreshTokenBytes = 64
	// DefaultIssuer はアクセストークンのissクレームの既定値。
	DefaultIssuer = "taskman"
)

// TokenConfig はトークン発行の設定。起動時に一度だけ構築し、以後変更しない。
type TokenConfig struct {
	SigningKey      []byte
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Issuer          string
	// Clock は現在時刻の取得関数。nilの場合はtime.Nowを使用する。
	Clock func() time.Time
}

// AccessClaims はアクセストークンのクレーム。subに主体のユーザーIDを持つ。
type AccessClaims struct {
	jwt.RegisteredClaims
}

// TokenService はアクセストークン(JWT)とリフレッシュトークン(不透明値)を発行する。
// アクセストークンの検証は署名と有効期限のみで行い、ストレージを参照しない。
type TokenService struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	now        func() time.Time
}

// NewTokenService はTokenServiceを生成する。
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.SigningKey) < minSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes", minSigningKeyLength)
	}
	if cfg.AccessTokenTTL <= 0 {
		return nil, errors.New("access token TTL must be positive")
	}
	if cfg.RefreshTokenTTL <= 0 {
		return nil, errors.New("refresh token TTL must be positive")
	}

	key := make([]byte, len(cfg.SigningKey))
	copy(key, cfg.SigningKey)

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &TokenService{
		key:        key,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		issuer:     issuer,
		now:        now,
	}, nil
}

// Now はサービスが使用する現在時刻を返す。
func (s *TokenService) Now() time.Time {
	return s.now()
}

// IssueAccessToken は主体IDを束縛した署名済みアクセストークンと有効期限を返す。
// 返す有効期限はトークンのexpクレームと同じく秒単位に切り詰めた値。
func (s *TokenService) IssueAccessToken(subjectID string) (string, time.Time, error) {
	if subjectID == "" {
		return "", time.Time{}, errors.New("subject ID is required")
	}

	issuedAt := s.now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.accessTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// VerifyAccessToken は署名と有効期限を検証し、主体IDを返す。
// 期限切れはErrExpiredToken、それ以外の失敗はErrInvalidTokenを返す。
func (s *TokenService) VerifyAccessToken(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	var claims AccessClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// IssueRefreshToken は暗号論的乱数による不透明なリフレッシュトークンと有効期限を返す。
// トークン自体は自己完結したクレームを持たず、検証は常にSessionRegistryで行う。
func (s *TokenService) IssueRefreshToken() (string, time.Time, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return hex.EncodeToString(b), s.RefreshExpiry(s.now()), nil
}

// RefreshExpiry は発行時刻からリフレッシュセッションの有効期限を算出する。
func (s *TokenService) RefreshExpiry(issuedAt time.Time) time.Time {
	return issuedAt.Add(s.refreshTTL)
}
