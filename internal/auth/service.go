package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
)

const (
	minPasswordLength = 8
	// maxPasswordBytes はbcryptが扱える最大バイト長。
	maxPasswordBytes = 72
)

// Credentials はサインアップ・ログインの入力。
type Credentials struct {
	Email    string
	Password string
}

// AuthResult はサインアップ・ログインの結果。
type AuthResult struct {
	User                 *model.User
	AccessToken          string
	AccessTokenExpiresAt time.Time
	RefreshToken         string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo repository.UserRepository
	hasher   PasswordHasher
	tokens   *TokenService
	sessions *SessionRegistry
	metrics  metrics.MetricsCollector
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	hasher PasswordHasher,
	tokens *TokenService,
	sessions *SessionRegistry,
	collector metrics.MetricsCollector,
) *Service {
	return &Service{
		userRepo: userRepo,
		hasher:   hasher,
		tokens:   tokens,
		sessions: sessions,
		metrics:  metrics.OrNop(collector),
	}
}

// SignUp はユーザーを作成し、初回セッションとアクセストークンを発行する。
func (s *Service) SignUp(ctx context.Context, in Credentials) (*AuthResult, error) {
	email, err := validateCredentials(in)
	if err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.tokens.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewEmailAlreadyRegisteredError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("ユーザーを作成しました", slog.String("user_id", user.ID))
	return s.issue(ctx, user)
}

// Login はメールアドレスとパスワードを照合し、新しいセッションとアクセストークンを発行する。
// 既存のセッションはそのまま有効に残る。
func (s *Service) Login(ctx context.Context, in Credentials) (*AuthResult, error) {
	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, model.NewValidationError("メールアドレスとパスワードは必須です。")
	}

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		s.recordFailure(ErrInvalidCredentials)
		return nil, model.NewInvalidCredentialsError()
	}

	ok, err := s.hasher.Verify(in.Password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.recordFailure(ErrInvalidCredentials)
		slog.Warn("ログインに失敗しました",
			slog.String("user_id", user.ID),
			slog.String("reason", FailureReason(ErrInvalidCredentials)),
		)
		return nil, model.NewInvalidCredentialsError()
	}

	return s.issue(ctx, user)
}

// RefreshAccessToken はSessionGuard通過後のユーザーに新しいアクセストークンを発行する。
// リフレッシュトークンは再発行しない。
func (s *Service) RefreshAccessToken(user *model.User) (string, time.Time, error) {
	token, expiresAt, err := s.tokens.IssueAccessToken(user.ID)
	if err != nil {
		return "", time.Time{}, err
	}
	s.metrics.RecordTokenIssued(metrics.TokenKindAccess)
	return token, expiresAt, nil
}

// Logout はリフレッシュトークンに一致するセッションを破棄する。他のセッションは残る。
func (s *Service) Logout(ctx context.Context, user *model.User, refreshToken string) error {
	if err := s.sessions.Remove(ctx, user, refreshToken); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return model.NewSessionNotFoundError()
		}
		return err
	}
	return nil
}

// issue はセッションを作成し、アクセストークンと合わせて返す。
func (s *Service) issue(ctx context.Context, user *model.User) (*AuthResult, error) {
	refreshToken, err := s.sessions.Create(ctx, user)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSessionCreated()
	s.metrics.RecordTokenIssued(metrics.TokenKindRefresh)

	accessToken, expiresAt, err := s.tokens.IssueAccessToken(user.ID)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTokenIssued(metrics.TokenKindAccess)

	return &AuthResult{
		User:                 user,
		AccessToken:          accessToken,
		AccessTokenExpiresAt: expiresAt,
		RefreshToken:         refreshToken,
	}, nil
}

func (s *Service) recordFailure(err error) {
	s.metrics.RecordAuthFailure(FailureReason(err))
}

// validateCredentials はサインアップ入力を検証し、正規化したメールアドレスを返す。
func validateCredentials(in Credentials) (string, error) {
	email := normalizeEmail(in.Email)
	if email == "" {
		return "", model.NewValidationError("メールアドレスは必須です。")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewValidationError("メールアドレスの形式が正しくありません。")
	}
	if len(in.Password) < minPasswordLength {
		return "", model.NewValidationError(fmt.Sprintf("パスワードは%d文字以上で入力してください。", minPasswordLength))
	}
	if len(in.Password) > maxPasswordBytes {
		return "", model.NewValidationError(fmt.Sprintf("パスワードは%dバイト以内で入力してください。", maxPasswordBytes))
	}
	return email, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
