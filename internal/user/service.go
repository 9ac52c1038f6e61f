// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
)

// CascadeNotifier はカスケードジョブ登録をワーカーへ通知するインターフェース。
type CascadeNotifier interface {
	Notify()
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo repository.UserRepository
	notifier CascadeNotifier
}

// NewService はServiceの新しいインスタンスを生成する。notifierはnilでもよい。
func NewService(userRepo repository.UserRepository, notifier CascadeNotifier) *Service {
	return &Service{
		userRepo: userRepo,
		notifier: notifier,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// ユーザー行（埋め込みセッションを含む）と所有リストを1トランザクションで削除し、
// リストごとのタスク削除はカスケードジョブに委ねる。
// 発行済みのアクセストークンは有効期限まで検証を通過するが、参照先のリソースは存在しない。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	jobs, err := s.userRepo.DeleteWithCascade(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	if jobs > 0 && s.notifier != nil {
		s.notifier.Notify()
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
		slog.Int64("cascade_jobs", jobs),
	)

	return nil
}
