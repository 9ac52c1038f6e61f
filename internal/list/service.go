package list

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
	"github.com/hitoshi/taskman/internal/security"
)

// CascadeNotifier はカスケードジョブ登録をワーカーへ通知するインターフェース。
// 通知は取りこぼされてもよく、ワーカーのポーリングで回収される。
type CascadeNotifier interface {
	Notify()
}

// Service はタスクリストのサービス層。
type Service struct {
	lists     repository.ListRepository
	policy    *OwnershipPolicy
	sanitizer security.TitleSanitizer
	notifier  CascadeNotifier
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。notifierはnilでもよい。
func NewService(
	lists repository.ListRepository,
	sanitizer security.TitleSanitizer,
	notifier CascadeNotifier,
) *Service {
	return &Service{
		lists:     lists,
		policy:    NewOwnershipPolicy(lists),
		sanitizer: sanitizer,
		notifier:  notifier,
		now:       time.Now,
	}
}

// Policy はサービスが使用する所有権ポリシーを返す。
func (s *Service) Policy() *OwnershipPolicy {
	return s.policy
}

// List は主体が所有するリスト一覧を返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.List, error) {
	lists, err := s.lists.ListByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("リスト一覧の取得に失敗しました: %w", err)
	}
	return lists, nil
}

// Get は主体が所有するリストを1件返す。
func (s *Service) Get(ctx context.Context, userID, listID string) (*model.List, error) {
	return s.policy.ResolveList(ctx, userID, listID)
}

// Create は主体を所有者とするリストを作成する。
func (s *Service) Create(ctx context.Context, userID, rawTitle string) (*model.List, error) {
	title, err := CleanTitle(s.sanitizer, rawTitle)
	if err != nil {
		return nil, err
	}

	now := s.now()
	l := &model.List{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.lists.Create(ctx, l); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, model.NewUserNotFoundError()
		}
		return nil, fmt.Errorf("リストの作成に失敗しました: %w", err)
	}
	return l, nil
}

// Update はリストのタイトルを更新する。
func (s *Service) Update(ctx context.Context, userID, listID, rawTitle string) error {
	if !ValidID(listID) {
		return model.NewListNotFoundError(listID)
	}
	title, err := CleanTitle(s.sanitizer, rawTitle)
	if err != nil {
		return err
	}

	updated, err := s.lists.UpdateTitleOwned(ctx, listID, userID, title)
	if err != nil {
		return fmt.Errorf("リストの更新に失敗しました: %w", err)
	}
	if !updated {
		return model.NewListNotFoundError(listID)
	}
	return nil
}

// Delete はリストを削除し、配下タスクのカスケード削除ジョブを登録する。
// ジョブはリスト削除と同一トランザクションで永続化されるため、通知の成否に関わらずタスクは削除される。
func (s *Service) Delete(ctx context.Context, userID, listID string) (*model.List, error) {
	if !ValidID(listID) {
		return nil, model.NewListNotFoundError(listID)
	}

	deleted, err := s.lists.DeleteOwnedWithCascade(ctx, listID, userID)
	if err != nil {
		return nil, fmt.Errorf("リストの削除に失敗しました: %w", err)
	}
	if deleted == nil {
		return nil, model.NewListNotFoundError(listID)
	}

	slog.Info("リストを削除しカスケードジョブを登録しました",
		slog.String("user_id", userID),
		slog.String("list_id", listID),
	)

	if s.notifier != nil {
		s.notifier.Notify()
	}
	return deleted, nil
}
