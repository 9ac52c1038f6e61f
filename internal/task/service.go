// Package task はリスト配下のタスクのドメインロジックを提供する。
// 全操作は親リストの所有権を解決してから行う。
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/taskman/internal/list"
	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
	"github.com/hitoshi/taskman/internal/security"
)

// Update はタスクの部分更新入力。nilのフィールドは変更しない。
type Update struct {
	Title     *string
	Completed *bool
}

// Service はタスクのサービス層。
type Service struct {
	tasks     repository.TaskRepository
	policy    *list.OwnershipPolicy
	sanitizer security.TitleSanitizer
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	tasks repository.TaskRepository,
	policy *list.OwnershipPolicy,
	sanitizer security.TitleSanitizer,
) *Service {
	return &Service{
		tasks:     tasks,
		policy:    policy,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// List は主体が所有するリストのタスク一覧を返す。
func (s *Service) List(ctx context.Context, userID, listID string) ([]*model.Task, error) {
	if _, err := s.policy.ResolveList(ctx, userID, listID); err != nil {
		return nil, err
	}

	tasks, err := s.tasks.ListByList(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("タスク一覧の取得に失敗しました: %w", err)
	}
	return tasks, nil
}

// Get はリスト内のタスクを1件返す。
func (s *Service) Get(ctx context.Context, userID, listID, taskID string) (*model.Task, error) {
	if _, err := s.policy.ResolveList(ctx, userID, listID); err != nil {
		return nil, err
	}
	if !list.ValidID(taskID) {
		return nil, model.NewTaskNotFoundError(taskID)
	}

	t, err := s.tasks.FindInList(ctx, listID, taskID)
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}
	if t == nil {
		return nil, model.NewTaskNotFoundError(taskID)
	}
	return t, nil
}

// Create はリストにタスクを作成する。
// 所有確認と挿入の間にリストが削除された場合もLIST_NOT_FOUNDを返す。
func (s *Service) Create(ctx context.Context, userID, listID, rawTitle string) (*model.Task, error) {
	if _, err := s.policy.ResolveList(ctx, userID, listID); err != nil {
		return nil, err
	}
	title, err := list.CleanTitle(s.sanitizer, rawTitle)
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &model.Task{
		ID:        uuid.New().String(),
		ListID:    listID,
		Title:     title,
		Completed: false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.tasks.CreateInOwnedList(ctx, t, userID)
	if err != nil {
		return nil, fmt.Errorf("タスクの作成に失敗しました: %w", err)
	}
	if !created {
		return nil, model.NewListNotFoundError(listID)
	}
	return t, nil
}

// Update はタスクのタイトルと完了状態を部分更新する。
func (s *Service) Update(ctx context.Context, userID, listID, taskID string, in Update) error {
	if _, err := s.policy.ResolveList(ctx, userID, listID); err != nil {
		return err
	}
	if !list.ValidID(taskID) {
		return model.NewTaskNotFoundError(taskID)
	}
	if in.Title == nil && in.Completed == nil {
		return model.NewValidationError("更新する項目を指定してください。")
	}

	patch := model.TaskPatch{Completed: in.Completed}
	if in.Title != nil {
		title, err := list.CleanTitle(s.sanitizer, *in.Title)
		if err != nil {
			return err
		}
		patch.Title = &title
	}

	updated, err := s.tasks.UpdateInList(ctx, listID, taskID, patch)
	if err != nil {
		return fmt.Errorf("タスクの更新に失敗しました: %w", err)
	}
	if !updated {
		return model.NewTaskNotFoundError(taskID)
	}
	return nil
}

// Delete はタスクを削除し、削除したタスクを返す。
func (s *Service) Delete(ctx context.Context, userID, listID, taskID string) (*model.Task, error) {
	if _, err := s.policy.ResolveList(ctx, userID, listID); err != nil {
		return nil, err
	}
	if !list.ValidID(taskID) {
		return nil, model.NewTaskNotFoundError(taskID)
	}

	deleted, err := s.tasks.DeleteInList(ctx, listID, taskID)
	if err != nil {
		return nil, fmt.Errorf("タスクの削除に失敗しました: %w", err)
	}
	if deleted == nil {
		return nil, model.NewTaskNotFoundError(taskID)
	}
	return deleted, nil
}
