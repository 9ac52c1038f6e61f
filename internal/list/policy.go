// Package list はタスクリストのドメインロジックと所有権ポリシーを提供する。
package list

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
	"github.com/hitoshi/taskman/internal/security"
)

// OwnershipPolicy はリソースの所有権を判定する。
// 所有者以外からのアクセスは存在しないものとして扱い、403ではなく404を返す。
type OwnershipPolicy struct {
	lists repository.ListRepository
}

// NewOwnershipPolicy はOwnershipPolicyを生成する。
func NewOwnershipPolicy(lists repository.ListRepository) *OwnershipPolicy {
	return &OwnershipPolicy{lists: lists}
}

// ResolveList は主体が所有するリストを返す。
// 存在しない、IDが不正、所有者が異なる場合はいずれもLIST_NOT_FOUNDを返す。
func (p *OwnershipPolicy) ResolveList(ctx context.Context, userID, listID string) (*model.List, error) {
	if !ValidID(listID) {
		return nil, model.NewListNotFoundError(listID)
	}

	l, err := p.lists.FindOwned(ctx, listID, userID)
	if err != nil {
		return nil, fmt.Errorf("リストの取得に失敗しました: %w", err)
	}
	if l == nil || !Owns(l, userID) {
		return nil, model.NewListNotFoundError(listID)
	}
	return l, nil
}

// Owns はリストの所有者が主体と一致する場合にtrueを返す。
func Owns(l *model.List, userID string) bool {
	return l != nil && userID != "" && l.UserID == userID
}

// ValidID はリソースIDがUUID形式である場合にtrueを返す。
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// CleanTitle はタイトルをサニタイズし、空または長すぎる場合はバリデーションエラーを返す。
// リストとタスクの双方で使用する。
func CleanTitle(sanitizer security.TitleSanitizer, raw string) (string, error) {
	title := sanitizer.Sanitize(raw)
	if title == "" {
		return "", model.NewValidationError("タイトルは必須です。")
	}
	if security.TitleTooLong(title) {
		return "", model.NewValidationError(fmt.Sprintf("タイトルは%d文字以内で入力してください。", security.MaxTitleLength))
	}
	return title, nil
}
