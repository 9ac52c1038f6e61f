// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/taskman/internal/model"
)

var (
	// ErrDuplicateEmail はメールアドレスが既に登録されている場合に返される。
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrUserNotFound は更新・削除対象のユーザーが存在しない場合に返される。
	ErrUserNotFound = errors.New("user not found")
)

// UserRepository はユーザー（Identity）と埋め込みセッションの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーをセッション込みで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレス重複時はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// AppendSession はユーザーのセッション配列に1件を原子的に追加する。
	// 同一ユーザーへの並行追加でも更新は失われない。
	AppendSession(ctx context.Context, userID string, session model.Session) error

	// RemoveSession はトークンハッシュが一致するセッションを削除する。
	// 削除対象が存在した場合にtrueを返す。
	RemoveSession(ctx context.Context, userID, tokenHash string) (bool, error)

	// PruneExpiredSessions は全ユーザーのセッション配列から期限切れのものを取り除く。
	// 更新したユーザー数を返す。
	PruneExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// DeleteWithCascade はユーザーと所有リストを削除し、リストごとのカスケードジョブを
	// 同一トランザクションで登録する。登録したジョブ数を返す。
	DeleteWithCascade(ctx context.Context, userID string) (int64, error)
}

// ListRepository はタスクリストの永続化インターフェース。
// 全操作は所有者IDで絞り込み、他ユーザーのリストは存在しないものとして扱う。
type ListRepository interface {
	// ListByOwner は所有者のリスト一覧を作成日時昇順で返す。
	ListByOwner(ctx context.Context, userID string) ([]*model.List, error)

	// FindOwned は所有者が一致するリストを取得する。見つからない場合はnilを返す。
	FindOwned(ctx context.Context, listID, userID string) (*model.List, error)

	// Create はリストを作成する。所有者が存在しない場合はErrUserNotFoundを返す。
	Create(ctx context.Context, list *model.List) error

	// UpdateTitleOwned はリストのタイトルを更新する。対象が存在した場合にtrueを返す。
	UpdateTitleOwned(ctx context.Context, listID, userID, title string) (bool, error)

	// DeleteOwnedWithCascade はリストを削除し、タスク削除用のカスケードジョブを
	// 同一トランザクションで登録する。削除したリストを返し、対象がない場合はnilを返す。
	DeleteOwnedWithCascade(ctx context.Context, listID, userID string) (*model.List, error)
}

// TaskRepository はタスクの永続化インターフェース。
// 呼び出し側は親リストの所有確認を済ませていることを前提とする。
type TaskRepository interface {
	// ListByList はリスト内のタスク一覧を作成日時昇順で返す。
	ListByList(ctx context.Context, listID string) ([]*model.Task, error)

	// FindInList はリスト内のタスクを取得する。見つからない場合はnilを返す。
	FindInList(ctx context.Context, listID, taskID string) (*model.Task, error)

	// CreateInOwnedList は親リストが指定ユーザーの所有である場合に限りタスクを作成する。
	// リストが存在しないか所有者が異なる場合はfalseを返す。
	CreateInOwnedList(ctx context.Context, task *model.Task, ownerID string) (bool, error)

	// UpdateInList はタスクを部分更新する。対象が存在した場合にtrueを返す。
	UpdateInList(ctx context.Context, listID, taskID string, patch model.TaskPatch) (bool, error)

	// DeleteInList はタスクを削除し、削除したタスクを返す。対象がない場合はnilを返す。
	DeleteInList(ctx context.Context, listID, taskID string) (*model.Task, error)

	// DeleteByListID はリストに属するタスクを全て削除し、削除件数を返す。
	DeleteByListID(ctx context.Context, listID string) (int64, error)
}

// CascadeJobRepository はカスケード削除ジョブの永続化インターフェース。
type CascadeJobRepository interface {
	// ClaimDue は実行期限を迎えたジョブを最大limit件取得し、リース期間だけ他ワーカーから隠す。
	// 取得したジョブのattemptsは1加算される。
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*model.CascadeJob, error)

	// Complete は完了したジョブを削除する。
	Complete(ctx context.Context, jobID string) error

	// Reschedule は失敗したジョブの次回実行時刻と最終エラーを記録する。
	Reschedule(ctx context.Context, jobID string, nextAttemptAt time.Time, lastError string) error
}
