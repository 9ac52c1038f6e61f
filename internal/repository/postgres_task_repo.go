package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/taskman/internal/model"
)

// PostgresTaskRepo はPostgreSQLを使用したタスクリポジトリ。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

// ListByList はリスト内のタスク一覧を返す。0件の場合は空スライスを返す。
func (r *PostgresTaskRepo) ListByList(ctx context.Context, listID string) ([]*model.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, list_id, title, completed, created_at, updated_at
		 FROM tasks WHERE list_id = $1 ORDER BY created_at ASC, id ASC`,
		listID,
	)
	if err != nil {
		return nil, fmt.Errorf("タスク一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	tasks := []*model.Task{}
	for rows.Next() {
		t := &model.Task{}
		if err := rows.Scan(&t.ID, &t.ListID, &t.Title, &t.Completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("タスクの読み取りに失敗しました: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タスク一覧の走査に失敗しました: %w", err)
	}

	return tasks, nil
}

// FindInList はリスト内のタスクを取得する。見つからない場合はnilを返す。
func (r *PostgresTaskRepo) FindInList(ctx context.Context, listID, taskID string) (*model.Task, error) {
	t := &model.Task{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, list_id, title, completed, created_at, updated_at
		 FROM tasks WHERE id = $1 AND list_id = $2`,
		taskID, listID,
	).Scan(&t.ID, &t.ListID, &t.Title, &t.Completed, &t.CreatedAt, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}
	return t, nil
}

// CreateInOwnedList は親リストの所有確認と挿入を1文で行う。
// 親リスト行をFOR KEY SHAREでロックするため、未コミットのリスト削除があればその完了を待ち、
// 削除済みなら何も挿入しない。カスケードジョブの後に孤立したタスクは残らない。
func (r *PostgresTaskRepo) CreateInOwnedList(ctx context.Context, task *model.Task, ownerID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, list_id, title, completed, created_at, updated_at)
		 SELECT $1, $2, $3, $4, $5, $6
		 WHERE EXISTS (SELECT 1 FROM lists WHERE id = $2 AND user_id = $7 FOR KEY SHARE)`,
		task.ID, task.ListID, task.Title, task.Completed, task.CreatedAt, task.UpdatedAt, ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("タスクの作成に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("作成件数の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// UpdateInList はタスクを部分更新する。nilのフィールドは既存値を維持する。
func (r *PostgresTaskRepo) UpdateInList(ctx context.Context, listID, taskID string, patch model.TaskPatch) (bool, error) {
	var title sql.NullString
	if patch.Title != nil {
		title = sql.NullString{String: *patch.Title, Valid: true}
	}
	var completed sql.NullBool
	if patch.Completed != nil {
		completed = sql.NullBool{Bool: *patch.Completed, Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE tasks
		 SET title = COALESCE($3::text, title),
		     completed = COALESCE($4::boolean, completed),
		     updated_at = now()
		 WHERE id = $1 AND list_id = $2`,
		taskID, listID, title, completed,
	)
	if err != nil {
		return false, fmt.Errorf("タスクの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteInList はタスクを削除し、削除したタスクを返す。
func (r *PostgresTaskRepo) DeleteInList(ctx context.Context, listID, taskID string) (*model.Task, error) {
	t := &model.Task{}
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM tasks WHERE id = $1 AND list_id = $2
		 RETURNING id, list_id, title, completed, created_at, updated_at`,
		taskID, listID,
	).Scan(&t.ID, &t.ListID, &t.Title, &t.Completed, &t.CreatedAt, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タスクの削除に失敗しました: %w", err)
	}
	return t, nil
}

// DeleteByListID はリストに属するタスクを全て削除する。
// 既に削除済みでも0件として成功するため、カスケードジョブの再実行に耐える。
func (r *PostgresTaskRepo) DeleteByListID(ctx context.Context, listID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE list_id = $1`, listID)
	if err != nil {
		return 0, fmt.Errorf("リスト配下のタスク削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return rowsAffected, nil
}

// compile-time interface check
var _ TaskRepository = (*PostgresTaskRepo)(nil)
