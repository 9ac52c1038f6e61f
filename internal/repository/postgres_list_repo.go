package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/taskman/internal/model"
)

// PostgresListRepo はPostgreSQLを使用したリストリポジトリ。
type PostgresListRepo struct {
	db *sql.DB
}

// NewPostgresListRepo はPostgresListRepoを生成する。
func NewPostgresListRepo(db *sql.DB) *PostgresListRepo {
	return &PostgresListRepo{db: db}
}

// ListByOwner は所有者のリスト一覧を返す。0件の場合は空スライスを返す。
func (r *PostgresListRepo) ListByOwner(ctx context.Context, userID string) ([]*model.List, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM lists WHERE user_id = $1 ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("リスト一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	lists := []*model.List{}
	for rows.Next() {
		l := &model.List{}
		if err := rows.Scan(&l.ID, &l.UserID, &l.Title, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("リストの読み取りに失敗しました: %w", err)
		}
		lists = append(lists, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リスト一覧の走査に失敗しました: %w", err)
	}

	return lists, nil
}

// FindOwned は所有者が一致するリストを取得する。見つからない場合はnilを返す。
func (r *PostgresListRepo) FindOwned(ctx context.Context, listID, userID string) (*model.List, error) {
	l := &model.List{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM lists WHERE id = $1 AND user_id = $2`,
		listID, userID,
	).Scan(&l.ID, &l.UserID, &l.Title, &l.CreatedAt, &l.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リストの取得に失敗しました: %w", err)
	}
	return l, nil
}

// Create はリストを作成する。
func (r *PostgresListRepo) Create(ctx context.Context, list *model.List) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO lists (id, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		list.ID, list.UserID, list.Title, list.CreatedAt, list.UpdatedAt,
	)
	if err != nil {
		if isPQCode(err, pgForeignKeyViolation) {
			return ErrUserNotFound
		}
		return fmt.Errorf("リストの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateTitleOwned はリストのタイトルを更新する。
func (r *PostgresListRepo) UpdateTitleOwned(ctx context.Context, listID, userID, title string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE lists SET title = $3, updated_at = now() WHERE id = $1 AND user_id = $2`,
		listID, userID, title,
	)
	if err != nil {
		return false, fmt.Errorf("リストの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteOwnedWithCascade はリストを削除し、同一トランザクションでカスケードジョブを登録する。
// コミット後はプロセスが停止してもタスク削除がジョブとして残る。
func (r *PostgresListRepo) DeleteOwnedWithCascade(ctx context.Context, listID, userID string) (*model.List, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	l := &model.List{}
	err = tx.QueryRowContext(ctx,
		`DELETE FROM lists WHERE id = $1 AND user_id = $2
		 RETURNING id, user_id, title, created_at, updated_at`,
		listID, userID,
	).Scan(&l.ID, &l.UserID, &l.Title, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リストの削除に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cascade_jobs (id, list_id, attempts, next_attempt_at, created_at)
		 VALUES ($1, $2, 0, now(), now())`,
		uuid.NewString(), l.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("カスケードジョブの登録に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return l, nil
}

// compile-time interface check
var _ ListRepository = (*PostgresListRepo)(nil)
