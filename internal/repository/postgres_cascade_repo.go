package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/taskman/internal/model"
)

// PostgresCascadeJobRepo はPostgreSQLを使用したカスケードジョブリポジトリ。
type PostgresCascadeJobRepo struct {
	db *sql.DB
}

// NewPostgresCascadeJobRepo はPostgresCascadeJobRepoを生成する。
func NewPostgresCascadeJobRepo(db *sql.DB) *PostgresCascadeJobRepo {
	return &PostgresCascadeJobRepo{db: db}
}

// ClaimDue は実行期限を迎えたジョブをFOR UPDATE SKIP LOCKEDで排他的に取得する。
// 取得と同時にnext_attempt_atをリース終了時刻へ進めるため、
// 処理中のワーカーが停止した場合もリース切れ後に別のワーカーが再取得できる。
func (r *PostgresCascadeJobRepo) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*model.CascadeJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE cascade_jobs
		 SET attempts = attempts + 1,
		     next_attempt_at = now() + $2 * interval '1 millisecond'
		 WHERE id IN (
		     SELECT id FROM cascade_jobs
		     WHERE next_attempt_at <= now()
		     ORDER BY next_attempt_at ASC
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED)
		 RETURNING id, list_id, attempts, last_error, next_attempt_at, created_at`,
		limit, lease.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("カスケードジョブの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*model.CascadeJob
	for rows.Next() {
		job := &model.CascadeJob{}
		var lastError sql.NullString
		if err := rows.Scan(
			&job.ID, &job.ListID, &job.Attempts, &lastError, &job.NextAttemptAt, &job.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("カスケードジョブの読み取りに失敗しました: %w", err)
		}
		job.LastError = nullStringValue(lastError)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("カスケードジョブの走査に失敗しました: %w", err)
	}

	return jobs, nil
}

// Complete は完了したジョブを削除する。
func (r *PostgresCascadeJobRepo) Complete(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cascade_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("カスケードジョブの完了処理に失敗しました: %w", err)
	}
	return nil
}

// Reschedule は失敗したジョブの次回実行時刻と最終エラーを更新する。
func (r *PostgresCascadeJobRepo) Reschedule(ctx context.Context, jobID string, nextAttemptAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE cascade_jobs SET next_attempt_at = $2, last_error = $3 WHERE id = $1`,
		jobID, nextAttemptAt, lastError,
	)
	if err != nil {
		return fmt.Errorf("カスケードジョブの再スケジュールに失敗しました: %w", err)
	}
	return nil
}

// nullStringValue はsql.NullStringから文字列を取得する。NULLの場合は空文字列を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ CascadeJobRepository = (*PostgresCascadeJobRepo)(nil)
