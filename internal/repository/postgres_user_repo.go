package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/taskman/internal/model"
)

// PostgreSQLのエラーコード
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
// セッションはusers.sessions(JSONB配列)に埋め込んで保持する。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.findOne(ctx,
		`SELECT id, email, password_hash, sessions, created_at, updated_at FROM users WHERE id = $1`,
		id,
	)
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx,
		`SELECT id, email, password_hash, sessions, created_at, updated_at FROM users WHERE email = $1`,
		email,
	)
}

func (r *PostgresUserRepo) findOne(ctx context.Context, query string, arg string) (*model.User, error) {
	user := &model.User{}
	var sessions []byte
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Email, &user.PasswordHash, &sessions, &user.CreatedAt, &user.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if err := json.Unmarshal(sessions, &user.Sessions); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}

	return user, nil
}

// Create はユーザーを作成する。メールアドレス重複時はErrDuplicateEmailを返す。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	sessions := user.Sessions
	if sessions == nil {
		sessions = []model.Session{}
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to encode sessions: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, sessions, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Email, user.PasswordHash, data, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isPQCode(err, pgUniqueViolation) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// AppendSession はセッション配列の末尾に1件を追加する。
// 読み出しを伴わない単一のUPDATEで連結するため、並行追加でも更新は失われない。
func (r *PostgresUserRepo) AppendSession(ctx context.Context, userID string, session model.Session) error {
	data, err := json.Marshal([]model.Session{session})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET sessions = sessions || $2::jsonb, updated_at = now() WHERE id = $1`,
		userID, data,
	)
	if err != nil {
		return fmt.Errorf("failed to append session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// RemoveSession はトークンハッシュが一致するセッションを削除する。
func (r *PostgresUserRepo) RemoveSession(ctx context.Context, userID, tokenHash string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET sessions = COALESCE(
		         (SELECT jsonb_agg(s) FROM jsonb_array_elements(sessions) s WHERE s->>'tokenHash' <> $2),
		         '[]'::jsonb),
		     updated_at = now()
		 WHERE id = $1
		   AND sessions @> jsonb_build_array(jsonb_build_object('tokenHash', $2::text))`,
		userID, tokenHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to remove session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// PruneExpiredSessions は期限切れセッションを全ユーザーから取り除く。
// expiresAtがnowより前のものだけを削除し、ちょうどの時刻のものは残す。
func (r *PostgresUserRepo) PruneExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET sessions = COALESCE(
		         (SELECT jsonb_agg(s) FROM jsonb_array_elements(sessions) s
		          WHERE (s->>'expiresAt')::timestamptz >= $1),
		         '[]'::jsonb),
		     updated_at = now()
		 WHERE EXISTS (
		     SELECT 1 FROM jsonb_array_elements(sessions) s
		     WHERE (s->>'expiresAt')::timestamptz < $1)`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired sessions: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// DeleteWithCascade はユーザーを削除する。
// 所有リストの削除とカスケードジョブの登録、ユーザー行の削除を同一トランザクションで行う。
// 埋め込みセッションはユーザー行と共に消える。
// 先にユーザー行をFOR UPDATEでロックし、並行するリスト作成を削除の前後どちらかに直列化する。
func (r *PostgresUserRepo) DeleteWithCascade(ctx context.Context, userID string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lockedID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&lockedID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock user: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`WITH deleted AS (DELETE FROM lists WHERE user_id = $1 RETURNING id)
		 INSERT INTO cascade_jobs (id, list_id, attempts, next_attempt_at, created_at)
		 SELECT gen_random_uuid(), id, 0, now(), now() FROM deleted`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue cascade jobs: %w", err)
	}
	enqueued, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	result, err = tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return 0, ErrUserNotFound
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return enqueued, nil
}

// isPQCode はエラーが指定コードのPostgreSQLエラーかどうかを判定する。
func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
