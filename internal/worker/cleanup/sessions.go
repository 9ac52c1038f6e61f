// Package cleanup は期限切れリフレッシュセッションの定期削除ジョブを提供する。
// 検証処理はセッション配列を変更しないため、期限切れのエントリはこのジョブが取り除く。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/taskman/internal/metrics"
)

// SessionPruner は期限切れセッションの一括削除インターフェース。
type SessionPruner interface {
	PruneExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// SessionPruneJob は期限切れセッションの定期削除ジョブ。
// 削除対象は検証に通らなくなったセッションのみのため、何度実行しても結果は変わらない。
type SessionPruneJob struct {
	pruner  SessionPruner
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewSessionPruneJob は新しいSessionPruneJobを生成する。
func NewSessionPruneJob(pruner SessionPruner, logger *slog.Logger, collector metrics.MetricsCollector) *SessionPruneJob {
	return &SessionPruneJob{
		pruner:  pruner,
		logger:  logger,
		metrics: metrics.OrNop(collector),
		now:     time.Now,
	}
}

// Run は全ユーザーのセッション配列から期限切れのものを取り除く。
func (j *SessionPruneJob) Run(ctx context.Context) error {
	start := time.Now()

	users, err := j.pruner.PruneExpiredSessions(ctx, j.now())
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	j.metrics.RecordSessionsPruned(users)

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("pruned_users", users),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回、その後interval間隔でRunを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *SessionPruneJob) Start(ctx context.Context, interval time.Duration) {
	// 失敗はRun内でログ済み
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
