// Package cascade はリスト削除後のタスクのカスケード削除を行うバックグラウンドワーカーを提供する。
// ジョブはリスト削除と同一トランザクションで永続化され、ワーカーはポーリングと即時通知の両方で起動する。
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
)

// TaskDeleter はリスト単位のタスク一括削除インターフェース。
type TaskDeleter interface {
	DeleteByListID(ctx context.Context, listID string) (int64, error)
}

// Config はワーカーの動作設定。
type Config struct {
	BatchSize      int           // 1サイクルで取得する最大ジョブ数
	MaxConcurrency int           // 同時に処理するジョブ数
	Lease          time.Duration // 取得したジョブを他ワーカーから隠す期間
	RetryAttempts  uint64        // 1回の試行内での再試行回数
	RetryBase      time.Duration // 試行内再試行の初回待機時間
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	return c
}

// Worker はカスケードジョブを取得してタスクを削除する。
// semaphoreパターンで最大並列数を制御する。
type Worker struct {
	jobs    repository.CascadeJobRepository
	tasks   TaskDeleter
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	cfg     Config
	now     func() time.Time
	wake    chan struct{}
}

// NewWorker はWorkerの新しいインスタンスを生成する。
func NewWorker(
	jobs repository.CascadeJobRepository,
	tasks TaskDeleter,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	cfg Config,
) *Worker {
	return &Worker{
		jobs:    jobs,
		tasks:   tasks,
		logger:  logger,
		metrics: metrics.OrNop(collector),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Notify は新しいジョブが登録されたことをワーカーに伝える。ブロックしない。
// 既に通知が保留中であれば何もしない。
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start はinterval間隔のポーリングと通知でワーカーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("カスケードワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", w.cfg.MaxConcurrency),
	)

	// 起動直後に1回実行し、停止中に残ったジョブを回収する
	w.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("カスケードワーカーを停止しました")
			return
		case <-ticker.C:
			w.runCycle(ctx)
		case <-w.wake:
			w.runCycle(ctx)
		}
	}
}

func (w *Worker) runCycle(ctx context.Context) {
	if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("カスケードサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は実行期限を迎えたジョブを1回取得し、並列で処理する。
func (w *Worker) RunOnce(ctx context.Context) error {
	jobs, err := w.jobs.ClaimDue(ctx, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return fmt.Errorf("カスケードジョブの取得に失敗しました: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	w.logger.Info("カスケードサイクルを開始します",
		slog.Int("job_count", len(jobs)),
	)

	sem := make(chan struct{}, w.cfg.MaxConcurrency)
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}

		go func(j *model.CascadeJob) {
			defer wg.Done()
			defer func() { <-sem }()

			w.process(ctx, j)
		}(job)
	}

	wg.Wait()
	return nil
}

// process はジョブ1件を処理する。
// 成功時はジョブを削除し、失敗時はバックオフ後の再実行を予約する。失敗は握りつぶさずログに残す。
func (w *Worker) process(ctx context.Context, job *model.CascadeJob) {
	start := time.Now()

	deleted, err := w.deleteTasks(ctx, job.ListID)
	if err != nil {
		if ctx.Err() != nil {
			// 停止中。リース切れ後に再取得される
			w.logger.Info("カスケードジョブを中断しました",
				slog.String("job_id", job.ID),
				slog.String("list_id", job.ListID),
			)
			return
		}
		w.fail(ctx, job, err)
		return
	}

	if err := w.jobs.Complete(ctx, job.ID); err != nil {
		// タスク削除は冪等なので、リース切れ後の再取得で完了させる
		w.logger.Error("カスケードジョブの完了記録に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("list_id", job.ListID),
			slog.String("error", err.Error()),
		)
		return
	}

	duration := time.Since(start)
	w.metrics.RecordCascadeJob(metrics.CascadeResultSuccess)
	w.metrics.RecordCascadeTasksDeleted(deleted)
	w.metrics.RecordCascadeLatency(duration)

	w.logger.Info("カスケード削除が完了しました",
		slog.String("job_id", job.ID),
		slog.String("list_id", job.ListID),
		slog.Int64("deleted_tasks", deleted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// deleteTasks は一時的な失敗を指数バックオフで再試行しながらタスクを削除する。
func (w *Worker) deleteTasks(ctx context.Context, listID string) (int64, error) {
	var deleted int64
	backoff := retry.WithMaxRetries(w.cfg.RetryAttempts, retry.NewExponential(w.cfg.RetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		n, err := w.tasks.DeleteByListID(ctx, listID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return retry.RetryableError(err)
		}
		deleted = n
		return nil
	})
	return deleted, err
}

func (w *Worker) fail(ctx context.Context, job *model.CascadeJob, cause error) {
	w.metrics.RecordCascadeJob(metrics.CascadeResultRetry)

	next := NextAttemptAt(w.now(), job.Attempts)
	w.logger.Error("カスケード削除に失敗しました",
		slog.String("job_id", job.ID),
		slog.String("list_id", job.ListID),
		slog.Int("attempts", job.Attempts),
		slog.Time("next_attempt_at", next),
		slog.String("error", cause.Error()),
	)

	if err := w.jobs.Reschedule(ctx, job.ID, next, cause.Error()); err != nil {
		w.logger.Error("カスケードジョブの再スケジュールに失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}
