package cascade

import "time"

const (
	// initialBackoff は失敗したジョブの初回再実行遅延。
	initialBackoff = 30 * time.Second
	// maxBackoff は再実行遅延の上限。
	maxBackoff = 30 * time.Minute
)

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回30秒、2倍ずつ増加、最大30分。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// NextAttemptAt はattempts回目の試行が失敗したジョブの次回実行時刻を返す。
// attemptsは取得時に加算済みの値（1始まり）を受け取る。
func NextAttemptAt(now time.Time, attempts int) time.Time {
	failures := attempts - 1
	if failures < 0 {
		failures = 0
	}
	return now.Add(CalculateBackoff(failures))
}
