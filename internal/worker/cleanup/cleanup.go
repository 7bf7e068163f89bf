// Package cleanup は期限切れの委任フローを定期的に掃除するジョブを提供する。
// 有効期間（デフォルト600秒）を過ぎた保留中フローをティッカー間隔で削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Target は期限切れデータを削除する対象のインターフェース。
// 削除件数を返す。
type Target interface {
	SweepExpired(ctx context.Context) (int, error)
}

// SweepJob は期限切れの保留中フローを削除するジョブ。
// 削除処理は冪等で、対象がない場合もエラーにならない。
type SweepJob struct {
	target Target
	logger *slog.Logger
}

// NewSweepJob は新しいSweepJobを生成する。loggerがnilの場合はslog.Default()を使う。
func NewSweepJob(target Target, logger *slog.Logger) *SweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{
		target: target,
		logger: logger,
	}
}

// Run は期限切れフローを1回削除する。
func (j *SweepJob) Run(ctx context.Context) error {
	start := time.Now()

	removed, err := j.target.SweepExpired(ctx)
	if err != nil {
		j.logger.Error("委任フローの掃除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("委任フローの掃除に失敗: %w", err)
	}

	// 0件のときはログが溢れないようDebugに落とす
	level := slog.LevelInfo
	if removed == 0 {
		level = slog.LevelDebug
	}
	j.logger.Log(ctx, level, "委任フローの掃除が完了しました",
		slog.Int("removed_count", removed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はinterval間隔でRunを実行する。コンテキストがキャンセルされるまで継続する。
func (j *SweepJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("委任フロー掃除ジョブを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("委任フロー掃除ジョブを停止しました")
			return
		case <-ticker.C:
			// エラーはRun内でログ済み。次のティックで再試行する
			_ = j.Run(ctx)
		}
	}
}
