package delivery

import (
	"context"
	"log/slog"
	"time"
)

// DueDispatcher は1ティック分の配信処理のインターフェース。
type DueDispatcher interface {
	DispatchDue(ctx context.Context, now time.Time) (DispatchReport, error)
}

// TickRecorder はティックの所要時間を記録するインターフェース。
type TickRecorder interface {
	RecordTickDuration(duration time.Duration)
}

// Scheduler は配信ティックの定期実行を行う。
// 一定間隔のティッカーでDispatchDueを呼び出し、現在時刻を注入する。
type Scheduler struct {
	dispatcher DueDispatcher
	logger     *slog.Logger
	metrics    TickRecorder
	now        func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。metricsはnilでもよい。
func NewScheduler(dispatcher DueDispatcher, logger *slog.Logger, metrics TickRecorder) *Scheduler {
	return &Scheduler{
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("配信スケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("配信スケジューラを停止しました")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("配信サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は配信サイクルを1回実行する。
func (s *Scheduler) RunOnce(ctx context.Context) (DispatchReport, error) {
	start := time.Now()
	now := s.now()

	report, err := s.dispatcher.DispatchDue(ctx, now)
	if err != nil {
		return report, err
	}

	duration := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordTickDuration(duration)
	}

	if report.Attempted == 0 {
		s.logger.Debug("配信対象のユーザーはいません")
		return report, nil
	}

	s.logger.Info("配信サイクルが完了しました",
		slog.Int("attempted", report.Attempted),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Int("retrying", report.Retrying),
		slog.Int("deferred", report.Deferred),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return report, nil
}
