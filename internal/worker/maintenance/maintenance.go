// Package maintenance はデータベース保守とフィード劣化判定の定期ジョブを提供する。
// 保守ジョブはVACUUM、ANALYZE、古いフェッチログの削除、is_newフラグの降格を
// まとめて実行する。劣化判定ジョブは公開が途絶えたフィードにdegradedフラグを立てる。
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
)

// StoreMaintainer はデータベースファイルの保守操作を提供する。
type StoreMaintainer interface {
	Vacuum(ctx context.Context) error
	Analyze(ctx context.Context) error
}

// FeedDegrader は停滞したフィードへのdegradedフラグ付与を提供する。
type FeedDegrader interface {
	CheckAndDegradeFeeds(ctx context.Context, ttl time.Duration) (int64, error)
}

// LogPruner は古いフェッチログの削除を提供する。
type LogPruner interface {
	PruneOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// ItemDemoter は古い記事のis_newフラグの降格を提供する。
type ItemDemoter interface {
	MarkOldItemsAsRead(ctx context.Context, age time.Duration) (int64, error)
}

// Options はWorkerの動作パラメータ。ゼロ値はデフォルトに置き換えられる。
type Options struct {
	// MaintenanceSchedule は保守ジョブのcron式。デフォルトは@daily。
	MaintenanceSchedule string
	// DegradationSchedule は劣化判定ジョブのcron式。デフォルトは@hourly。
	DegradationSchedule string
	// LogRetention はフェッチログの保持期間。デフォルトは30日。
	LogRetention time.Duration
	// NewItemTTL は記事がnewとして扱われる期間。デフォルトは1時間。
	NewItemTTL time.Duration
	// FeedTTL は劣化判定のしきい値。デフォルトは15分。
	FeedTTL time.Duration
}

// Worker はcronスケジュールで保守ジョブを実行する。
type Worker struct {
	store  StoreMaintainer
	feeds  FeedDegrader
	logs   LogPruner
	items  ItemDemoter
	logger *slog.Logger
	opts   Options
	cron   *cron.Cron
}

// New はWorkerを生成する。
func New(store StoreMaintainer, feeds FeedDegrader, logs LogPruner, items ItemDemoter, logger *slog.Logger, opts Options) *Worker {
	if opts.MaintenanceSchedule == "" {
		opts.MaintenanceSchedule = "@daily"
	}
	if opts.DegradationSchedule == "" {
		opts.DegradationSchedule = "@hourly"
	}
	if opts.LogRetention <= 0 {
		opts.LogRetention = 30 * 24 * time.Hour
	}
	if opts.NewItemTTL <= 0 {
		opts.NewItemTTL = time.Hour
	}
	if opts.FeedTTL <= 0 {
		opts.FeedTTL = 15 * time.Minute
	}

	return &Worker{
		store:  store,
		feeds:  feeds,
		logs:   logs,
		items:  items,
		logger: logger,
		opts:   opts,
		cron:   cron.New(),
	}
}

// Start はジョブをcronに登録してスケジューラを開始する。1回だけ呼ぶこと。
func (w *Worker) Start() error {
	if _, err := w.cron.AddFunc(w.opts.MaintenanceSchedule, func() {
		w.safeRun("maintenance", w.RunOnce)
	}); err != nil {
		return fmt.Errorf("保守スケジュールの登録に失敗しました: %w", err)
	}
	if _, err := w.cron.AddFunc(w.opts.DegradationSchedule, func() {
		w.safeRun("degradation", w.RunDegradation)
	}); err != nil {
		return fmt.Errorf("劣化判定スケジュールの登録に失敗しました: %w", err)
	}

	w.cron.Start()
	w.logger.Info("保守ワーカーを開始しました",
		slog.String("maintenance_schedule", w.opts.MaintenanceSchedule),
		slog.String("degradation_schedule", w.opts.DegradationSchedule),
	)
	return nil
}

// Stop は新規ジョブの起動を止め、実行中のジョブの完了を待つ。
func (w *Worker) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
	w.logger.Info("保守ワーカーを停止しました")
}

// safeRun はジョブを実行し、panicとエラーをワーカー内で回収する。
func (w *Worker) safeRun(name string, fn func(ctx context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("保守ジョブでpanicが発生しました",
				slog.String("job", name),
				slog.String("panic", fmt.Sprint(rec)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := fn(context.Background()); err != nil {
		w.logger.Error("保守ジョブが失敗しました",
			slog.String("job", name),
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce はデータベース保守を1回実行する。
// 各ステップの失敗は記録して次のステップへ進み、最初のエラーを返す。
func (w *Worker) RunOnce(ctx context.Context) error {
	start := time.Now()
	w.logger.Info("データベース保守を開始します")

	var firstErr error

	if err := w.store.Vacuum(ctx); err != nil {
		w.logger.Error("VACUUMに失敗しました", slog.String("error", err.Error()))
		firstErr = err
	}

	if err := w.store.Analyze(ctx); err != nil {
		w.logger.Error("ANALYZEに失敗しました", slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}

	pruned, err := w.logs.PruneOlderThan(ctx, w.opts.LogRetention)
	if err != nil {
		w.logger.Error("フェッチログの削除に失敗しました", slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}

	demoted, err := w.items.MarkOldItemsAsRead(ctx, w.opts.NewItemTTL)
	if err != nil {
		w.logger.Error("is_newフラグの降格に失敗しました", slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}

	w.logger.Info("データベース保守が完了しました",
		slog.Int64("pruned_logs", pruned),
		slog.Int64("demoted_items", demoted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return firstErr
}

// RunDegradation はTTLを超えて公開が途絶えたフィードを劣化として記録する。
func (w *Worker) RunDegradation(ctx context.Context) error {
	count, err := w.feeds.CheckAndDegradeFeeds(ctx, w.opts.FeedTTL)
	if err != nil {
		w.logger.Error("フィード劣化判定に失敗しました", slog.String("error", err.Error()))
		return err
	}

	w.logger.Info("フィード劣化判定が完了しました",
		slog.Int64("degraded_count", count),
		slog.Duration("ttl", w.opts.FeedTTL),
	)
	return nil
}
