package poll

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/hitoshi/feeder/internal/fetch"
	"github.com/hitoshi/feeder/internal/metrics"
	"github.com/hitoshi/feeder/internal/model"
	"github.com/hitoshi/feeder/internal/parse"
	"github.com/hitoshi/feeder/internal/ratelimit"
	"github.com/hitoshi/feeder/internal/repository"
	"github.com/hitoshi/feeder/internal/websub"
)

// Fetcher は条件付きGETでフィードを取得する。
type Fetcher interface {
	Fetch(ctx context.Context, url, etag, lastModified string) *fetch.FetchResult
}

// FeedParser はフェッチ済みの本文を正規化済みアイテムへ変換する。
type FeedParser interface {
	Parse(feedID int64, body []byte) (*parse.Result, error)
}

// RateGate はホスト単位のレート制御を提供する。
// Acquireがtrueを返した場合、呼び出し側は必ずReleaseを1回呼ぶ。
type RateGate interface {
	Acquire(ctx context.Context, host string) (bool, error)
	Release()
	Record(host string, success bool)
}

// HubInspector は取得済みフィードからWebSubハブを検出する。
// 呼び出しはブロックせず、失敗はポーリングへ影響させない。
type HubInspector interface {
	InspectFeed(feedID int64, feedURL string, body []byte)
}

// Runner はフェッチジョブ1件の全工程を実行する。
// 取得、パース、保存、ステータスとバックオフの更新、フェッチログの追記を行い、
// 終端に達した実行ごとにフェッチログをちょうど1行残す。
// エラーは内部で処理し、呼び出し側へは伝播しない。
type Runner struct {
	fetcher Fetcher
	parser  FeedParser
	gate    RateGate
	feeds   repository.FeedRepository
	items   repository.ItemRepository
	logs    repository.FetchLogRepository
	metrics metrics.Recorder
	logger  *slog.Logger
	hub     HubInspector
}

// NewRunner はRunnerを生成する。全引数必須。
func NewRunner(
	fetcher Fetcher,
	parser FeedParser,
	gate RateGate,
	feeds repository.FeedRepository,
	items repository.ItemRepository,
	logs repository.FetchLogRepository,
	rec metrics.Recorder,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		fetcher: fetcher,
		parser:  parser,
		gate:    gate,
		feeds:   feeds,
		items:   items,
		logs:    logs,
		metrics: rec,
		logger:  logger,
	}
}

// EnableWebSub は成功したフェッチの本文をWebSubハブ検出に回す。
// WEBSUB_ENABLEDが有効な場合のみ設定される。
func (r *Runner) EnableWebSub(h HubInspector) {
	r.hub = h
}

// Run はフィード1件のフェッチジョブを実行する。
//
// フェッチロックとレート制限トークンを取得してからフェッチし、結果を
// 分類して永続化する。トークンが得られなかった場合はロックを解放して
// Deferredを返し、再実行はスケジューラに委ねる。ctxの取り消しはロックと
// トークンの待機だけを中断し、フェッチに入ったジョブは最後まで実行する。
// panicはここで回収し、スケジューラには到達させない。
func (r *Runner) Run(ctx context.Context, feedID int64, reason string) (out Outcome) {
	start := time.Now()
	logged := false
	defer func() {
		if rec := recover(); rec != nil {
			r.recoverJob(feedID, rec, start, logged)
			out = Outcome{}
		}
	}()

	feed, err := r.feeds.GetFeed(ctx, feedID)
	if err != nil {
		r.logger.Error("フィードの取得に失敗しました",
			slog.Int64("feed_id", feedID),
			slog.String("error", err.Error()),
		)
		return Outcome{}
	}
	if feed == nil || !feed.Enabled {
		r.logger.Warn("フィードが存在しないか無効のためスキップします",
			slog.Int64("feed_id", feedID),
			slog.String("reason", reason),
		)
		return Outcome{}
	}

	acquired, err := r.feeds.AcquireFeedLock(ctx, feedID)
	if err != nil {
		r.logger.Error("フェッチロックの取得に失敗しました",
			slog.Int64("feed_id", feedID),
			slog.String("error", err.Error()),
		)
		return Outcome{}
	}
	if !acquired {
		r.logger.Debug("フェッチロックが保持中のためtickを破棄します",
			slog.Int64("feed_id", feedID),
			slog.String("reason", reason),
		)
		return Outcome{}
	}

	// シャットダウン中でもロック解放と実行後の永続化は完了させる。
	jobCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := r.feeds.ReleaseFeedLock(jobCtx, feedID); err != nil {
			r.logger.Error("フェッチロックの解放に失敗しました",
				slog.Int64("feed_id", feedID),
				slog.String("error", err.Error()),
			)
		}
	}()

	host := fetch.HostOf(feed.URL)

	ok, err := r.gate.Acquire(ctx, host)
	if err != nil {
		r.logger.Debug("レート制限の待機を中断しました",
			slog.Int64("feed_id", feedID),
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		return Outcome{}
	}
	if !ok {
		r.logger.Debug("レート制限トークンが不足しています",
			slog.Int64("feed_id", feedID),
			slog.String("host", host),
		)
		return Outcome{Deferred: true}
	}
	defer r.gate.Release()

	result := r.fetcher.Fetch(jobCtx, feed.URL, feed.ETag, feed.LastModified)
	duration := time.Since(start)

	if result.IsNotModified() {
		r.updateStatus(jobCtx, feedID, model.FetchStatusNotModified, result.ETag, result.LastModified)
		_, mult := r.applyBackoff(jobCtx, feedID, true)
		r.logRow(jobCtx, &model.FetchLog{
			FeedID:     feedID,
			StatusCode: result.StatusCode,
			DurationMS: duration.Milliseconds(),
		})
		logged = true
		r.metrics.RecordFetchDuration(feedID, host, result.StatusCode, duration)
		r.gate.Record(host, true)
		r.logger.Info("フィードは未変更です（304）",
			slog.Int64("feed_id", feedID),
			slog.String("name", feed.Name),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return Outcome{Multiplier: mult}
	}

	if !result.IsSuccess() {
		r.updateStatus(jobCtx, feedID, model.FetchStatusError, "", "")
		errs, mult := r.applyBackoff(jobCtx, feedID, false)
		r.logRow(jobCtx, &model.FetchLog{
			FeedID:       feedID,
			StatusCode:   result.StatusCode,
			ErrorMessage: result.ErrorMessage,
			DurationMS:   duration.Milliseconds(),
		})
		logged = true
		r.metrics.RecordFetchDuration(feedID, host, result.StatusCode, duration)
		r.metrics.RecordFetchError(host, errorReason(result.StatusCode))
		r.gate.Record(host, false)
		r.logger.Warn("フィードフェッチに失敗しました",
			slog.Int64("feed_id", feedID),
			slog.String("name", feed.Name),
			slog.Int("http_status", result.StatusCode),
			slog.String("error", result.ErrorMessage),
			slog.Int("consecutive_errors", errs),
			slog.Float64("multiplier", mult),
		)
		return Outcome{Multiplier: mult}
	}

	if r.hub != nil {
		r.hub.InspectFeed(feedID, feed.URL, result.Body)
	}

	parsed, perr := r.parser.Parse(feedID, result.Body)
	if perr != nil {
		r.logger.Warn("フィードのパースに失敗しました",
			slog.Int64("feed_id", feedID),
			slog.String("name", feed.Name),
			slog.String("error", perr.Error()),
		)
	}
	if perr != nil || len(parsed.Items) == 0 {
		// パース不能や0件でもサーバーには到達している。バックオフは成功として扱う。
		r.updateStatus(jobCtx, feedID, model.FetchStatusNoItems, "", "")
		_, mult := r.applyBackoff(jobCtx, feedID, true)
		r.logRow(jobCtx, &model.FetchLog{
			FeedID:     feedID,
			StatusCode: result.StatusCode,
			DurationMS: duration.Milliseconds(),
		})
		logged = true
		r.metrics.RecordFetchDuration(feedID, host, result.StatusCode, duration)
		r.gate.Record(host, true)
		r.logger.Info("フィードにアイテムがありませんでした",
			slog.Int64("feed_id", feedID),
			slog.String("name", feed.Name),
		)
		return Outcome{Multiplier: mult}
	}

	newCount, err := r.items.AddItems(jobCtx, feedID, parsed.Items)
	if err != nil {
		r.logger.Error("アイテムの保存に失敗しました",
			slog.Int64("feed_id", feedID),
			slog.String("name", feed.Name),
			slog.String("error", err.Error()),
		)
		r.updateStatus(jobCtx, feedID, model.FetchStatusError, "", "")
		_, mult := r.applyBackoff(jobCtx, feedID, false)
		r.logRow(jobCtx, &model.FetchLog{
			FeedID:       feedID,
			StatusCode:   0,
			ErrorMessage: "アイテムの保存に失敗しました: " + err.Error(),
			DurationMS:   duration.Milliseconds(),
		})
		logged = true
		r.metrics.RecordFetchDuration(feedID, host, 0, duration)
		r.metrics.RecordFetchError(host, "storage")
		r.gate.Record(host, true)
		return Outcome{Multiplier: mult}
	}

	r.updateStatus(jobCtx, feedID, model.FetchStatusSuccess, result.ETag, result.LastModified)
	_, mult := r.applyBackoff(jobCtx, feedID, true)
	if newest := parsed.NewestPublished(); newest != nil {
		if err := r.feeds.UpdateFeedPublishedTime(jobCtx, feedID, *newest); err != nil {
			r.logger.Error("公開時刻の更新に失敗しました",
				slog.Int64("feed_id", feedID),
				slog.String("error", err.Error()),
			)
		}
	}
	r.logRow(jobCtx, &model.FetchLog{
		FeedID:     feedID,
		StatusCode: result.StatusCode,
		ItemsFound: len(parsed.Items),
		ItemsNew:   newCount,
		DurationMS: duration.Milliseconds(),
	})
	logged = true
	r.metrics.RecordFetchDuration(feedID, host, result.StatusCode, duration)
	r.metrics.RecordNewItems(feedID, newCount)
	r.gate.Record(host, true)
	r.logger.Info("フィードフェッチが完了しました",
		slog.Int64("feed_id", feedID),
		slog.String("name", feed.Name),
		slog.Int("items_found", len(parsed.Items)),
		slog.Int("items_new", newCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return Outcome{Multiplier: mult}
}

// updateStatus はフェッチ結果のステータスを記録する。失敗はログに残すのみ。
func (r *Runner) updateStatus(ctx context.Context, feedID int64, status model.FetchStatus, etag, lastModified string) {
	if err := r.feeds.UpdateFeedStatus(ctx, feedID, status, etag, lastModified); err != nil {
		r.logger.Error("フィードステータスの更新に失敗しました",
			slog.Int64("feed_id", feedID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

// applyBackoff は連続エラー数とバックオフ係数を更新し、更新後の値を返す。
// 更新に失敗した場合は(0, 0)を返す。係数0は変更なしとして扱われる。
func (r *Runner) applyBackoff(ctx context.Context, feedID int64, success bool) (int, float64) {
	errs, mult, err := r.feeds.UpdateAdaptiveBackoff(ctx, feedID, success)
	if err != nil {
		r.logger.Error("バックオフ状態の更新に失敗しました",
			slog.Int64("feed_id", feedID),
			slog.String("error", err.Error()),
		)
		return 0, 0
	}
	return errs, mult
}

// logRow はフェッチログを1行追記する。失敗はログに残すのみ。
func (r *Runner) logRow(ctx context.Context, row *model.FetchLog) {
	if err := r.logs.LogFetch(ctx, row); err != nil {
		r.logger.Error("フェッチログの記録に失敗しました",
			slog.Int64("feed_id", row.FeedID),
			slog.String("error", err.Error()),
		)
	}
}

// recoverJob はジョブ内のpanicを記録する。ロックはdeferで解放済み。
func (r *Runner) recoverJob(feedID int64, rec any, start time.Time, logged bool) {
	r.logger.Error("フェッチジョブでpanicが発生しました",
		slog.Int64("feed_id", feedID),
		slog.String("panic", fmt.Sprint(rec)),
		slog.String("stack", string(debug.Stack())),
	)
	if logged {
		return
	}
	r.logRow(context.Background(), &model.FetchLog{
		FeedID:       feedID,
		StatusCode:   0,
		ErrorMessage: fmt.Sprintf("panic: %v", rec),
		DurationMS:   time.Since(start).Milliseconds(),
	})
}

// errorReason はメトリクスのreasonラベル用にステータスコードを分類する。
func errorReason(status int) string {
	switch {
	case status == http.StatusRequestTimeout:
		return "timeout"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	default:
		return "transport"
	}
}

var (
	_ FeedRunner   = (*Runner)(nil)
	_ Fetcher      = (*fetch.Client)(nil)
	_ FeedParser   = (*parse.Parser)(nil)
	_ RateGate     = (*ratelimit.HostLimiter)(nil)
	_ HubInspector = (*websub.Subscriber)(nil)
)
