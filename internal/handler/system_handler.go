package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/feeder/internal/model"
	"github.com/hitoshi/feeder/internal/worker/poll"
)

// Pinger はデータベース疎通確認のインターフェース。*sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SchedulerReporter はスケジューラ状態の読み取りインターフェース。
type SchedulerReporter interface {
	Status() poll.Status
	QueueDepth() int
}

// StatsReader はフィード統計の読み取りインターフェース。
type StatsReader interface {
	// GetFeedStats はフィードごとの記事数と直近フェッチ結果を返す。
	GetFeedStats(ctx context.Context) ([]model.FeedStats, error)
}

// AppInfo は/healthzと/api/configで公開するアプリケーション情報。
type AppInfo struct {
	Name                 string
	Version              string
	BaseURL              string
	DefaultFetchInterval time.Duration
	MaxFeeds             int
	MaxItems             int
}

// SystemHandler は死活監視・設定公開・スケジューラ状態のHTTPハンドラー。
type SystemHandler struct {
	db    Pinger
	info  AppInfo
	sched SchedulerReporter
	stats StatsReader
}

// NewSystemHandler はSystemHandlerを生成する。
func NewSystemHandler(db Pinger, info AppInfo, sched SchedulerReporter, stats StatsReader) *SystemHandler {
	return &SystemHandler{
		db:    db,
		info:  info,
		sched: sched,
		stats: stats,
	}
}

// --- レスポンス型 ---

// healthResponse は死活監視のAPIレスポンス。
type healthResponse struct {
	Status  string `json:"status"`
	AppName string `json:"app_name"`
	Version string `json:"version"`
}

// configResponse は公開設定のAPIレスポンス。
type configResponse struct {
	AppName                     string `json:"app_name"`
	AppBaseURL                  string `json:"app_base_url"`
	Version                     string `json:"version"`
	DefaultFetchIntervalSeconds int    `json:"default_fetch_interval_seconds"`
	MaxFeeds                    int    `json:"max_feeds"`
	MaxItems                    int    `json:"max_items"`
}

// schedulerStatusResponse はスケジューラ状態のAPIレスポンス。
type schedulerStatusResponse struct {
	poll.Status
	QueueDepth int `json:"queue_depth"`
}

// fetchLogResponse はフェッチログ1件のAPIレスポンス。
type fetchLogResponse struct {
	StatusCode   int       `json:"status_code"`
	ItemsFound   int       `json:"items_found"`
	ItemsNew     int       `json:"items_new"`
	ErrorMessage string    `json:"error_message"`
	FetchTime    time.Time `json:"fetch_time"`
	DurationMS   int64     `json:"duration_ms"`
}

// feedStatsEntry はフィード1件の統計のAPIレスポンス。
type feedStatsEntry struct {
	FeedID    int64             `json:"feed_id"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	ItemCount int64             `json:"item_count"`
	LastFetch *fetchLogResponse `json:"last_fetch"`
}

// feedStatsResponse はフィード統計一覧のAPIレスポンス。
type feedStatsResponse struct {
	Feeds []feedStatsEntry `json:"feeds"`
	Total int              `json:"total"`
}

// Healthz は死活監視に応答する。データベース疎通が取れない場合は503を返す。
// GET /healthz
func (h *SystemHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:  "unhealthy",
			AppName: h.info.Name,
			Version: h.info.Version,
		})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "healthy",
		AppName: h.info.Name,
		Version: h.info.Version,
	})
}

// Config はクライアント向けの公開設定を返す。
// GET /api/config
func (h *SystemHandler) Config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		AppName:                     h.info.Name,
		AppBaseURL:                  h.info.BaseURL,
		Version:                     h.info.Version,
		DefaultFetchIntervalSeconds: int(h.info.DefaultFetchInterval.Seconds()),
		MaxFeeds:                    h.info.MaxFeeds,
		MaxItems:                    h.info.MaxItems,
	})
}

// SchedulerStatus は登録済みジョブの一覧とキューの深さを返す。
// GET /api/scheduler/status
func (h *SystemHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, schedulerStatusResponse{
		Status:     h.sched.Status(),
		QueueDepth: h.sched.QueueDepth(),
	})
}

// Stats はフィードごとの記事数と直近フェッチ結果を返す。
// GET /api/stats
func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.GetFeedStats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := feedStatsResponse{
		Feeds: make([]feedStatsEntry, 0, len(stats)),
		Total: len(stats),
	}
	for i := range stats {
		s := &stats[i]
		resp.Feeds = append(resp.Feeds, feedStatsEntry{
			FeedID:    s.FeedID,
			Name:      s.Name,
			URL:       s.URL,
			ItemCount: s.ItemCount,
			LastFetch: toFetchLogResponse(s.LastFetch),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// toFetchLogResponse はmodel.FetchLogからAPIレスポンスに変換する。nilはnilのまま返す。
func toFetchLogResponse(log *model.FetchLog) *fetchLogResponse {
	if log == nil {
		return nil
	}
	return &fetchLogResponse{
		StatusCode:   log.StatusCode,
		ItemsFound:   log.ItemsFound,
		ItemsNew:     log.ItemsNew,
		ErrorMessage: log.ErrorMessage,
		FetchTime:    log.FetchTime,
		DurationMS:   log.DurationMS,
	}
}
