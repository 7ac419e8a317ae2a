package handler

import (
	"context"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/hitoshi/feeder/internal/model"
)

// FetchLogReader はフェッチログの読み取りインターフェース。
type FetchLogReader interface {
	// RecentByFeed は指定フィードの直近のログをfetch_time降順で返す。
	RecentByFeed(ctx context.Context, feedID int64, limit int) ([]*model.FetchLog, error)
}

// MaintenanceRunner は保守ジョブの手動実行インターフェース。
type MaintenanceRunner interface {
	RunOnce(ctx context.Context) error
	RunDegradation(ctx context.Context) error
}

// DBStatsReader はデータベース統計の読み取りインターフェース。
type DBStatsReader interface {
	DBStats(ctx context.Context) (*model.DBStats, error)
}

// diagnosticsLogLimit は診断エンドポイントで返す直近フェッチログと記事の件数。
const diagnosticsLogLimit = 5

// AdminHandler は運用診断と保守操作のHTTPハンドラー。
// 全エンドポイントはADMIN_TOKENによるBearer認証の背後に置かれる。
type AdminHandler struct {
	feeds FeedReader
	items ItemReader
	stats StatsReader
	logs  FetchLogReader
	maint MaintenanceRunner
	db    DBStatsReader
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(feeds FeedReader, items ItemReader, stats StatsReader, logs FetchLogReader, maint MaintenanceRunner, db DBStatsReader) *AdminHandler {
	return &AdminHandler{
		feeds: feeds,
		items: items,
		stats: stats,
		logs:  logs,
		maint: maint,
		db:    db,
	}
}

// --- レスポンス型 ---

// feedHealthInfo はフィード1件の健全性ビュー。
type feedHealthInfo struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	URL               string     `json:"url"`
	Enabled           bool       `json:"enabled"`
	IntervalSeconds   int        `json:"interval_seconds"`
	Status            string     `json:"status"`
	Degraded          bool       `json:"degraded"`
	HoursSinceFetch   *float64   `json:"hours_since_fetch"`
	LastFetchTime     *time.Time `json:"last_fetch_time"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	BackoffMultiplier float64    `json:"backoff_multiplier"`
	LastPublishedTime *time.Time `json:"last_published_time"`
}

// feedStatusEntry はfeeds-status一覧の1エントリ。健全性に記事とログの情報を加える。
type feedStatusEntry struct {
	feedHealthInfo
	HasItems    bool              `json:"has_items"`
	LatestFetch *fetchLogResponse `json:"latest_fetch"`
}

// feedsStatusResponse は全フィードの健全性一覧のAPIレスポンス。
type feedsStatusResponse struct {
	Feeds      []feedStatusEntry `json:"feeds"`
	Total      int               `json:"total"`
	Enabled    int               `json:"enabled"`
	Degraded   int               `json:"degraded"`
	WithErrors int               `json:"with_errors"`
}

// diagnosticItem は診断ビューに含める記事の要約。
type diagnosticItem struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Published *time.Time `json:"published"`
	IsNew     bool       `json:"is_new"`
}

// feedDiagnosticsResponse は1フィードの詳細診断のAPIレスポンス。
type feedDiagnosticsResponse struct {
	Feed          feedHealthInfo     `json:"feed"`
	LatestItems   []diagnosticItem   `json:"latest_items"`
	RecentFetches []fetchLogResponse `json:"recent_fetches"`
}

// maintenanceRunResponse は保守ジョブ実行のAPIレスポンス。
type maintenanceRunResponse struct {
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

// dbStatsResponse はデータベース統計のAPIレスポンス。
type dbStatsResponse struct {
	SizeBytes  int64 `json:"size_bytes"`
	TotalFeeds int64 `json:"total_feeds"`
	TotalItems int64 `json:"total_items"`
	TotalLogs  int64 `json:"total_logs"`
}

// FeedsStatus は全フィードの健全性を直近フェッチ結果と結合して返す。
// フェッチが新しい順に並べ、未フェッチのフィードは末尾に置く。
// GET /admin/feeds-status
func (h *AdminHandler) FeedsStatus(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.feeds.GetFeeds(r.Context(), false)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	stats, err := h.stats.GetFeedStats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	statsByID := make(map[int64]*model.FeedStats, len(stats))
	for i := range stats {
		statsByID[stats[i].FeedID] = &stats[i]
	}

	now := time.Now()
	resp := feedsStatusResponse{
		Feeds: make([]feedStatusEntry, 0, len(feeds)),
		Total: len(feeds),
	}
	for _, f := range feeds {
		entry := feedStatusEntry{feedHealthInfo: toFeedHealthInfo(f, now)}
		if s, ok := statsByID[f.ID]; ok {
			entry.HasItems = s.ItemCount > 0
			entry.LatestFetch = toFetchLogResponse(s.LastFetch)
		}
		resp.Feeds = append(resp.Feeds, entry)

		if f.Enabled {
			resp.Enabled++
		}
		if f.Degraded {
			resp.Degraded++
		}
		if f.ConsecutiveErrors > 0 {
			resp.WithErrors++
		}
	}

	sort.SliceStable(resp.Feeds, func(i, j int) bool {
		a, b := resp.Feeds[i].HoursSinceFetch, resp.Feeds[j].HoursSinceFetch
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return *a < *b
	})

	writeJSON(w, http.StatusOK, resp)
}

// FeedDiagnostics は1フィードの健全性・直近記事・直近フェッチログをまとめて返す。
// GET /admin/feeds/{feedID}/diagnostics
func (h *AdminHandler) FeedDiagnostics(w http.ResponseWriter, r *http.Request) {
	feedID, apiErr := feedIDParam(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	feed, err := h.feeds.GetFeed(r.Context(), feedID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if feed == nil {
		writeAPIError(w, model.NewFeedNotFoundError(feedID))
		return
	}

	items, err := h.items.GetItems(r.Context(), model.ItemQuery{
		Page:   1,
		Limit:  diagnosticsLogLimit,
		FeedID: feedID,
		Sort:   model.ItemSortRecent,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	logs, err := h.logs.RecentByFeed(r.Context(), feedID, diagnosticsLogLimit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := feedDiagnosticsResponse{
		Feed:          toFeedHealthInfo(feed, time.Now()),
		LatestItems:   make([]diagnosticItem, 0, len(items)),
		RecentFetches: make([]fetchLogResponse, 0, len(logs)),
	}
	for i := range items {
		resp.LatestItems = append(resp.LatestItems, diagnosticItem{
			ID:        items[i].ID,
			Title:     items[i].Title,
			Published: items[i].Published,
			IsNew:     items[i].IsNew,
		})
	}
	for _, log := range logs {
		if lr := toFetchLogResponse(log); lr != nil {
			resp.RecentFetches = append(resp.RecentFetches, *lr)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// RunMaintenance はデータベース保守と劣化判定を即時実行する。
// POST /admin/maintenance/run
func (h *AdminHandler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if err := h.maint.RunOnce(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := h.maint.RunDegradation(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, maintenanceRunResponse{
		Status:     "completed",
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// DBStats はデータベースのサイズと各テーブルの行数を返す。
// GET /admin/db-stats
func (h *AdminHandler) DBStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.DBStats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dbStatsResponse{
		SizeBytes:  stats.SizeBytes,
		TotalFeeds: stats.TotalFeeds,
		TotalItems: stats.TotalItems,
		TotalLogs:  stats.TotalLogs,
	})
}

// toFeedHealthInfo はmodel.Feedから健全性ビューに変換する。
func toFeedHealthInfo(feed *model.Feed, now time.Time) feedHealthInfo {
	info := feedHealthInfo{
		ID:                feed.ID,
		Name:              feed.Name,
		URL:               feed.URL,
		Enabled:           feed.Enabled,
		IntervalSeconds:   feed.IntervalSeconds,
		Status:            string(feed.LastFetchStatus),
		Degraded:          feed.Degraded,
		LastFetchTime:     feed.LastFetchTime,
		ConsecutiveErrors: feed.ConsecutiveErrors,
		BackoffMultiplier: feed.BackoffMultiplier,
		LastPublishedTime: feed.LastPublishedTime,
	}
	if feed.LastFetchTime != nil {
		hours := now.Sub(*feed.LastFetchTime).Hours()
		rounded := math.Round(hours*100) / 100
		info.HoursSinceFetch = &rounded
	}
	return info
}
