package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/feeder/internal/model"
)

// FeedReader はフィードハンドラーが必要とするリポジトリインターフェース。
type FeedReader interface {
	// GetFeed は指定IDのフィードを取得する。見つからない場合はnilを返す。
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	// GetFeeds はフィード一覧をID昇順で返す。
	GetFeeds(ctx context.Context, enabledOnly bool) ([]*model.Feed, error)
}

// Refresher は手動リフレッシュの予約インターフェース。
type Refresher interface {
	// Refresh は指定フィードの即時フェッチを1回予約する。
	// 同じフィードのジョブが未完了の場合は予約せずfalseを返す。
	Refresh(feedID int64) bool
}

// FeedHandler はフィード参照と手動リフレッシュのHTTPハンドラー。
type FeedHandler struct {
	feeds FeedReader
	items ItemReader
	sched Refresher
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(feeds FeedReader, items ItemReader, sched Refresher) *FeedHandler {
	return &FeedHandler{
		feeds: feeds,
		items: items,
		sched: sched,
	}
}

// --- レスポンス型 ---

// feedResponse はフィード1件のAPIレスポンス。健全性フィールドを含む。
type feedResponse struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	URL               string     `json:"url"`
	Enabled           bool       `json:"enabled"`
	IntervalSeconds   int        `json:"interval_seconds"`
	LastFetchStatus   string     `json:"last_fetch_status"`
	LastFetchTime     *time.Time `json:"last_fetch_time"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	BackoffMultiplier float64    `json:"backoff_multiplier"`
	Degraded          bool       `json:"degraded"`
	LastPublishedTime *time.Time `json:"last_published_time"`
	CreatedAt         time.Time  `json:"created_at"`
}

// feedListResponse はフィード一覧のAPIレスポンス。
type feedListResponse struct {
	Feeds      []feedResponse `json:"feeds"`
	Pagination paginationInfo `json:"pagination"`
}

// feedItemStats はフィード詳細に付与する記事の集計情報。
type feedItemStats struct {
	TotalItems   int64      `json:"total_items"`
	LastItemTime *time.Time `json:"last_item_time"`
}

// feedDetailResponse はフィード詳細のAPIレスポンス。
type feedDetailResponse struct {
	feedResponse
	Stats feedItemStats `json:"stats"`
}

// refreshResponse は手動リフレッシュ受付のAPIレスポンス。
type refreshResponse struct {
	FeedID int64 `json:"feed_id"`
	Queued bool  `json:"queued"`
}

// ListFeeds はフィード一覧を返す。
// GET /api/feeds?search&enabled_only
func (h *FeedHandler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	enabledOnly := true
	if raw := r.URL.Query().Get("enabled_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeAPIError(w, model.NewInvalidParameterError("enabled_only"))
			return
		}
		enabledOnly = v
	}

	feeds, err := h.feeds.GetFeeds(r.Context(), enabledOnly)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// 検索語はフィード名とURLの部分一致で絞り込む
	if search := strings.TrimSpace(r.URL.Query().Get("search")); search != "" {
		lowered := strings.ToLower(search)
		filtered := feeds[:0]
		for _, f := range feeds {
			if strings.Contains(strings.ToLower(f.Name), lowered) ||
				strings.Contains(strings.ToLower(f.URL), lowered) {
				filtered = append(filtered, f)
			}
		}
		feeds = filtered
	}

	resp := feedListResponse{
		Feeds: make([]feedResponse, 0, len(feeds)),
		Pagination: paginationInfo{
			Page:       1,
			Limit:      len(feeds),
			TotalPages: 1,
		},
	}
	for _, f := range feeds {
		resp.Feeds = append(resp.Feeds, toFeedResponse(f))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetFeed はフィード詳細を記事の集計情報付きで返す。
// GET /api/feeds/{feedID}
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
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

	total, err := h.items.CountItems(r.Context(), feedID, "")
	if err != nil {
		handleServiceError(w, err)
		return
	}

	latest, err := h.items.GetItems(r.Context(), model.ItemQuery{
		Page:   1,
		Limit:  1,
		FeedID: feedID,
		Sort:   model.ItemSortRecent,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := feedDetailResponse{
		feedResponse: toFeedResponse(feed),
		Stats:        feedItemStats{TotalItems: total},
	}
	if len(latest) > 0 {
		resp.Stats.LastItemTime = latest[0].Published
	}

	writeJSON(w, http.StatusOK, resp)
}

// RefreshFeed は指定フィードの即時フェッチを予約する。
// 実行中のジョブがある場合も202を返す（取得は既に進行している）。
// POST /api/feeds/{feedID}/refresh
func (h *FeedHandler) RefreshFeed(w http.ResponseWriter, r *http.Request) {
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

	queued := h.sched.Refresh(feedID)
	writeJSON(w, http.StatusAccepted, refreshResponse{FeedID: feedID, Queued: queued})
}

// toFeedResponse はmodel.FeedからAPIレスポンスに変換する。
func toFeedResponse(feed *model.Feed) feedResponse {
	return feedResponse{
		ID:                feed.ID,
		Name:              feed.Name,
		URL:               feed.URL,
		Enabled:           feed.Enabled,
		IntervalSeconds:   feed.IntervalSeconds,
		LastFetchStatus:   string(feed.LastFetchStatus),
		LastFetchTime:     feed.LastFetchTime,
		ConsecutiveErrors: feed.ConsecutiveErrors,
		BackoffMultiplier: feed.BackoffMultiplier,
		Degraded:          feed.Degraded,
		LastPublishedTime: feed.LastPublishedTime,
		CreatedAt:         feed.CreatedAt,
	}
}
