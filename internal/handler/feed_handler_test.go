package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feeder/internal/model"
)

// --- モック定義 ---

// mockFeedReader はFeedReaderのモック実装。
type mockFeedReader struct {
	getFeedFn  func(ctx context.Context, id int64) (*model.Feed, error)
	getFeedsFn func(ctx context.Context, enabledOnly bool) ([]*model.Feed, error)
}

func (m *mockFeedReader) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	if m.getFeedFn != nil {
		return m.getFeedFn(ctx, id)
	}
	return nil, nil
}

func (m *mockFeedReader) GetFeeds(ctx context.Context, enabledOnly bool) ([]*model.Feed, error) {
	if m.getFeedsFn != nil {
		return m.getFeedsFn(ctx, enabledOnly)
	}
	return []*model.Feed{}, nil
}

// mockRefresher はRefresherのモック実装。
type mockRefresher struct {
	refreshFn func(feedID int64) bool
}

func (m *mockRefresher) Refresh(feedID int64) bool {
	if m.refreshFn != nil {
		return m.refreshFn(feedID)
	}
	return true
}

// --- テストヘルパー ---

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// testFeed はテスト用のフィードを生成するヘルパー。
func testFeed(id int64, name, url string) *model.Feed {
	return &model.Feed{
		ID:                id,
		Name:              name,
		URL:               url,
		IntervalSeconds:   600,
		Enabled:           true,
		LastFetchStatus:   model.FetchStatusSuccess,
		BackoffMultiplier: 1.0,
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
	}
}

// --- GET /api/feeds テスト ---

func TestFeedHandler_ListFeeds_Success(t *testing.T) {
	var receivedEnabledOnly bool
	feeds := &mockFeedReader{
		getFeedsFn: func(ctx context.Context, enabledOnly bool) ([]*model.Feed, error) {
			receivedEnabledOnly = enabledOnly
			return []*model.Feed{
				testFeed(1, "ブログA", "https://a.example.com/feed.xml"),
				testFeed(2, "ブログB", "https://b.example.com/feed.xml"),
			}, nil
		},
	}

	h := NewFeedHandler(feeds, &mockItemReader{}, &mockRefresher{})

	req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	w := httptest.NewRecorder()

	h.ListFeeds(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	// enabled_only未指定時は有効なフィードのみ返す
	if !receivedEnabledOnly {
		t.Error("expected enabledOnly to default to true")
	}

	var result struct {
		Feeds      []map[string]any `json:"feeds"`
		Pagination paginationInfo   `json:"pagination"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(result.Feeds) != 2 {
		t.Errorf("feeds length = %d, want 2", len(result.Feeds))
	}
	if result.Pagination.Page != 1 {
		t.Errorf("page = %d, want 1", result.Pagination.Page)
	}
	if result.Pagination.TotalPages != 1 {
		t.Errorf("total_pages = %d, want 1", result.Pagination.TotalPages)
	}
}

func TestFeedHandler_ListFeeds_EnabledOnlyFalse(t *testing.T) {
	var receivedEnabledOnly bool
	feeds := &mockFeedReader{
		getFeedsFn: func(ctx context.Context, enabledOnly bool) ([]*model.Feed, error) {
			receivedEnabledOnly = enabledOnly
			return []*model.Feed{}, nil
		},
	}

	h := NewFeedHandler(feeds, &mockItemReader{}, &mockRefresher{})

	req := httptest.NewRequest(http.MethodGet, "/api/feeds?enabled_only=false", nil)
	w := httptest.NewRecorder()

	h.ListFeeds(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if receivedEnabledOnly {
		t.Error("expected enabledOnly to be false")
	}
}

func TestFeedHandler_ListFeeds_InvalidEnabledOnly_ReturnsBadRequest(t *testing.T) {
	h := NewFeedHandler(&mockFeedReader{}, &mockItemReader{}, &mockRefresher{})

	req := httptest.NewRequest(http.MethodGet, "/api/feeds?enabled_only=maybe", nil)
	w := httptest.NewRecorder()

	h.ListFeeds(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != model.ErrCodeInvalidParameter {
		t.Errorf("code = %q, want %q", errResp["code"], model.ErrCodeInvalidParameter)
	}
}

func TestFeedHandler_ListFeeds_SearchFiltersByNameAndURL(t *testing.T) {
	feeds := &mockFeedReader{
		getFeedsFn: func(ctx context.Context, enabledOnly bool) ([]*model.Feed, error) {
			return []*model.Feed{
				testFeed(1, "Tech Blog", "https://a.example.com/feed.xml"),
				testFeed(2, "料理ブログ", "https://techcrunch.example.com/feed.xml"),
				testFeed(3, "旅行記", "https://travel.example.com/feed.xml"),
			}, nil
		},
	}

	h := NewFeedHandler(feeds, &mockItemReader{}, &mockRefresher{})

	// 大文字小文字を区別せず、名前とURLの両方に一致させる
	req := httptest.NewRequest(http.MethodGet, "/api/feeds?search=TECH", nil)
	w := httptest.NewRecorder()

	h.ListFeeds(w, req)

	var result struct {
		Feeds []map[string]any `json:"feeds"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(result.Feeds) != 2 {
		t.Fatalf("feeds length = %d, want 2", len(result.Feeds))
	}
	if result.Feeds[0]["name"] != "Tech Blog" {
		t.Errorf("feeds[0].name = %v, want %q", result.Feeds[0]["name"], "Tech Blog")
	}
	if result.Feeds[1]["name"] != "料理ブログ" {
		t.Errorf("feeds[1].name = %v, want %q", result.Feeds[1]["name"], "料理ブログ")
	}
}

func TestFeedHandler_ListFeeds_RepositoryError_ReturnsInternalServerError(t *testing.T) {
	feeds := &mockFeedReader{
		getFeedsFn: func(ctx context.Context, enabledOnly bool) ([]*model.Feed, error) {
			return nil, errors.New("database error")
		},
	}

	h := NewFeedHandler(feeds, &mockItemReader{}, &mockRefresher{})

	req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	w := httptest.NewRecorder()

	h.ListFeeds(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
}

// --- GET /api/feeds/{feedID} テスト ---

func TestFeedHandler_GetFeed_Success(t *testing.T) {
	lastPublished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	feeds := &mockFeedReader{
		getFeedFn: func(ctx context.Context, id int64) (*model.Feed, error) {
			if id != 3 {
				t.Errorf("id = %d, want 3", id)
			}
			return testFeed(3, "テストブログ", "https://blog.example.com/feed.xml"), nil
		},
	}
	items := &mockItemReader{
		countItemsFn: func(ctx context.Context, feedID int64, search string) (int64, error) {
			return 12, nil
		},
		getItemsFn: func(ctx context.Context, q model.ItemQuery) ([]model.ItemWithFeed, error) {
			if q.Limit != 1 {
				t.Errorf("limit = %d, want 1", q.Limit)
			}
			if q.Sort != model.ItemSortRecent {
				t.Errorf("sort = %q, want %q", q.Sort, model.ItemSortRecent)
			}
			return []model.ItemWithFeed{testItemWithFeed(100, "最新記事", lastPublished)}, nil
		},
	}

	h := NewFeedHandler(feeds, items, &mockRefresher{})

	req := httptest.NewRequest(http.MethodGet, "/api/feeds/3", nil)
	req = withChiURLParam(req, "feedID", "3")
	w := httptest.NewRecorder()

	h.GetFeed(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var result struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Stats struct {
			TotalItems   int64      `json:"total_items"`
			LastItemTime *time.Time `json:"last_item_time"`
		} `json:"stats"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if result.ID != 3 {
		t.Errorf("id = %d, want 3", result.ID)
	}
	if result.Stats.TotalItems != 12 {
		t.Errorf("stats.total_items = %d, want 12", result.Stats.TotalItems)
	}
	if result.Stats.LastItemTime == nil || !result.Stats.LastItemTime.Equal(lastPublished) {
		t.Errorf("stats.last_item_time = %v, want %v", result.Stats.LastItemTime, lastPublished)
	}
}

func TestFeedHandler_GetFeed_NotFound_ReturnsNotFound(t *testing.T) {
	h := NewFeedHandler(&mockFeedReader{}, &mockItemReader{}, &mockRefresher{})

	req := httptest.NewRequest(http.MethodGet, "/api/feeds/999", nil)
	req = withChiURLParam(req, "feedID", "999")
	w := httptest.NewRecorder()

	h.GetFeed(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != model.ErrCodeFeedNotFound {
		t.Errorf("code = %q, want %q", errResp["code"], model.ErrCodeFeedNotFound)
	}
}

func TestFeedHandler_GetFeed_InvalidID_ReturnsBadRequest(t *testing.T) {
	h := NewFeedHandler(&mockFeedReader{}, &mockItemReader{}, &mockRefresher{})

	req := httptest.NewRequest(http.MethodGet, "/api/feeds/abc", nil)
	req = withChiURLParam(req, "feedID", "abc")
	w := httptest.NewRecorder()

	h.GetFeed(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

// --- POST /api/feeds/{feedID}/refresh テスト ---

func TestFeedHandler_RefreshFeed_Queued(t *testing.T) {
	feeds := &mockFeedReader{
		getFeedFn: func(ctx context.Context, id int64) (*model.Feed, error) {
			return testFeed(3, "テストブログ", "https://blog.example.com/feed.xml"), nil
		},
	}
	var refreshedID int64
	sched := &mockRefresher{
		refreshFn: func(feedID int64) bool {
			refreshedID = feedID
			return true
		},
	}

	h := NewFeedHandler(feeds, &mockItemReader{}, sched)

	req := httptest.NewRequest(http.MethodPost, "/api/feeds/3/refresh", nil)
	req = withChiURLParam(req, "feedID", "3")
	w := httptest.NewRecorder()

	h.RefreshFeed(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if refreshedID != 3 {
		t.Errorf("refreshedID = %d, want 3", refreshedID)
	}

	var result refreshResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.FeedID != 3 {
		t.Errorf("feed_id = %d, want 3", result.FeedID)
	}
	if !result.Queued {
		t.Error("expected queued to be true")
	}
}

func TestFeedHandler_RefreshFeed_AlreadyFetching_StillAccepted(t *testing.T) {
	feeds := &mockFeedReader{
		getFeedFn: func(ctx context.Context, id int64) (*model.Feed, error) {
			return testFeed(3, "テストブログ", "https://blog.example.com/feed.xml"), nil
		},
	}
	sched := &mockRefresher{
		refreshFn: func(feedID int64) bool { return false },
	}

	h := NewFeedHandler(feeds, &mockItemReader{}, sched)

	req := httptest.NewRequest(http.MethodPost, "/api/feeds/3/refresh", nil)
	req = withChiURLParam(req, "feedID", "3")
	w := httptest.NewRecorder()

	h.RefreshFeed(w, req)

	// 実行中でも取得は進行しているため202を返す
	resp := w.Result()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	var result refreshResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Queued {
		t.Error("expected queued to be false")
	}
}

func TestFeedHandler_RefreshFeed_NotFound_ReturnsNotFound(t *testing.T) {
	refreshCalled := false
	sched := &mockRefresher{
		refreshFn: func(feedID int64) bool {
			refreshCalled = true
			return true
		},
	}

	h := NewFeedHandler(&mockFeedReader{}, &mockItemReader{}, sched)

	req := httptest.NewRequest(http.MethodPost, "/api/feeds/999/refresh", nil)
	req = withChiURLParam(req, "feedID", "999")
	w := httptest.NewRecorder()

	h.RefreshFeed(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if refreshCalled {
		t.Error("expected Refresh not to be called for missing feed")
	}
}
