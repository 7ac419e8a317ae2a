package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/feeder/internal/model"
)

// ItemReader は記事ハンドラーが必要とするリポジトリインターフェース。
type ItemReader interface {
	// GetItems は検索条件に一致する記事をフィード情報付きで返す。
	GetItems(ctx context.Context, q model.ItemQuery) ([]model.ItemWithFeed, error)
	// CountItems は検索条件に一致する記事数を返す。
	CountItems(ctx context.Context, feedID int64, search string) (int64, error)
}

// ItemHandler は記事参照のHTTPハンドラー。
type ItemHandler struct {
	items ItemReader
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(items ItemReader) *ItemHandler {
	return &ItemHandler{items: items}
}

// --- レスポンス型 ---

// itemResponse は記事1件のAPIレスポンス。
type itemResponse struct {
	ID        int64      `json:"id"`
	FeedID    int64      `json:"feed_id"`
	Title     string     `json:"title"`
	Link      string     `json:"link"`
	Published *time.Time `json:"published"`
	Author    string     `json:"author"`
	Summary   string     `json:"summary"`
	Thumbnail string     `json:"thumbnail"`
	GUID      string     `json:"guid"`
	IsNew     bool       `json:"is_new"`
	FeedName  string     `json:"feed_name"`
	FeedURL   string     `json:"feed_url"`
}

// itemListResponse は記事一覧のAPIレスポンス。
type itemListResponse struct {
	Items      []itemResponse `json:"items"`
	Pagination paginationInfo `json:"pagination"`
	Meta       listMeta       `json:"meta"`
}

// ListItems は記事一覧をフィルタとページネーション付きで返す。
// GET /api/items?page&limit&feed_id&search&sort
func (h *ItemHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseItemQuery(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	h.respondItemList(w, r, q)
}

// CountItems は検索条件に一致する記事数を返す。
// GET /api/items/count?feed_id&search
func (h *ItemHandler) CountItems(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseItemQuery(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	total, err := h.items.CountItems(r.Context(), q.FeedID, q.Search)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listMeta{Total: total})
}

// ListFeedItems は指定フィードの記事一覧を返す。
// GET /api/feeds/{feedID}/items?page&limit&search&sort
func (h *ItemHandler) ListFeedItems(w http.ResponseWriter, r *http.Request) {
	feedID, apiErr := feedIDParam(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	q, apiErr := parseItemQuery(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	q.FeedID = feedID

	// 単一フィード内でフィード名順は意味を持たないため公開日時順に置き換える
	if q.Sort == model.ItemSortFeed {
		q.Sort = model.ItemSortRecent
	}

	h.respondItemList(w, r, q)
}

// respondItemList は記事一覧とページネーション情報をまとめて書き込む。
func (h *ItemHandler) respondItemList(w http.ResponseWriter, r *http.Request, q model.ItemQuery) {
	items, err := h.items.GetItems(r.Context(), q)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	total, err := h.items.CountItems(r.Context(), q.FeedID, q.Search)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	pages := totalPages(total, q.Limit)
	resp := itemListResponse{
		Items: make([]itemResponse, 0, len(items)),
		Pagination: paginationInfo{
			Page:       q.Page,
			Limit:      q.Limit,
			TotalPages: pages,
			HasNext:    q.Page < pages,
			HasPrev:    q.Page > 1,
		},
		Meta: listMeta{Total: total},
	}
	for i := range items {
		resp.Items = append(resp.Items, toItemResponse(&items[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// toItemResponse はmodel.ItemWithFeedからAPIレスポンスに変換する。
func toItemResponse(item *model.ItemWithFeed) itemResponse {
	return itemResponse{
		ID:        item.ID,
		FeedID:    item.FeedID,
		Title:     item.Title,
		Link:      item.Link,
		Published: item.Published,
		Author:    item.Author,
		Summary:   item.Summary,
		Thumbnail: item.Thumbnail,
		GUID:      item.GUID,
		IsNew:     item.IsNew,
		FeedName:  item.FeedName,
		FeedURL:   item.FeedURL,
	}
}
