package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feeder/internal/middleware"
	"github.com/hitoshi/feeder/internal/model"
)

const (
	// defaultItemsPerPage は記事一覧の1ページあたりのデフォルト件数。
	defaultItemsPerPage = 20
	// maxItemsPerPage は記事一覧の1ページあたりの上限件数。
	maxItemsPerPage = 100
	// maxSearchLength は検索語の最大文字数。超過分は黙って切り捨てる。
	maxSearchLength = 200
)

// paginationInfo はページネーションのメタ情報。
type paginationInfo struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// listMeta は一覧レスポンスの集計情報。
type listMeta struct {
	Total int64 `json:"total"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIError は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIError(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeFeedNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidParameter:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeFeedLimitReached:
		return http.StatusConflict
	case model.ErrCodeImportFailed:
		return http.StatusUnprocessableEntity
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// feedIDParam はパスパラメータfeedIDを正のint64として解析する。
func feedIDParam(r *http.Request) (int64, *model.APIError) {
	raw := chi.URLParam(r, "feedID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.NewInvalidParameterError("feedID")
	}
	return id, nil
}

// parseItemQuery は記事一覧系エンドポイント共通のクエリパラメータを解析する。
// page（1以上）、limit（1〜100）、feed_id（正の整数）、search、sortを受け付ける。
func parseItemQuery(r *http.Request) (model.ItemQuery, *model.APIError) {
	q := model.ItemQuery{
		Page:  1,
		Limit: defaultItemsPerPage,
		Sort:  model.ItemSortRecent,
	}
	query := r.URL.Query()

	if raw := query.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return q, model.NewInvalidParameterError("page")
		}
		q.Page = page
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxItemsPerPage {
			return q, model.NewInvalidParameterError("limit")
		}
		q.Limit = limit
	}

	if raw := query.Get("feed_id"); raw != "" {
		feedID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || feedID <= 0 {
			return q, model.NewInvalidParameterError("feed_id")
		}
		q.FeedID = feedID
	}

	q.Search = normalizeSearch(query.Get("search"))
	q.Sort = model.ParseItemSort(query.Get("sort"))

	return q, nil
}

// normalizeSearch は検索語の前後の空白を除去し、上限文字数に切り詰める。
func normalizeSearch(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > maxSearchLength {
		return string(runes[:maxSearchLength])
	}
	return s
}

// totalPages は総件数とページサイズから総ページ数を計算する。
func totalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}
