package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/hitoshi/feeder/internal/model"
	"github.com/hitoshi/feeder/internal/opml"
)

// FeedRegistrar はフィード登録のインターフェース。
type FeedRegistrar interface {
	// Register はフィードを検証して登録し、スケジューラーに載せる。
	// intervalSecondsが0以下の場合はデフォルトの取得間隔を使う。
	Register(ctx context.Context, name, url string, intervalSeconds int) (*model.Feed, error)
}

// maxOPMLSize はインポートで受け付けるOPML文書の最大サイズ。
const maxOPMLSize = 1 << 20

// OPMLHandler はOPMLインポート・エクスポートのHTTPハンドラー。
type OPMLHandler struct {
	feeds     FeedReader
	registrar FeedRegistrar
}

// NewOPMLHandler はOPMLHandlerを生成する。
func NewOPMLHandler(feeds FeedReader, registrar FeedRegistrar) *OPMLHandler {
	return &OPMLHandler{feeds: feeds, registrar: registrar}
}

// importError はインポートに失敗したフィード1件の内訳。
type importError struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// importResponse はOPMLインポート結果のAPIレスポンス。
type importResponse struct {
	Total    int           `json:"total"`
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []importError `json:"errors,omitempty"`
}

// Export は登録済みの全フィードをOPML 2.0文書として出力する。
// GET /api/opml/export
func (h *OPMLHandler) Export(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.feeds.GetFeeds(r.Context(), false)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	entries := make([]model.Feed, 0, len(feeds))
	for _, f := range feeds {
		entries = append(entries, *f)
	}

	body, err := opml.Generate(entries)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="feeder.opml"`)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// Import はリクエストボディのOPML文書からフィードを一括登録する。
// 1件ごとの失敗はレスポンスのerrorsに記録して続行し、
// フィード数上限に達した時点で残りをスキップ扱いにする。
// POST /api/opml/import
func (h *OPMLHandler) Import(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxOPMLSize)
	defer body.Close()

	outlines, err := opml.Parse(body)
	if err != nil {
		writeAPIError(w, model.NewImportFailedError(err.Error()))
		return
	}
	if len(outlines) == 0 {
		writeAPIError(w, model.NewImportFailedError("フィードが見つかりません"))
		return
	}

	resp := importResponse{Total: len(outlines)}
	for i, outline := range outlines {
		_, err := h.registrar.Register(r.Context(), outline.Name, outline.URL, 0)
		if err == nil {
			resp.Imported++
			continue
		}

		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeFeedLimitReached {
			// 上限到達後は残り全件が同じ理由で失敗するため打ち切る
			resp.Skipped += len(outlines) - i
			resp.Errors = append(resp.Errors, importError{
				URL:    outline.URL,
				Reason: apiErr.Message,
			})
			break
		}

		resp.Skipped++
		resp.Errors = append(resp.Errors, importError{
			URL:    outline.URL,
			Reason: importErrorReason(err),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// importErrorReason はインポート失敗理由を利用者向けの文字列に変換する。
func importErrorReason(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return "内部エラーが発生しました。"
}
