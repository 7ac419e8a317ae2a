package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// SubscriptionConfirmer はWebSub購読の検証とトークン解決のインターフェース。
type SubscriptionConfirmer interface {
	// ConfirmSubscription はハブからの検証リクエストを購読状態と照合する。
	ConfirmSubscription(token, mode, topic string, leaseSeconds int) bool
	// FeedForToken はコールバックトークンから対象フィードを引く。
	FeedForToken(token string) (int64, bool)
}

// WebSubHandler はWebSubハブからのコールバックを処理するHTTPハンドラー。
type WebSubHandler struct {
	subs  SubscriptionConfirmer
	sched Refresher
}

// NewWebSubHandler はWebSubHandlerを生成する。
func NewWebSubHandler(subs SubscriptionConfirmer, sched Refresher) *WebSubHandler {
	return &WebSubHandler{subs: subs, sched: sched}
}

// VerifyCallback はハブからの購読検証リクエストを処理する。
// 既知のトークンとトピックに一致すればchallengeをそのままエコーし、
// 一致しなければ404を返してハブに購読の放棄を伝える。
// GET /websub/callback/{token}
func (h *WebSubHandler) VerifyCallback(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	query := r.URL.Query()

	mode := query.Get("hub.mode")
	topic := query.Get("hub.topic")
	challenge := query.Get("hub.challenge")
	leaseSeconds, _ := strconv.Atoi(query.Get("hub.lease_seconds"))

	if mode == "denied" {
		h.subs.ConfirmSubscription(token, mode, topic, leaseSeconds)
		w.WriteHeader(http.StatusOK)
		return
	}

	if !h.subs.ConfirmSubscription(token, mode, topic, leaseSeconds) || challenge == "" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// ContentPing はハブからのコンテンツ更新通知を処理する。
// 通知ボディは検証せず、対象フィードの即時フェッチをスケジューラーに依頼する。
// POST /websub/callback/{token}
func (h *WebSubHandler) ContentPing(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	feedID, ok := h.subs.FeedForToken(token)
	if !ok {
		http.NotFound(w, r)
		return
	}

	io.Copy(io.Discard, r.Body)
	h.sched.Refresh(feedID)

	w.WriteHeader(http.StatusNoContent)
}
