// Package websub はWebSub（PubSubHubbub）によるフィード更新通知の購読を提供する。
// 購読はベストエフォートであり、失敗してもポーリングには影響しない。
package websub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"
)

// defaultLeaseSeconds は購読リクエストで要求するリース期間（24時間）。
const defaultLeaseSeconds = 86400

// Subscription はハブへの購読1件の状態を表す。
type Subscription struct {
	FeedID       int64
	Hub          string
	Topic        string
	Token        string
	LeaseSeconds int
	Verified     bool
	CreatedAt    time.Time
}

// DetectHub はフィードXMLからrel="hub"とrel="self"のリンクを探す。
// Atomの<link>とRSSに埋め込まれた<atom:link>の両方に対応する。
// 見つからなかった値は空文字で返す。
func DetectHub(body []byte) (hub, self string) {
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return hub, self
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		name, hasAttr := z.TagName()
		tag := string(name)
		if tag != "link" && !strings.HasSuffix(tag, ":link") {
			continue
		}
		if !hasAttr {
			continue
		}

		var rel, href string
		for {
			key, val, more := z.TagAttr()
			switch string(key) {
			case "rel":
				rel = string(val)
			case "href":
				href = string(val)
			}
			if !more {
				break
			}
		}

		switch strings.ToLower(rel) {
		case "hub":
			if hub == "" {
				hub = href
			}
		case "self":
			if self == "" {
				self = href
			}
		}

		if hub != "" && self != "" {
			return hub, self
		}
	}
}

// Subscriber はハブへの購読状態を管理する。
type Subscriber struct {
	client       *http.Client
	baseURL      string
	logger       *slog.Logger
	leaseSeconds int

	mu      sync.Mutex
	byToken map[string]*Subscription
	byFeed  map[int64]*Subscription
}

// New は新しいSubscriberを生成する。
// clientにはプライベートアドレスへの接続を拒否するHTTPクライアントを渡す。
func New(client *http.Client, baseURL string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		client:       client,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		logger:       logger,
		leaseSeconds: defaultLeaseSeconds,
		byToken:      make(map[string]*Subscription),
		byFeed:       make(map[int64]*Subscription),
	}
}

// InspectFeed はフェッチ済みのフィードXMLからハブを検出し、未購読であれば
// バックグラウンドで購読を開始する。購読失敗はログに記録するだけで呼び出し元には返さない。
func (s *Subscriber) InspectFeed(feedID int64, feedURL string, body []byte) {
	s.mu.Lock()
	_, exists := s.byFeed[feedID]
	s.mu.Unlock()
	if exists {
		return
	}

	hub, self := DetectHub(body)
	if hub == "" {
		return
	}

	topic := self
	if topic == "" {
		topic = feedURL
	}

	go func() {
		if err := s.Subscribe(context.Background(), feedID, hub, topic); err != nil {
			s.logger.Warn("WebSub購読に失敗しました",
				slog.Int64("feed_id", feedID),
				slog.String("hub", hub),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Subscribe はハブへ購読リクエストを送信する。
// 検証チャレンジに応答できるよう、送信前に購読をトークンで登録しておく。
func (s *Subscriber) Subscribe(ctx context.Context, feedID int64, hub, topic string) error {
	token := uuid.NewString()
	sub := &Subscription{
		FeedID:       feedID,
		Hub:          hub,
		Topic:        topic,
		Token:        token,
		LeaseSeconds: s.leaseSeconds,
		CreatedAt:    time.Now(),
	}

	s.mu.Lock()
	if _, exists := s.byFeed[feedID]; exists {
		s.mu.Unlock()
		return nil
	}
	s.byFeed[feedID] = sub
	s.byToken[token] = sub
	s.mu.Unlock()

	form := url.Values{
		"hub.mode":          {"subscribe"},
		"hub.topic":         {topic},
		"hub.callback":      {s.callbackURL(token)},
		"hub.verify":        {"sync"},
		"hub.lease_seconds": {strconv.Itoa(s.leaseSeconds)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hub, strings.NewReader(form.Encode()))
	if err != nil {
		s.remove(token)
		return fmt.Errorf("購読リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		s.remove(token)
		return fmt.Errorf("ハブへの購読リクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		s.remove(token)
		return fmt.Errorf("ハブが購読を受け付けませんでした: status=%d", resp.StatusCode)
	}

	s.logger.Info("WebSub購読リクエストを送信しました",
		slog.Int64("feed_id", feedID),
		slog.String("hub", hub),
		slog.String("topic", topic),
	)
	return nil
}

// ConfirmSubscription はハブからの検証リクエストを処理する。
// トークンとトピックが既知の購読と一致すればtrueを返し、ハンドラーはchallengeをエコーする。
// hub.mode=deniedの場合は購読を破棄する。
func (s *Subscriber) ConfirmSubscription(token, mode, topic string, leaseSeconds int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.byToken[token]
	if !ok {
		return false
	}

	switch mode {
	case "subscribe":
		if sub.Topic != topic {
			return false
		}
		sub.Verified = true
		if leaseSeconds > 0 {
			sub.LeaseSeconds = leaseSeconds
		}
		s.logger.Info("WebSub購読が検証されました",
			slog.Int64("feed_id", sub.FeedID),
			slog.String("topic", sub.Topic),
			slog.Int("lease_seconds", sub.LeaseSeconds),
		)
		return true
	case "unsubscribe":
		delete(s.byToken, token)
		delete(s.byFeed, sub.FeedID)
		return true
	case "denied":
		delete(s.byToken, token)
		delete(s.byFeed, sub.FeedID)
		s.logger.Warn("WebSub購読がハブに拒否されました",
			slog.Int64("feed_id", sub.FeedID),
			slog.String("topic", sub.Topic),
		)
		return false
	default:
		return false
	}
}

// FeedForToken はコンテンツ通知のトークンから対象フィードを引く。
func (s *Subscriber) FeedForToken(token string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.byToken[token]
	if !ok {
		return 0, false
	}
	return sub.FeedID, true
}

// Count は管理中の購読数を返す。
func (s *Subscriber) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byToken)
}

// callbackURL はトークンからコールバックURLを組み立てる。
func (s *Subscriber) callbackURL(token string) string {
	return fmt.Sprintf("%s/websub/callback/%s", s.baseURL, token)
}

// remove は購読を両方のインデックスから取り除く。
func (s *Subscriber) remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.byToken[token]
	if !ok {
		return
	}
	delete(s.byToken, token)
	delete(s.byFeed, sub.FeedID)
}
