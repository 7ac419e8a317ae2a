package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/feeder/internal/fetch"
)

// resolverAccept はフィード文書とHTMLページの両方を受け付ける。
const resolverAccept = "application/rss+xml, application/atom+xml, application/feed+json, application/xml, text/xml, text/html, */*"

// Resolver は登録時のフィードオートディスカバリを行う。
// 入力URLがHTMLページだった場合に<link rel="alternate">からフィードURLを検出する。
type Resolver struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	logger    *slog.Logger
}

// NewResolver はResolverを生成する。
// clientにはSSRF保護済みのHTTPクライアントを渡すこと。
func NewResolver(client *http.Client, userAgent string, maxBodyBytes int64, logger *slog.Logger) *Resolver {
	return &Resolver{
		client:    client,
		userAgent: userAgent,
		maxBody:   maxBodyBytes,
		logger:    logger,
	}
}

// Resolve はrawURLを1回だけ取得してフィードURLを決定する。
// 本文がフィードならrawURLをそのまま返し、HTMLならalternateリンクを探す。
// 取得や検出に失敗した場合もrawURLを返し、最終判定はポーリング側に委ねる。
func (r *Resolver) Resolve(ctx context.Context, rawURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return rawURL
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", resolverAccept)

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("オートディスカバリの取得に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return rawURL
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rawURL
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody))
	if err != nil {
		return rawURL
	}

	if fetch.IsValidFeedContent(body) {
		return rawURL
	}

	href := fetch.DetectFeedInHTML(body)
	if href == "" {
		return rawURL
	}

	// リダイレクト後の最終URLを基準に相対パスを解決する
	base := resp.Request.URL
	resolved := resolveHref(base, href)
	if resolved == "" {
		return rawURL
	}
	return resolved
}

// resolveHref はhrefをbaseからの相対参照として解決する。
// http/https以外に解決された場合は空文字を返す。
func resolveHref(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
