// Package fetch は条件付きGETとリトライを備えたフィード取得クライアントを提供する。
package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

const (
	feedAccept = "application/rss+xml, application/atom+xml, application/feed+json, application/xml, text/xml, application/json, */*"
	// errorSnippetRunes はエラーメッセージに含めるボディ先頭の文字数。
	errorSnippetRunes = 200
)

// CooldownSetter は429応答のRetry-Afterをホスト単位の待機期限に変換する。
type CooldownSetter interface {
	SetCooldown(host string, delay time.Duration)
}

// FetchResult はフェッチ1回の結果を表す。
// エラーはこの構造体で運び、呼び出し側に例外として伝播しない。
// StatusCodeが0の場合はトランスポートエラー、408はタイムアウト。
type FetchResult struct {
	StatusCode   int
	Body         []byte
	ETag         string
	LastModified string
	ErrorMessage string
}

// IsNotModified はサーバーが304を返したかを返す。
func (r *FetchResult) IsNotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// IsSuccess はステータスが2xxかを返す。
func (r *FetchResult) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Options はClientの動作パラメータ。
type Options struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int64
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Client はリトライとバックオフを備えたフィード取得クライアント。
// gzip/deflate/brotliを受理して手動でデコードし、HTTP/2を優先する。
type Client struct {
	httpClient  *http.Client
	cooldowns   CooldownSetter
	logger      *slog.Logger
	userAgent   string
	maxBodySize int64
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewClient はClientを生成する。
func NewClient(cooldowns CooldownSetter, logger *slog.Logger, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 5 * 1024 * 1024
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 800 * time.Millisecond
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: true,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		cooldowns:   cooldowns,
		logger:      logger,
		userAgent:   opts.UserAgent,
		maxBodySize: opts.MaxBodySize,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
	}
}

// Fetch はURLをフェッチし、結果をFetchResultで返す。エラーは返さない。
// ネットワーク障害・タイムアウト・429・5xxは指数バックオフで再試行する。
// etag/lastModifiedが空でない場合は条件付きGETヘッダとして送信する。
func (c *Client) Fetch(ctx context.Context, rawURL, etag, lastModified string) *FetchResult {
	host := HostOf(rawURL)

	var last *FetchResult
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoffDelay(attempt - 1)
			c.logger.Debug("フェッチを再試行します",
				slog.String("url", rawURL),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Int("prev_status", last.StatusCode),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &FetchResult{StatusCode: 0, ErrorMessage: "リクエスト中断: " + ctx.Err().Error()}
			case <-timer.C:
			}
		}

		result, retryable := c.doRequest(ctx, rawURL, etag, lastModified, host)
		if !retryable {
			return result
		}
		last = result
	}

	return last
}

// doRequest は1回のHTTPリクエストを実行し、結果と再試行可否を返す。
func (c *Client) doRequest(ctx context.Context, rawURL, etag, lastModified, host string) (*FetchResult, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &FetchResult{StatusCode: 0, ErrorMessage: "リクエスト作成失敗: " + err.Error()}, false
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", feedAccept)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &FetchResult{StatusCode: http.StatusRequestTimeout, ErrorMessage: "リクエストタイムアウト"}, true
		}
		return &FetchResult{StatusCode: 0, ErrorMessage: "リクエスト失敗: " + err.Error()}, true
	}
	defer resp.Body.Close()

	result := &FetchResult{
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	// 304はボディを持たない
	if resp.StatusCode == http.StatusNotModified {
		return result, false
	}

	body, err := c.readBody(resp)
	if err != nil {
		return &FetchResult{StatusCode: 0, ErrorMessage: "レスポンス読み取り失敗: " + err.Error()}, true
	}

	switch {
	case result.IsSuccess():
		result.Body = body
		return result, false

	case resp.StatusCode == http.StatusTooManyRequests:
		if delay, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			c.cooldowns.SetCooldown(host, delay)
			c.logger.Warn("429応答によりクールダウンを設定します",
				slog.String("host", host),
				slog.Duration("delay", delay),
			)
		}
		result.ErrorMessage = httpErrorMessage(resp.StatusCode, body)
		return result, true

	case resp.StatusCode >= 500:
		result.ErrorMessage = httpErrorMessage(resp.StatusCode, body)
		return result, true

	default:
		// その他の4xxは再試行しない
		result.ErrorMessage = httpErrorMessage(resp.StatusCode, body)
		return result, false
	}
}

// readBody はボディを上限付きで読み取り、Content-Encodingに応じてデコードする。
func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, err
	}
	return decodeContent(raw, resp.Header.Get("Content-Encoding"), c.maxBodySize)
}

// decodeContent は圧縮済みボディをデコードする。展開後もlimitで打ち切る。
func decodeContent(raw []byte, encoding string, limit int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, nil

	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzipデコードに失敗しました: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(io.LimitReader(zr, limit))

	case "deflate":
		// zlibラップとrawデフレートの両方が流通している。先頭バイトで判別する。
		if len(raw) > 0 && raw[0] == 0x78 {
			if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
				defer zr.Close()
				if out, err := io.ReadAll(io.LimitReader(zr, limit)); err == nil {
					return out, nil
				}
			}
		}
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		out, err := io.ReadAll(io.LimitReader(fr, limit))
		if err != nil {
			return nil, fmt.Errorf("deflateデコードに失敗しました: %w", err)
		}
		return out, nil

	case "br":
		out, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(raw)), limit))
		if err != nil {
			return nil, fmt.Errorf("brotliデコードに失敗しました: %w", err)
		}
		return out, nil

	default:
		return raw, nil
	}
}

// backoffDelay はretry回目（1始まり）の再試行前の待機時間を返す。
// min(maxDelay, baseDelay·2^(retry-1)) に [0.1, 0.3) のジッタを乗せる。
func (c *Client) backoffDelay(retry int) time.Duration {
	delay := c.baseDelay << (retry - 1)
	if delay <= 0 || delay > c.maxDelay {
		delay = c.maxDelay
	}
	jitter := 0.1 + rand.Float64()*0.2
	return time.Duration(float64(delay) * (1 + jitter))
}

// parseRetryAfter はRetry-Afterヘッダを待機時間に変換する。
// 秒数（整数または小数）とHTTP日付の両形式を受理する。
func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay <= 0 {
			return 0, false
		}
		return delay, true
	}

	return 0, false
}

func httpErrorMessage(status int, body []byte) string {
	snippet := []rune(string(body))
	if len(snippet) > errorSnippetRunes {
		snippet = snippet[:errorSnippetRunes]
	}
	return fmt.Sprintf("HTTP %d: %s", status, string(snippet))
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// HostOf はURLからホスト名（ポートなし）を取り出す。
// レートリミッタとクールダウンのキーはこの値で統一する。
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
