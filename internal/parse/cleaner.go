package parse

import (
	"net/url"
	"regexp"
	"strings"
)

// Cleaner はリンク先ドメイン固有のメタ情報除去を行う。
type Cleaner interface {
	CleanTitle(title string) string
	CleanSummary(summary string) string
}

// cleaners は整形対象のドメインとCleanerの対応表。
// リンクのホスト名がドメインと一致するか、そのサブドメインの場合に適用される。
var cleaners = map[string]Cleaner{
	"reddit.com": redditCleaner{},
}

// cleanerForLink はリンクのホスト名に対応するCleanerを返す。
// 対応するものがない場合はnilを返す。
func cleanerForLink(link string) Cleaner {
	if link == "" {
		return nil
	}
	u, err := url.Parse(link)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for domain, c := range cleaners {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return c
		}
	}
	return nil
}

var (
	redditTitleRE   = regexp.MustCompile(`(?i)\s*\[link\]\s*\[comments\]`)
	redditSummaryRE = regexp.MustCompile(`(?is)submitted by.*?\[.*?\]\s*\[.*?\]`)
)

// redditCleaner はredditのフィードが記事本文に埋め込むメタ情報を除去する。
// タイトル末尾の「[link] [comments]」と概要の「submitted by …」フッターが対象。
type redditCleaner struct{}

func (redditCleaner) CleanTitle(title string) string {
	return strings.TrimSpace(redditTitleRE.ReplaceAllString(title, ""))
}

func (redditCleaner) CleanSummary(summary string) string {
	return strings.TrimSpace(redditSummaryRE.ReplaceAllString(summary, ""))
}

var _ Cleaner = redditCleaner{}
