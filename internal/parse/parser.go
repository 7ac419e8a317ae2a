// Package parse はフェッチ済みのフィード本文を正規化済み記事へ変換する。
// RSS/Atom/JSON Feedをgofeedで統一的にパースし、HTML除去、
// サムネイル抽出、guid補完、ソース固有の整形を行う。
package parse

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"github.com/zeebo/xxh3"

	"github.com/hitoshi/feeder/internal/model"
)

// maxItemsPerParse は1回のパースで取り込む記事数の上限。
const maxItemsPerParse = 100

var (
	spaceRE  = regexp.MustCompile(`\s+`)
	imgSrcRE = regexp.MustCompile(`(?i)<img[^>]+src="([^"]+)"`)
)

// Result はフィード1件のパース結果を表す。
type Result struct {
	Title string
	Link  string
	Items []model.ParsedItem
}

// NewestPublished は記事群の中で最も新しい公開時刻を返す。
// 公開時刻を持つ記事がない場合はnilを返す。
func (r *Result) NewestPublished() *time.Time {
	var newest *time.Time
	for i := range r.Items {
		t := r.Items[i].Published
		if t == nil {
			continue
		}
		if newest == nil || t.After(*newest) {
			newest = t
		}
	}
	return newest
}

// Parser はフィード本文の正規化を行う。複数goroutineから同時に使用できる。
type Parser struct {
	policy *bluemonday.Policy
}

// New はParserの新しいインスタンスを生成する。
func New() *Parser {
	return &Parser{policy: bluemonday.StrictPolicy()}
}

// Parse はフィード本文をパースし正規化済み記事のリストを返す。
// 記事は先頭から最大100件まで取り込む。本文が空、またはどの形式としても
// パースできない場合はエラーを返す。
func (p *Parser) Parse(feedID int64, body []byte) (*Result, error) {
	if len(body) == 0 {
		return nil, errors.New("フィード本文が空です")
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗しました: %w", err)
	}

	entries := parsed.Items
	if len(entries) > maxItemsPerParse {
		entries = entries[:maxItemsPerParse]
	}

	result := &Result{
		Title: strings.TrimSpace(parsed.Title),
		Link:  strings.TrimSpace(parsed.Link),
		Items: make([]model.ParsedItem, 0, len(entries)),
	}
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		result.Items = append(result.Items, p.normalizeItem(feedID, entry))
	}
	return result, nil
}

// normalizeItem はgofeedの記事1件をmodel.ParsedItemへ正規化する。
func (p *Parser) normalizeItem(feedID int64, entry *gofeed.Item) model.ParsedItem {
	item := model.ParsedItem{
		Title: strings.TrimSpace(entry.Title),
		Link:  strings.TrimSpace(entry.Link),
		GUID:  strings.TrimSpace(entry.GUID),
	}

	// 著者情報
	if entry.Author != nil {
		item.Author = entry.Author.Name
	}
	if item.Author == "" && len(entry.Authors) > 0 && entry.Authors[0] != nil {
		item.Author = entry.Authors[0].Name
	}
	item.Author = strings.TrimSpace(item.Author)

	// 概要はdescription優先、なければ本文を使用する
	raw := entry.Description
	if raw == "" {
		raw = entry.Content
	}
	item.Summary = p.cleanHTML(raw)

	// 公開日時はpublished優先、なければupdatedをUTCで記録する
	if entry.PublishedParsed != nil {
		t := entry.PublishedParsed.UTC()
		item.Published = &t
	} else if entry.UpdatedParsed != nil {
		t := entry.UpdatedParsed.UTC()
		item.Published = &t
	}

	item.Thumbnail = strings.TrimSpace(extractThumbnail(entry))

	// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
	if item.Link == "" && (strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
		item.Link = item.GUID
	}

	if c := cleanerForLink(item.Link); c != nil {
		item.Title = c.CleanTitle(item.Title)
		item.Summary = c.CleanSummary(item.Summary)
	}

	if item.Title == "" {
		item.Title = "No title"
	}
	if item.GUID == "" {
		item.GUID = dedupHash(feedID, item.Title, item.Link)
	}
	return item
}

// cleanHTML はHTMLタグを除去し、エンティティを復号し、空白を正規化する。
func (p *Parser) cleanHTML(s string) string {
	if s == "" {
		return ""
	}
	clean := p.policy.Sanitize(s)
	clean = html.UnescapeString(clean)
	return strings.TrimSpace(spaceRE.ReplaceAllString(clean, " "))
}

// extractThumbnail はサムネイルURLを優先順に探索する。
// media:thumbnail、media:content、enclosure、imageの順に調べ、
// いずれも無い場合は本文中の最初の<img>タグから取り出す。
func extractThumbnail(entry *gofeed.Item) string {
	if media, ok := entry.Extensions["media"]; ok {
		for _, key := range []string{"thumbnail", "content"} {
			for _, extn := range media[key] {
				if u := extn.Attrs["url"]; u != "" {
					return u
				}
			}
		}
	}
	for _, enc := range entry.Enclosures {
		if enc != nil && enc.URL != "" {
			return enc.URL
		}
	}
	if entry.Image != nil && entry.Image.URL != "" {
		return entry.Image.URL
	}
	if m := imgSrcRE.FindStringSubmatch(entry.Content); len(m) > 1 {
		return m[1]
	}
	return ""
}

// dedupHash はguidを持たない記事の重複排除キーを導出する。
func dedupHash(feedID int64, title, link string) string {
	h := xxh3.Hash128([]byte(fmt.Sprintf("%d:%s:%s", feedID, title, link)))
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], h.Lo)
	binary.LittleEndian.PutUint64(b[8:], h.Hi)
	return hex.EncodeToString(b[:])
}
