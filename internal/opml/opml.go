// Package opml はOPML 2.0形式のフィード一覧のインポートとエクスポートを提供する。
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/hitoshi/feeder/internal/model"
)

// defaultFeedName は名前属性を持たないoutlineに与えるフィード名。
const defaultFeedName = "Unnamed Feed"

// Outline はOPMLから取り出したフィード1件を表す。
type Outline struct {
	Name string
	URL  string
}

type opmlDoc struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    opmlHead `xml:"head"`
	Body    opmlBody `xml:"body"`
}

type opmlHead struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

type opmlBody struct {
	Outlines []opmlOutline `xml:"outline"`
}

type opmlOutline struct {
	Type     string        `xml:"type,attr,omitempty"`
	Text     string        `xml:"text,attr,omitempty"`
	Title    string        `xml:"title,attr,omitempty"`
	Name     string        `xml:"name,attr,omitempty"`
	XMLURL   string        `xml:"xmlUrl,attr,omitempty"`
	URL      string        `xml:"url,attr,omitempty"`
	Children []opmlOutline `xml:"outline"`
}

// Parse はOPML文書からフィード一覧を取り出す。
// フォルダによる入れ子は再帰的にたどり、平坦なリストとして返す。
// xmlUrl属性もurl属性も持たないoutline（フォルダ）はスキップする。
func Parse(r io.Reader) ([]Outline, error) {
	var doc opmlDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("OPMLの解析に失敗しました: %w", err)
	}

	var outlines []Outline
	collectOutlines(doc.Body.Outlines, &outlines)
	return outlines, nil
}

// collectOutlines はoutlineツリーを深さ優先でたどり、フィードを収集する。
func collectOutlines(nodes []opmlOutline, out *[]Outline) {
	for _, node := range nodes {
		url := node.XMLURL
		if url == "" {
			url = node.URL
		}
		if url != "" {
			*out = append(*out, Outline{
				Name: outlineName(node),
				URL:  url,
			})
		}
		collectOutlines(node.Children, out)
	}
}

// outlineName はoutlineの表示名をtitle、text、nameの優先順で決める。
func outlineName(node opmlOutline) string {
	if node.Title != "" {
		return node.Title
	}
	if node.Text != "" {
		return node.Text
	}
	if node.Name != "" {
		return node.Name
	}
	return defaultFeedName
}

// Generate はフィード一覧からOPML 2.0文書を生成する。
func Generate(feeds []model.Feed) ([]byte, error) {
	doc := opmlDoc{
		Version: "2.0",
		Head: opmlHead{
			Title:       "Feeder Export",
			DateCreated: time.Now().UTC().Format(time.RFC3339),
		},
	}

	for _, feed := range feeds {
		doc.Body.Outlines = append(doc.Body.Outlines, opmlOutline{
			Type:   "rss",
			Text:   feed.Name,
			Title:  feed.Name,
			XMLURL: feed.URL,
		})
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("OPMLの生成に失敗しました: %w", err)
	}

	return append([]byte(xml.Header), body...), nil
}
