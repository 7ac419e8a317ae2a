package fetch

import (
	"bytes"
	"encoding/json"
	"strings"

	"golang.org/x/net/html"
)

// xmlFeedTags はXML系フィードの判定に使うタグ。いずれかが含まれればフィードとみなす。
var xmlFeedTags = []string{"<rss", "<feed", "<channel", "<?xml", "<rdf:"}

// feedLinkTypes はHTML内のalternateリンクとして受理するフィードのMIMEタイプ。
var feedLinkTypes = map[string]bool{
	"application/rss+xml":   true,
	"application/atom+xml":  true,
	"application/feed+json": true,
	"application/json":      true,
}

// IsValidFeedContent は内容がRSS/Atom/JSONフィードらしいかを判定する。
// XML系はタグの存在、JSON系はversionまたはitemsキーを持つオブジェクトかで判定する。
func IsValidFeedContent(body []byte) bool {
	if len(body) == 0 {
		return false
	}

	lowered := strings.ToLower(string(body))
	for _, tag := range xmlFeedTags {
		if strings.Contains(lowered, tag) {
			return true
		}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &doc); err == nil {
			if _, ok := doc["version"]; ok {
				return true
			}
			if _, ok := doc["items"]; ok {
				return true
			}
		}
	}

	return false
}

// DetectFeedInHTML はHTML内のフィード自動発見リンクを探し、最初のhrefを返す。
// rel="alternate" かつフィード系MIMEタイプの<link>を属性順に関係なく検出する。
// 見つからない場合は空文字列を返す。
func DetectFeedInHTML(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))

	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if !bytes.Equal(name, []byte("link")) || !hasAttr {
				continue
			}

			var rel, typ, href string
			for {
				key, val, more := z.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					typ = strings.ToLower(strings.TrimSpace(string(val)))
				case "href":
					href = strings.TrimSpace(string(val))
				}
				if !more {
					break
				}
			}

			if href != "" && feedLinkTypes[typ] && relContainsAlternate(rel) {
				return href
			}
		}
	}
}

// relContainsAlternate はrel属性の空白区切りトークンにalternateが含まれるかを返す。
func relContainsAlternate(rel string) bool {
	for _, token := range strings.Fields(rel) {
		if token == "alternate" {
			return true
		}
	}
	return false
}
