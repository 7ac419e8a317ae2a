// Package model はドメインモデルを定義する。
package model

import "time"

// Item は正規化済みの記事を表す。
type Item struct {
	ID        int64
	FeedID    int64
	Title     string
	Link      string
	Published *time.Time
	Author    string
	Summary   string // HTMLタグ除去済み
	Thumbnail string
	GUID      string
	CreatedAt time.Time
	IsNew     bool
}

// ItemWithFeed は記事と所属フィードの表示情報を結合したモデル。
// feedテーブルとJOINして取得される。
type ItemWithFeed struct {
	Item
	FeedName string
	FeedURL  string
}

// ParsedItem はパーサーが生成した未保存の記事データを表す。
// ジョブランナーがパース後にItemRepositoryへ渡す。
type ParsedItem struct {
	GUID      string
	Title     string
	Link      string
	Author    string
	Summary   string // HTMLタグ除去済み
	Thumbnail string
	Published *time.Time
}

// ItemSort は記事一覧の並び順を表す。
type ItemSort string

const (
	// ItemSortRecent は公開日時の降順。
	ItemSortRecent ItemSort = "recent"
	// ItemSortOldest は公開日時の昇順。
	ItemSortOldest ItemSort = "oldest"
	// ItemSortTitle はタイトルの辞書順。
	ItemSortTitle ItemSort = "title"
	// ItemSortFeed はフィード名順。
	ItemSortFeed ItemSort = "feed"
)

// ParseItemSort は文字列を並び順に変換する。未知の値はrecentにフォールバックする。
func ParseItemSort(s string) ItemSort {
	switch ItemSort(s) {
	case ItemSortRecent, ItemSortOldest, ItemSortTitle, ItemSortFeed:
		return ItemSort(s)
	default:
		return ItemSortRecent
	}
}

// ItemQuery は記事一覧の検索条件を表す。
type ItemQuery struct {
	Page   int
	Limit  int
	FeedID int64 // 0は全フィード
	Search string
	Sort   ItemSort
}
