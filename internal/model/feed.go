// Package model はドメインモデルを定義する。
package model

import "time"

// Feed は購読中のフィード（RSS/Atom/JSON Feed）を表す。
type Feed struct {
	ID                int64
	Name              string
	URL               string
	IntervalSeconds   int
	Enabled           bool
	ETag              string
	LastModified      string
	LastFetchStatus   FetchStatus
	LastFetchTime     *time.Time
	IsFetching        bool
	ConsecutiveErrors int
	BackoffMultiplier float64
	LastPublishedTime *time.Time
	Degraded          bool
	CreatedAt         time.Time
}

// EffectiveInterval はバックオフ係数を適用した実効ポーリング間隔を返す。
func (f *Feed) EffectiveInterval() time.Duration {
	base := time.Duration(f.IntervalSeconds) * time.Second
	return time.Duration(float64(base) * f.BackoffMultiplier)
}

// FetchStatus はフィードの直近フェッチ結果を表す。
type FetchStatus string

const (
	// FetchStatusPending は初回フェッチ前の状態。
	FetchStatusPending FetchStatus = "pending"
	// FetchStatusSuccess はフェッチと保存が成功した状態。
	FetchStatusSuccess FetchStatus = "success"
	// FetchStatusNotModified はサーバーが304を返した状態。
	FetchStatusNotModified FetchStatus = "not_modified"
	// FetchStatusNoItems はフェッチ成功だがアイテムが得られなかった状態。
	FetchStatusNoItems FetchStatus = "no_items"
	// FetchStatusError はフェッチまたは保存が失敗した状態。
	FetchStatusError FetchStatus = "error"
)

// FeedStats はフィードごとの集計情報を表す。
type FeedStats struct {
	FeedID    int64
	Name      string
	URL       string
	ItemCount int64
	LastFetch *FetchLog
}
