// Package model はドメインモデルを定義する。
package model

import "time"

// FetchLog はフェッチ1回ごとの追記専用レコードを表す。
// StatusCodeはHTTPステータス、トランスポートエラーは0、タイムアウトは408。
type FetchLog struct {
	ID           int64
	FeedID       int64
	StatusCode   int
	ItemsFound   int
	ItemsNew     int
	ErrorMessage string
	FetchTime    time.Time
	DurationMS   int64
}

// DBStats はデータベースの統計情報を表す。
type DBStats struct {
	SizeBytes  int64
	TotalFeeds int64
	TotalItems int64
	TotalLogs  int64
}
