// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/feeder/internal/model"
)

// FeedRepository はフィードデータの永続化インターフェース。
type FeedRepository interface {
	// AddFeed はURLをキーにフィードをUPSERTする。
	// 既存フィードのinterval_secondsが異なる場合は更新し、行を返す。
	AddFeed(ctx context.Context, name, url string, intervalSeconds int) (*model.Feed, error)

	// GetFeed は指定IDのフィードを取得する。見つからない場合はnilを返す。
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)

	// GetFeedByURL はURLでフィードを検索する。見つからない場合はnilを返す。
	GetFeedByURL(ctx context.Context, url string) (*model.Feed, error)

	// GetFeeds はフィード一覧をID昇順で返す。
	// enabledOnlyがtrueの場合は有効なフィードのみを返す。
	GetFeeds(ctx context.Context, enabledOnly bool) ([]*model.Feed, error)

	// AcquireFeedLock はis_fetchingフラグをアトミックにtest-and-setする。
	// すでにロックが保持されている場合はfalseを返す。
	AcquireFeedLock(ctx context.Context, id int64) (bool, error)

	// ReleaseFeedLock はis_fetchingフラグを無条件にクリアする。
	ReleaseFeedLock(ctx context.Context, id int64) error

	// ResetStaleLocks は全フィードのis_fetchingフラグをクリアし、件数を返す。
	// プロセス異常終了で残ったロックを起動時に回収する。
	ResetStaleLocks(ctx context.Context) (int64, error)

	// UpdateFeedStatus はフェッチ結果のステータスを記録しlast_fetch_timeを進める。
	// etag/lastModifiedは空文字列の場合は既存値を維持する。
	UpdateFeedStatus(ctx context.Context, id int64, status model.FetchStatus, etag, lastModified string) error

	// UpdateAdaptiveBackoff は連続エラー数とバックオフ係数を更新する。
	// 成功時: errors=0, multiplier=1.0。
	// 失敗時: errors+=1, multiplier=min(4.0, 1+0.5*errors)。
	// 更新後の値を返す。
	UpdateAdaptiveBackoff(ctx context.Context, id int64, success bool) (int, float64, error)

	// UpdateFeedPublishedTime は上流の最新公開時刻を記録する。
	// 記録した時刻がTTL以内の場合のみdegradedフラグをクリアする。
	UpdateFeedPublishedTime(ctx context.Context, id int64, t time.Time) error

	// CheckAndDegradeFeeds はlast_published_timeがTTLより古い有効フィードに
	// degradedフラグを立て、遷移した件数を返す。
	CheckAndDegradeFeeds(ctx context.Context, ttl time.Duration) (int64, error)

	// CountFeeds はフィード総数を返す。
	CountFeeds(ctx context.Context) (int64, error)

	// GetFeedStats はフィードごとの記事数と直近フェッチ結果を返す。
	GetFeedStats(ctx context.Context) ([]model.FeedStats, error)
}

// ItemRepository は記事データの永続化インターフェース。
// guidによる重複排除と上限管理を提供する。
type ItemRepository interface {
	// AddItems は記事群を単一トランザクションで保存し、新規挿入数を返す。
	// 同一guidの行が存在する場合は黙って重複排除する。
	// 保存後に総数が上限を超えた場合、published（次いでcreated_at）が
	// 古い順に上限まで削除する。途中のエラーはバッチ全体をロールバックする。
	AddItems(ctx context.Context, feedID int64, items []model.ParsedItem) (int, error)

	// GetItems は検索条件に一致する記事をフィード情報付きで返す。
	// searchはFTSインデックス（MATCH）を使用し、FTSが利用できない場合は
	// title/summary/authorの部分一致にフォールバックする。
	GetItems(ctx context.Context, q model.ItemQuery) ([]model.ItemWithFeed, error)

	// CountItems は検索条件に一致する記事数を返す。
	CountItems(ctx context.Context, feedID int64, search string) (int64, error)

	// MarkOldItemsAsRead はcreated_atがageより古い記事のis_newフラグを
	// クリアし、件数を返す。
	MarkOldItemsAsRead(ctx context.Context, age time.Duration) (int64, error)
}

// FetchLogRepository はフェッチログの永続化インターフェース。追記専用。
type FetchLogRepository interface {
	// LogFetch はフェッチ結果を1行追記する。
	LogFetch(ctx context.Context, log *model.FetchLog) error

	// RecentByFeed は指定フィードの直近のログをfetch_time降順で返す。
	RecentByFeed(ctx context.Context, feedID int64, limit int) ([]*model.FetchLog, error)

	// PruneOlderThan はfetch_timeがageより古いログを削除し、件数を返す。
	PruneOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// MaintenanceRepository はデータベースの保守操作インターフェース。
type MaintenanceRepository interface {
	// Vacuum はデータベースファイルを再構成して空き領域を回収する。
	Vacuum(ctx context.Context) error

	// Analyze は統計情報を更新してクエリプランナを支援する。
	Analyze(ctx context.Context) error

	// DBStats はデータベースのサイズと各テーブルの行数を返す。
	DBStats(ctx context.Context) (*model.DBStats, error)
}
