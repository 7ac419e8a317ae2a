package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/feeder/internal/model"
)

// minIntervalSeconds はポーリング間隔の下限。これより短い指定は切り上げる。
const minIntervalSeconds = 60

// feedColumns はfeedテーブルのSELECT列。scanFeedと対で使う。
const feedColumns = `id, name, url, interval_seconds, enabled, etag, last_modified,
       last_fetch_status, last_fetch_time, is_fetching, consecutive_errors,
       backoff_multiplier, last_published_time, degraded, created_at`

// SQLiteFeedRepo はSQLiteを使用したフィードリポジトリ。
type SQLiteFeedRepo struct {
	db *sql.DB
	// ttl はdegradedフラグの判定期間。この期間内の公開時刻のみがフラグを解除する。
	ttl time.Duration
}

// NewSQLiteFeedRepo はSQLiteFeedRepoを生成する。
func NewSQLiteFeedRepo(db *sql.DB, ttl time.Duration) *SQLiteFeedRepo {
	return &SQLiteFeedRepo{db: db, ttl: ttl}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*model.Feed, error) {
	feed := &model.Feed{}
	var lastFetchTime, lastPublishedTime sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&feed.ID, &feed.Name, &feed.URL, &feed.IntervalSeconds, &feed.Enabled,
		&feed.ETag, &feed.LastModified, &feed.LastFetchStatus, &lastFetchTime,
		&feed.IsFetching, &feed.ConsecutiveErrors, &feed.BackoffMultiplier,
		&lastPublishedTime, &feed.Degraded, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	feed.LastFetchTime = nsToTimePtr(lastFetchTime)
	feed.LastPublishedTime = nsToTimePtr(lastPublishedTime)
	feed.CreatedAt = nsToTime(createdAt)

	return feed, nil
}

// AddFeed はURLをキーにフィードをUPSERTする。
// 既存行のintervalが異なる場合は更新する。名前は初回登録時の値を維持する。
func (r *SQLiteFeedRepo) AddFeed(ctx context.Context, name, url string, intervalSeconds int) (*model.Feed, error) {
	if intervalSeconds < minIntervalSeconds {
		intervalSeconds = minIntervalSeconds
	}

	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO feed (name, url, interval_seconds, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET interval_seconds = excluded.interval_seconds
		 RETURNING id`,
		name, url, intervalSeconds, timeToNS(time.Now()),
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("フィードのUPSERTに失敗しました: %w", err)
	}

	return r.GetFeed(ctx, id)
}

// GetFeed は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *SQLiteFeedRepo) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feed WHERE id = ?`, id)

	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// GetFeedByURL はURLでフィードを検索する。見つからない場合はnilを返す。
func (r *SQLiteFeedRepo) GetFeedByURL(ctx context.Context, url string) (*model.Feed, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feed WHERE url = ?`, url)

	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("URLによるフィードの検索に失敗しました: %w", err)
	}
	return feed, nil
}

// GetFeeds はフィード一覧をID昇順で返す。
func (r *SQLiteFeedRepo) GetFeeds(ctx context.Context, enabledOnly bool) ([]*model.Feed, error) {
	query := `SELECT ` + feedColumns + ` FROM feed`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("フィード行のスキャンに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィード一覧の走査に失敗しました: %w", err)
	}

	return feeds, nil
}

// AcquireFeedLock はis_fetchingフラグをアトミックにtest-and-setする。
// WHERE句の条件付きUPDATEにより、複数ワーカーから同時に呼ばれても
// ちょうど1つだけが成功する。
func (r *SQLiteFeedRepo) AcquireFeedLock(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE feed SET is_fetching = 1 WHERE id = ? AND is_fetching = 0`, id)
	if err != nil {
		return false, fmt.Errorf("フィードロックの取得に失敗しました: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("フィードロックの結果確認に失敗しました: %w", err)
	}

	return affected == 1, nil
}

// ReleaseFeedLock はis_fetchingフラグを無条件にクリアする。
func (r *SQLiteFeedRepo) ReleaseFeedLock(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE feed SET is_fetching = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("フィードロックの解放に失敗しました: %w", err)
	}
	return nil
}

// ResetStaleLocks は全フィードのis_fetchingフラグをクリアする。
// 前回プロセスの異常終了で残ったロックを起動時に回収するために使う。
func (r *SQLiteFeedRepo) ResetStaleLocks(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE feed SET is_fetching = 0 WHERE is_fetching = 1`)
	if err != nil {
		return 0, fmt.Errorf("残留ロックのクリアに失敗しました: %w", err)
	}
	return res.RowsAffected()
}

// UpdateFeedStatus はフェッチ結果のステータスを記録しlast_fetch_timeを進める。
// キャッシュバリデータは空文字列の場合のみ既存値を維持する。
func (r *SQLiteFeedRepo) UpdateFeedStatus(ctx context.Context, id int64, status model.FetchStatus, etag, lastModified string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feed SET
		    last_fetch_status = ?,
		    last_fetch_time = ?,
		    etag = CASE WHEN ? = '' THEN etag ELSE ? END,
		    last_modified = CASE WHEN ? = '' THEN last_modified ELSE ? END
		 WHERE id = ?`,
		status, timeToNS(time.Now()), etag, etag, lastModified, lastModified, id)
	if err != nil {
		return fmt.Errorf("フィードステータスの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateAdaptiveBackoff は連続エラー数とバックオフ係数を更新し、更新後の値を返す。
func (r *SQLiteFeedRepo) UpdateAdaptiveBackoff(ctx context.Context, id int64, success bool) (int, float64, error) {
	var errors int
	var multiplier float64

	err := r.db.QueryRowContext(ctx,
		`UPDATE feed SET
		    consecutive_errors = CASE WHEN ? THEN 0 ELSE consecutive_errors + 1 END,
		    backoff_multiplier = CASE WHEN ? THEN 1.0
		                         ELSE MIN(4.0, 1.0 + 0.5 * (consecutive_errors + 1)) END
		 WHERE id = ?
		 RETURNING consecutive_errors, backoff_multiplier`,
		success, success, id,
	).Scan(&errors, &multiplier)
	if err == sql.ErrNoRows {
		return 0, 0, fmt.Errorf("バックオフ更新対象のフィードが存在しません: %d", id)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("バックオフの更新に失敗しました: %w", err)
	}

	return errors, multiplier, nil
}

// UpdateFeedPublishedTime は上流の最新公開時刻を記録する。
// 既存値より新しい場合のみ進め、記録した時刻がTTL以内の場合のみ
// degradedフラグをクリアする。
func (r *SQLiteFeedRepo) UpdateFeedPublishedTime(ctx context.Context, id int64, t time.Time) error {
	ns := timeToNS(t)
	freshCutoff := timeToNS(time.Now().Add(-r.ttl))

	_, err := r.db.ExecContext(ctx,
		`UPDATE feed SET
		    last_published_time = MAX(COALESCE(last_published_time, 0), ?),
		    degraded = CASE WHEN ? >= ? THEN 0 ELSE degraded END
		 WHERE id = ?`,
		ns, ns, freshCutoff, id)
	if err != nil {
		return fmt.Errorf("公開時刻の更新に失敗しました: %w", err)
	}
	return nil
}

// CheckAndDegradeFeeds はlast_published_timeがTTLより古い有効フィードに
// degradedフラグを立て、遷移した件数を返す。
// 公開時刻が未記録のフィードは判定対象外。
func (r *SQLiteFeedRepo) CheckAndDegradeFeeds(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := timeToNS(time.Now().Add(-ttl))

	res, err := r.db.ExecContext(ctx,
		`UPDATE feed SET degraded = 1
		 WHERE enabled = 1 AND degraded = 0
		   AND last_published_time IS NOT NULL
		   AND last_published_time < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("劣化判定の実行に失敗しました: %w", err)
	}
	return res.RowsAffected()
}

// CountFeeds はフィード総数を返す。
func (r *SQLiteFeedRepo) CountFeeds(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feed`).Scan(&count); err != nil {
		return 0, fmt.Errorf("フィード数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// GetFeedStats はフィードごとの記事数と直近フェッチ結果を返す。
func (r *SQLiteFeedRepo) GetFeedStats(ctx context.Context) ([]model.FeedStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT f.id, f.name, f.url, COUNT(i.id)
		 FROM feed f
		 LEFT JOIN item i ON i.feed_id = f.id
		 GROUP BY f.id
		 ORDER BY f.name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("フィード統計の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var stats []model.FeedStats
	index := make(map[int64]int)
	for rows.Next() {
		var s model.FeedStats
		if err := rows.Scan(&s.FeedID, &s.Name, &s.URL, &s.ItemCount); err != nil {
			return nil, fmt.Errorf("フィード統計行のスキャンに失敗しました: %w", err)
		}
		index[s.FeedID] = len(stats)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィード統計の走査に失敗しました: %w", err)
	}

	// フィードごとの最新ログを1クエリでまとめて引く。
	logRows, err := r.db.QueryContext(ctx,
		`SELECT fl.id, fl.feed_id, fl.status_code, fl.items_found, fl.items_new,
		        fl.error_message, fl.fetch_time, fl.duration_ms
		 FROM fetchlog fl
		 JOIN (SELECT feed_id, MAX(id) AS max_id FROM fetchlog GROUP BY feed_id) last
		   ON last.max_id = fl.id`)
	if err != nil {
		return nil, fmt.Errorf("直近フェッチログの取得に失敗しました: %w", err)
	}
	defer logRows.Close()

	for logRows.Next() {
		log, err := scanFetchLog(logRows)
		if err != nil {
			return nil, fmt.Errorf("フェッチログ行のスキャンに失敗しました: %w", err)
		}
		if i, ok := index[log.FeedID]; ok {
			stats[i].LastFetch = log
		}
	}
	if err := logRows.Err(); err != nil {
		return nil, fmt.Errorf("直近フェッチログの走査に失敗しました: %w", err)
	}

	return stats, nil
}

var _ FeedRepository = (*SQLiteFeedRepo)(nil)
