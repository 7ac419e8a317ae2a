package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/feeder/internal/model"
)

// SQLiteFetchLogRepo はSQLiteを使用したフェッチログリポジトリ。
type SQLiteFetchLogRepo struct {
	db *sql.DB
}

// NewSQLiteFetchLogRepo はSQLiteFetchLogRepoを生成する。
func NewSQLiteFetchLogRepo(db *sql.DB) *SQLiteFetchLogRepo {
	return &SQLiteFetchLogRepo{db: db}
}

// LogFetch はフェッチ結果を1行追記し、採番されたIDをlogに書き戻す。
func (r *SQLiteFetchLogRepo) LogFetch(ctx context.Context, log *model.FetchLog) error {
	if log.FetchTime.IsZero() {
		log.FetchTime = time.Now()
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO fetchlog (feed_id, status_code, items_found, items_new, error_message, fetch_time, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.FeedID, log.StatusCode, log.ItemsFound, log.ItemsNew,
		log.ErrorMessage, timeToNS(log.FetchTime), log.DurationMS)
	if err != nil {
		return fmt.Errorf("フェッチログの追記に失敗しました: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("フェッチログIDの取得に失敗しました: %w", err)
	}
	log.ID = id

	return nil
}

// RecentByFeed は指定フィードの直近のログをfetch_time降順で返す。
func (r *SQLiteFetchLogRepo) RecentByFeed(ctx context.Context, feedID int64, limit int) ([]*model.FetchLog, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, feed_id, status_code, items_found, items_new, error_message, fetch_time, duration_ms
		 FROM fetchlog WHERE feed_id = ?
		 ORDER BY fetch_time DESC, id DESC LIMIT ?`,
		feedID, limit)
	if err != nil {
		return nil, fmt.Errorf("フェッチログの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var logs []*model.FetchLog
	for rows.Next() {
		log, err := scanFetchLog(rows)
		if err != nil {
			return nil, fmt.Errorf("フェッチログ行のスキャンに失敗しました: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フェッチログの走査に失敗しました: %w", err)
	}

	return logs, nil
}

// PruneOlderThan はfetch_timeがageより古いログを削除し、件数を返す。
func (r *SQLiteFetchLogRepo) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := timeToNS(time.Now().Add(-age))

	res, err := r.db.ExecContext(ctx, `DELETE FROM fetchlog WHERE fetch_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("フェッチログの削除に失敗しました: %w", err)
	}
	return res.RowsAffected()
}

func scanFetchLog(row rowScanner) (*model.FetchLog, error) {
	log := &model.FetchLog{}
	var fetchTime int64

	err := row.Scan(
		&log.ID, &log.FeedID, &log.StatusCode, &log.ItemsFound, &log.ItemsNew,
		&log.ErrorMessage, &fetchTime, &log.DurationMS,
	)
	if err != nil {
		return nil, err
	}

	log.FetchTime = nsToTime(fetchTime)
	return log, nil
}

var _ FetchLogRepository = (*SQLiteFetchLogRepo)(nil)
