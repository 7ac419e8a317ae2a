package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/maypok86/otter"

	"github.com/hitoshi/feeder/internal/model"
)

const (
	defaultItemLimit = 50
	maxItemLimit     = 200
)

// SQLiteItemRepo はSQLiteを使用した記事リポジトリ。
// 重複排除の正はguidのUNIQUE制約であり、recentキャッシュは
// 既知guidのINSERT発行を省略する最適化にすぎない。
type SQLiteItemRepo struct {
	db       *sql.DB
	maxItems int
	recent   otter.Cache[string, struct{}]
}

// NewSQLiteItemRepo はSQLiteItemRepoを生成する。
// maxItemsは記事総数の上限。0以下の場合は上限なしとして扱う。
func NewSQLiteItemRepo(db *sql.DB, maxItems int) *SQLiteItemRepo {
	capacity := maxItems
	if capacity < 16 {
		capacity = 16
	}
	cache, err := otter.MustBuilder[string, struct{}](capacity).
		Cost(func(_ string, _ struct{}) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("repository: guidキャッシュの生成に失敗しました: " + err.Error())
	}
	return &SQLiteItemRepo{db: db, maxItems: maxItems, recent: cache}
}

// AddItems は記事群を単一トランザクションで保存し、新規挿入数を返す。
// 同一guidの行はON CONFLICTで黙って重複排除する。保存後に総数が上限を
// 超えた場合、publishedが古い順（次いでcreated_at）に上限まで削除する。
func (r *SQLiteItemRepo) AddItems(ctx context.Context, feedID int64, items []model.ParsedItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	now := timeToNS(time.Now())
	inserted := make([]string, 0, len(items))

	for _, item := range items {
		if item.GUID == "" || r.recent.Has(item.GUID) {
			continue
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO item (feed_id, title, link, published, author, summary, thumbnail, guid, created_at, is_new)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			 ON CONFLICT(guid) DO NOTHING`,
			feedID, item.Title, item.Link, timePtrToNS(item.Published),
			item.Author, item.Summary, item.Thumbnail, item.GUID, now)
		if err != nil {
			return 0, fmt.Errorf("記事の挿入に失敗しました: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("記事挿入の結果確認に失敗しました: %w", err)
		}
		if affected == 1 {
			inserted = append(inserted, item.GUID)
		}
	}

	evicted, err := r.evictExcess(ctx, tx)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	// キャッシュの更新はコミット成功後に行う。同一バッチ内で挿入と削除が
	// 重なったguidはDelete側を後に適用し、DBの状態と一致させる。
	for _, guid := range inserted {
		r.recent.Set(guid, struct{}{})
	}
	for _, guid := range evicted {
		r.recent.Delete(guid)
	}

	return len(inserted), nil
}

// evictExcess は上限超過分の記事を削除し、削除した行のguidを返す。
func (r *SQLiteItemRepo) evictExcess(ctx context.Context, tx *sql.Tx) ([]string, error) {
	if r.maxItems <= 0 {
		return nil, nil
	}

	var total int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM item`).Scan(&total); err != nil {
		return nil, fmt.Errorf("記事総数の取得に失敗しました: %w", err)
	}
	excess := total - int64(r.maxItems)
	if excess <= 0 {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx,
		`DELETE FROM item WHERE id IN (
		    SELECT id FROM item ORDER BY published ASC, created_at ASC, id ASC LIMIT ?
		 ) RETURNING guid`, excess)
	if err != nil {
		return nil, fmt.Errorf("超過記事の削除に失敗しました: %w", err)
	}
	defer rows.Close()

	var evicted []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, fmt.Errorf("削除記事guidのスキャンに失敗しました: %w", err)
		}
		evicted = append(evicted, guid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("削除記事の走査に失敗しました: %w", err)
	}

	return evicted, nil
}

// GetItems は検索条件に一致する記事をフィード情報付きで返す。
// searchはFTSインデックスのMATCHで評価し、FTSクエリが失敗した場合は
// title/summary/authorの部分一致にフォールバックする。
func (r *SQLiteItemRepo) GetItems(ctx context.Context, q model.ItemQuery) ([]model.ItemWithFeed, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultItemLimit
	}
	if limit > maxItemLimit {
		limit = maxItemLimit
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	items, err := r.queryItems(ctx, q, limit, offset, false)
	if err != nil && q.Search != "" {
		return r.queryItems(ctx, q, limit, offset, true)
	}
	return items, err
}

func (r *SQLiteItemRepo) queryItems(ctx context.Context, q model.ItemQuery, limit, offset int, useLike bool) ([]model.ItemWithFeed, error) {
	query := `SELECT i.id, i.feed_id, i.title, i.link, i.published, i.author,
	       i.summary, i.thumbnail, i.guid, i.created_at, i.is_new, f.name, f.url
	FROM item i
	JOIN feed f ON f.id = i.feed_id`

	where, args := itemFilters(q.FeedID, q.Search, useLike)
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY ` + itemOrderClause(q.Sort) + ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []model.ItemWithFeed
	for rows.Next() {
		var it model.ItemWithFeed
		var published sql.NullInt64
		var createdAt int64
		if err := rows.Scan(
			&it.ID, &it.FeedID, &it.Title, &it.Link, &published, &it.Author,
			&it.Summary, &it.Thumbnail, &it.GUID, &createdAt, &it.IsNew,
			&it.FeedName, &it.FeedURL,
		); err != nil {
			return nil, fmt.Errorf("記事行のスキャンに失敗しました: %w", err)
		}
		it.Published = nsToTimePtr(published)
		it.CreatedAt = nsToTime(createdAt)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}

	return items, nil
}

// CountItems は検索条件に一致する記事数を返す。
func (r *SQLiteItemRepo) CountItems(ctx context.Context, feedID int64, search string) (int64, error) {
	count, err := r.countItems(ctx, feedID, search, false)
	if err != nil && search != "" {
		return r.countItems(ctx, feedID, search, true)
	}
	return count, err
}

func (r *SQLiteItemRepo) countItems(ctx context.Context, feedID int64, search string, useLike bool) (int64, error) {
	query := `SELECT COUNT(*) FROM item i`
	where, args := itemFilters(feedID, search, useLike)
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("記事数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// MarkOldItemsAsRead はcreated_atがageより古い記事のis_newフラグをクリアする。
func (r *SQLiteItemRepo) MarkOldItemsAsRead(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := timeToNS(time.Now().Add(-age))

	res, err := r.db.ExecContext(ctx,
		`UPDATE item SET is_new = 0 WHERE is_new = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("is_newフラグのクリアに失敗しました: %w", err)
	}
	return res.RowsAffected()
}

func itemFilters(feedID int64, search string, useLike bool) ([]string, []any) {
	var where []string
	var args []any

	if feedID > 0 {
		where = append(where, `i.feed_id = ?`)
		args = append(args, feedID)
	}
	if search != "" {
		if useLike {
			where = append(where, `(i.title LIKE ? OR i.summary LIKE ? OR i.author LIKE ?)`)
			pattern := `%` + search + `%`
			args = append(args, pattern, pattern, pattern)
		} else {
			where = append(where, `i.id IN (SELECT rowid FROM item_fts WHERE item_fts MATCH ?)`)
			args = append(args, ftsPhrase(search))
		}
	}

	return where, args
}

// ftsPhrase は検索文字列をFTS5のフレーズクエリとして引用する。
// 利用者の入力がクエリ構文として解釈されることを防ぐ。
func ftsPhrase(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func itemOrderClause(sort model.ItemSort) string {
	switch sort {
	case model.ItemSortOldest:
		return `i.published ASC, i.id ASC`
	case model.ItemSortTitle:
		return `i.title COLLATE NOCASE ASC, i.id DESC`
	case model.ItemSortFeed:
		return `f.name COLLATE NOCASE ASC, i.published DESC, i.id DESC`
	default:
		// recent。SQLiteはNULLを最小値として扱うため降順では末尾に並ぶ。
		return `i.published DESC, i.id DESC`
	}
}

var _ ItemRepository = (*SQLiteItemRepo)(nil)
