package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feeder/internal/model"
)

// SQLiteMaintenanceRepo はSQLiteの保守操作を提供する。
type SQLiteMaintenanceRepo struct {
	db *sql.DB
}

// NewSQLiteMaintenanceRepo はSQLiteMaintenanceRepoを生成する。
func NewSQLiteMaintenanceRepo(db *sql.DB) *SQLiteMaintenanceRepo {
	return &SQLiteMaintenanceRepo{db: db}
}

// Vacuum はデータベースファイルを再構成して空き領域を回収する。
func (r *SQLiteMaintenanceRepo) Vacuum(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("VACUUMの実行に失敗しました: %w", err)
	}
	return nil
}

// Analyze は統計情報を更新してクエリプランナを支援する。
func (r *SQLiteMaintenanceRepo) Analyze(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `ANALYZE`); err != nil {
		return fmt.Errorf("ANALYZEの実行に失敗しました: %w", err)
	}
	return nil
}

// DBStats はデータベースのサイズと各テーブルの行数を返す。
func (r *SQLiteMaintenanceRepo) DBStats(ctx context.Context) (*model.DBStats, error) {
	stats := &model.DBStats{}

	var pageCount, pageSize int64
	if err := r.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("page_countの取得に失敗しました: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("page_sizeの取得に失敗しました: %w", err)
	}
	stats.SizeBytes = pageCount * pageSize

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feed`).Scan(&stats.TotalFeeds); err != nil {
		return nil, fmt.Errorf("フィード数の取得に失敗しました: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM item`).Scan(&stats.TotalItems); err != nil {
		return nil, fmt.Errorf("記事数の取得に失敗しました: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fetchlog`).Scan(&stats.TotalLogs); err != nil {
		return nil, fmt.Errorf("フェッチログ数の取得に失敗しました: %w", err)
	}

	return stats, nil
}

var _ MaintenanceRepository = (*SQLiteMaintenanceRepo)(nil)
