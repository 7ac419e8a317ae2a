package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // CGo不要のSQLiteドライバ
)

// Open はSQLiteデータベースを開く（存在しなければ作成する）。
// WALジャーナル、synchronous=NORMAL、外部キー制約、メモリ上の一時領域、
// busy_timeout=5000msを設定する。
// 書き込みは単一プロセスに閉じるため、接続数は1に固定する。
// フィード単位の排他はfeed.is_fetchingカラムで行う。
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗しました: %w", err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("PRAGMAの適用に失敗しました (%s): %w", p, err)
		}
	}

	return db, nil
}
