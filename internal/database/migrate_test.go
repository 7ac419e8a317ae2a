package database

import (
	"database/sql"
	"testing"
	"time"
)

// setupMigratedDB はマイグレーション適用済みのインメモリDBを準備する。
func setupMigratedDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("データベースのオープンに失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := RunMigrations(db); err != nil {
		t.Fatalf("マイグレーションの実行に失敗: %v", err)
	}

	return db
}

func TestRunMigrations_CreatesCoreTables(t *testing.T) {
	db := setupMigratedDB(t)

	for _, table := range []string{"feed", "item", "fetchlog"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("テーブル %s が作成されていない: %v", table, err)
		}
	}
}

func TestRunMigrations_CreatesFTSTableAndTriggers(t *testing.T) {
	db := setupMigratedDB(t)

	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE name='item_fts'",
	).Scan(&name)
	if err != nil {
		t.Fatalf("FTS仮想テーブル item_fts が作成されていない: %v", err)
	}

	for _, trigger := range []string{"item_fts_insert", "item_fts_delete", "item_fts_update"} {
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='trigger' AND name=?", trigger,
		).Scan(&name)
		if err != nil {
			t.Errorf("トリガー %s が作成されていない: %v", trigger, err)
		}
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupMigratedDB(t)

	// 2回目の適用はErrNoChange扱いでエラーなしに完了する。
	if err := RunMigrations(db); err != nil {
		t.Fatalf("再実行でエラーが発生: %v", err)
	}
}

func TestRunMigrations_FeedTableAcceptsInsert(t *testing.T) {
	db := setupMigratedDB(t)

	now := time.Now().UTC().UnixNano()
	_, err := db.Exec(
		`INSERT INTO feed (name, url, interval_seconds, created_at) VALUES (?, ?, ?, ?)`,
		"example", "https://example.com/feed.xml", 600, now,
	)
	if err != nil {
		t.Fatalf("feedテーブルへのINSERTに失敗: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM feed").Scan(&count); err != nil {
		t.Fatalf("COUNT failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestRunMigrations_GuidUniqueConstraint(t *testing.T) {
	db := setupMigratedDB(t)

	now := time.Now().UTC().UnixNano()
	if _, err := db.Exec(
		`INSERT INTO feed (id, name, url, created_at) VALUES (1, 'f', 'https://example.com/f.xml', ?)`, now,
	); err != nil {
		t.Fatalf("feed INSERT failed: %v", err)
	}

	if _, err := db.Exec(
		`INSERT INTO item (feed_id, title, guid, created_at) VALUES (1, 'a', 'dup-guid', ?)`, now,
	); err != nil {
		t.Fatalf("item INSERT failed: %v", err)
	}

	_, err := db.Exec(
		`INSERT INTO item (feed_id, title, guid, created_at) VALUES (1, 'b', 'dup-guid', ?)`, now,
	)
	if err == nil {
		t.Fatal("guidの重複INSERTは一意制約違反になるべき")
	}
}

func TestRunMigrations_FTSTriggerSyncsInsert(t *testing.T) {
	db := setupMigratedDB(t)

	now := time.Now().UTC().UnixNano()
	if _, err := db.Exec(
		`INSERT INTO feed (id, name, url, created_at) VALUES (1, 'f', 'https://example.com/f.xml', ?)`, now,
	); err != nil {
		t.Fatalf("feed INSERT failed: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO item (feed_id, title, summary, guid, created_at)
		 VALUES (1, 'golang generics tutorial', 'learn about type parameters', 'g1', ?)`, now,
	); err != nil {
		t.Fatalf("item INSERT failed: %v", err)
	}

	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM item_fts WHERE item_fts MATCH 'generics'`,
	).Scan(&count)
	if err != nil {
		t.Fatalf("FTS MATCH検索に失敗: %v", err)
	}
	if count != 1 {
		t.Errorf("FTSインデックスが同期されていない: count = %d, want 1", count)
	}
}
