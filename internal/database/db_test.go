package database

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_InMemory_ReturnsWorkingDB(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open returned unexpected error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestOpen_CreatesDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeder.sqlite")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open returned unexpected error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("データベースファイルが作成されていない: %v", err)
	}
}

func TestOpen_AppliesForeignKeysPragma(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open returned unexpected error: %v", err)
	}
	defer db.Close()

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys の取得に失敗: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestOpen_AppliesBusyTimeoutPragma(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open returned unexpected error: %v", err)
	}
	defer db.Close()

	var timeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("PRAGMA busy_timeout の取得に失敗: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
}

func TestOpen_FileDBUsesWALJournalMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeder.sqlite")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open returned unexpected error: %v", err)
	}
	defer db.Close()

	// インメモリDBはWALを持たないため、ファイルDBでのみ検証する。
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode の取得に失敗: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want %q", mode, "wal")
	}
}
