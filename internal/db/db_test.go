package db

import (
	"path/filepath"
	"testing"
)

func TestInitCreatesSchema(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("INSIGHTS_DATA_DIR", filepath.Join(dir, "data"))

	path, err := Init()
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if filepath.Base(path) != "insights.db" {
		t.Fatalf("unexpected path %s", path)
	}

	conn, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	for _, table := range []string{"conversations", "insights", "analysis_cache", "processing_events", "worker_state"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	var mode string
	if err := conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal mode, got %s", mode)
	}

	// idempotent
	if err := ApplySchema(conn); err != nil {
		t.Fatalf("reapply schema: %v", err)
	}
}
