package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryDSN)
	if err != nil {
		t.Fatalf("Open(%s): %v", MemoryDSN, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func latestMigration(t *testing.T) int {
	t.Helper()
	all, err := migrations()
	if err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("no embedded migrations")
	}
	return all[len(all)-1].version
}

func TestOpen_AppliesAllMigrations(t *testing.T) {
	s := openTestStore(t)

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if want := latestMigration(t); v != want {
		t.Errorf("SchemaVersion = %d, want %d", v, want)
	}
}

// Reopening an existing database must not re-run migrations or lose rows.
func TestOpen_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	id, err := s1.Save(NewError{Source: "x = y\n", Kind: "NameError", Message: "name 'y' is not defined", Solution: "define y", SolutionKind: RemedyFallback})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	if v, _ := s2.SchemaVersion(); v != latestMigration(t) {
		t.Errorf("SchemaVersion after reopen = %d", v)
	}
	if _, err := s2.GetError(id); err != nil {
		t.Errorf("GetError after reopen: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, dbFile)); err != nil {
		t.Errorf("database file: %v", err)
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil || mode != "wal" {
		t.Errorf("journal_mode = %q, %v; want wal", mode, err)
	}
	var fk int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil || fk != 1 {
		t.Errorf("foreign_keys = %d, %v; want 1", fk, err)
	}
}


func TestTablesExist(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"errors", "remedies", "pattern_aggregates", "error_vectors", "jobs"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_errors_kind_created", "idx_errors_content_hash", "idx_remedies_error_id", "idx_jobs_status_run_after", "idx_error_vectors_error_id"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}
