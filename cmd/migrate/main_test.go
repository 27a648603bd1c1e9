package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadMigrations(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"0002_add_activity.sql":   "CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.activity_log` (id STRING);",
		"0001_create_tx.sql":      "CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.transactions` (id STRING);",
		"notes.txt":               "not a migration",
		"001_bad_version.sql":     "SELECT 1;",
		"0003_missing_suffix.sqx": "SELECT 1;",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	*migrationsDir = dir
	*projectID = "proj-1"
	*datasetID = "imports"

	migrations, err := readMigrations()
	if err != nil {
		t.Fatalf("readMigrations failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("got %d migrations, want 2 (non-matching files skipped)", len(migrations))
	}

	// Sorted by version regardless of directory order.
	if migrations[0].Version != 1 || migrations[0].Name != "create_tx" {
		t.Errorf("first migration = %+v", migrations[0])
	}
	if migrations[1].Version != 2 || migrations[1].Name != "add_activity" {
		t.Errorf("second migration = %+v", migrations[1])
	}

	// Placeholders substituted in the executable SQL.
	wantSQL := "CREATE TABLE `proj-1.imports.transactions` (id STRING);"
	if migrations[0].SQL != wantSQL {
		t.Errorf("SQL = %q, want %q", migrations[0].SQL, wantSQL)
	}

	if len(migrations[0].Checksum) != 64 {
		t.Errorf("checksum = %q, want a sha256 hex digest", migrations[0].Checksum)
	}
}

func TestReadMigrationsChecksumIgnoresPlaceholders(t *testing.T) {
	content := "CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.t` (id STRING);"

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0001_t.sql"), []byte(content), 0o644); err != nil {
		t.Fatalf("write migration: %v", err)
	}
	*migrationsDir = dir

	*projectID = "proj-a"
	*datasetID = "imports"
	first, err := readMigrations()
	if err != nil {
		t.Fatalf("readMigrations failed: %v", err)
	}

	*projectID = "proj-b"
	*datasetID = "other"
	second, err := readMigrations()
	if err != nil {
		t.Fatalf("readMigrations failed: %v", err)
	}

	// The checksum identifies the migration file, not its rendered form.
	if first[0].Checksum != second[0].Checksum {
		t.Error("checksum should not depend on project or dataset")
	}
	if first[0].SQL == second[0].SQL {
		t.Error("rendered SQL should differ between projects")
	}
}

func TestReadMigrationsMissingDirectory(t *testing.T) {
	*migrationsDir = filepath.Join(t.TempDir(), "does-not-exist")
	if _, err := readMigrations(); err == nil {
		t.Error("expected an error for a missing migrations directory")
	}
}
