package migrator

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func file(body string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(body)}
}

// =============================================================================
// Parsing
// =============================================================================

func TestParseMigration(t *testing.T) {
	content := `-- +migrate Up
-- +migrate Depends: 1 2
-- creates the widgets table
CREATE TABLE widgets (id INTEGER PRIMARY KEY);
`
	m, err := ParseMigration("003_widgets.sql", []byte(content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Version != 3 || m.Name != "widgets" {
		t.Errorf("unexpected version/name: %d %s", m.Version, m.Name)
	}
	if len(m.Dependencies) != 2 || m.Dependencies[0] != 1 || m.Dependencies[1] != 2 {
		t.Errorf("unexpected dependencies: %v", m.Dependencies)
	}
	if !strings.HasPrefix(m.UpSQL, "CREATE TABLE widgets") {
		t.Errorf("unexpected SQL: %q", m.UpSQL)
	}
	if m.NoTransaction {
		t.Error("expected transactional migration")
	}
}

func TestParseMigration_Errors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		want     string
	}{
		{"bad filename", "widgets.sql", "-- +migrate Up\nSELECT 1;", "invalid migration filename"},
		{"missing marker", "001_a.sql", "SELECT 1;", "missing '-- +migrate Up'"},
		{"empty body", "001_a.sql", "-- +migrate Up\n-- nothing\n", "no SQL statements"},
		{"bad dependency", "002_a.sql", "-- +migrate Up\n-- +migrate Depends: x\nSELECT 1;", "invalid dependency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMigration(tt.filename, []byte(tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseMigration_NoTransaction(t *testing.T) {
	m, err := ParseMigration("001_a.sql", []byte("-- +migrate Up notransaction\nSELECT 1;"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.NoTransaction {
		t.Error("expected notransaction flag")
	}
}

func TestLoadMigrations_Validation(t *testing.T) {
	gap := fstest.MapFS{
		"m/001_a.sql": file("-- +migrate Up\nSELECT 1;"),
		"m/003_c.sql": file("-- +migrate Up\nSELECT 1;"),
	}
	if _, err := LoadMigrations(gap, "m"); err == nil || !strings.Contains(err.Error(), "gap") {
		t.Errorf("expected gap error, got %v", err)
	}

	forward := fstest.MapFS{
		"m/001_a.sql": file("-- +migrate Up\n-- +migrate Depends: 2\nSELECT 1;"),
		"m/002_b.sql": file("-- +migrate Up\nSELECT 1;"),
	}
	if _, err := LoadMigrations(forward, "m"); err == nil || !strings.Contains(err.Error(), "later") {
		t.Errorf("expected forward dependency error, got %v", err)
	}

	ok := fstest.MapFS{
		"m/002_b.sql":  file("-- +migrate Up\nSELECT 2;"),
		"m/001_a.sql":  file("-- +migrate Up\nSELECT 1;"),
		"m/README.md":  file("ignored"),
		"m/notes.sql":  file("ignored"),
		"m/sub/x.json": file("ignored"),
	}
	migrations, err := LoadMigrations(ok, "m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("unexpected migrations: %+v", migrations)
	}
}

// =============================================================================
// Applying
// =============================================================================

func TestRunMigrations(t *testing.T) {
	db := openTestDB(t)
	fsys := fstest.MapFS{
		"m/001_widgets.sql": file("-- +migrate Up\nCREATE TABLE widgets (id INTEGER PRIMARY KEY);"),
		"m/002_gadgets.sql": file("-- +migrate Up\n-- +migrate Depends: 1\nCREATE TABLE gadgets (id INTEGER PRIMARY KEY);"),
	}

	if v, err := GetCurrentVersion(db); err != nil || v != 0 {
		t.Fatalf("expected version 0 before migrating, got %d (%v)", v, err)
	}

	if err := RunMigrations(db, fsys, "m"); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if v, _ := GetCurrentVersion(db); v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}

	// Idempotent
	if err := RunMigrations(db, fsys, "m"); err != nil {
		t.Fatalf("second RunMigrations failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO gadgets (id) VALUES (1)"); err != nil {
		t.Errorf("expected gadgets table: %v", err)
	}

	fsys["m/003_more.sql"] = file("-- +migrate Up\nCREATE TABLE more (id INTEGER);")
	if err := RunMigrations(db, fsys, "m"); err != nil {
		t.Fatalf("incremental RunMigrations failed: %v", err)
	}
	applied, err := GetAppliedMigrations(db)
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}
	if len(applied) != 3 {
		t.Errorf("expected 3 applied migrations, got %v", applied)
	}
}

func TestRunMigrations_FailedMigrationRollsBack(t *testing.T) {
	db := openTestDB(t)
	fsys := fstest.MapFS{
		"m/001_bad.sql": file("-- +migrate Up\nCREATE TABLE ok (id INTEGER);\nNOT SQL;"),
	}

	if err := RunMigrations(db, fsys, "m"); err == nil {
		t.Fatal("expected error from invalid SQL")
	}
	if v, _ := GetCurrentVersion(db); v != 0 {
		t.Errorf("expected version 0 after failure, got %d", v)
	}
}
