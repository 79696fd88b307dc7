package migrate_test

import (
	"testing"

	"inspectline/internal/db"
	"inspectline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if v < 1 {
		t.Fatalf("version = %d", v)
	}
	for _, table := range []string{"inspections", "subjects", "hazard_assessments", "hazard_items", "events"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
