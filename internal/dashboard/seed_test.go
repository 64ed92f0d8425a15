package dashboard

import (
	"strings"
	"testing"

	"github.com/cryguy/flaredeck/internal/store"
)

func seedDB(t *testing.T) *store.D1 {
	t.Helper()
	db, err := store.OpenD1Memory("seed-test")
	if err != nil {
		t.Fatalf("OpenD1Memory: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ddl := `CREATE TABLE contacts (
		id INTEGER PRIMARY KEY,
		full_name TEXT NOT NULL,
		contact_email TEXT NOT NULL,
		age INTEGER NOT NULL,
		score REAL NOT NULL,
		avatar BLOB,
		created_at TEXT NOT NULL
	)`
	if _, err := db.Exec(ddl, nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestSeedRows_Count(t *testing.T) {
	db := seedDB(t)
	inserted, err := SeedRows(db, "contacts", 25)
	if err != nil {
		t.Fatalf("SeedRows: %v", err)
	}
	if inserted != 25 {
		t.Fatalf("inserted %d, want 25", inserted)
	}
	tables, err := db.Tables()
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	if tables[0].RowCount != 25 {
		t.Fatalf("row count = %d, want 25", tables[0].RowCount)
	}
}

func TestSeedRows_TypeDispatch(t *testing.T) {
	db := seedDB(t)
	if _, err := SeedRows(db, "contacts", 5); err != nil {
		t.Fatalf("SeedRows: %v", err)
	}
	res, err := db.Rows("contacts", 5, 0)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	idx := map[string]int{}
	for i, c := range res.Columns {
		idx[c] = i
	}
	for _, row := range res.Rows {
		email, _ := row[idx["contact_email"]].(string)
		if !strings.Contains(email, "@example.com") {
			t.Errorf("contact_email = %v, want an email", row[idx["contact_email"]])
		}
		createdAt, _ := row[idx["created_at"]].(string)
		if !strings.Contains(createdAt, "T") {
			t.Errorf("created_at = %v, want RFC3339", row[idx["created_at"]])
		}
		if row[idx["id"]] == nil {
			t.Error("integer primary key not assigned by sqlite")
		}
		if row[idx["full_name"]] == nil {
			t.Error("NOT NULL column seeded with null")
		}
	}
}

func TestSeedRows_Validation(t *testing.T) {
	db := seedDB(t)
	if _, err := SeedRows(db, "contacts", 0); err == nil {
		t.Error("expected error for zero count")
	}
	if _, err := SeedRows(db, "contacts", 1001); err == nil {
		t.Error("expected error above the row cap")
	}
	if _, err := SeedRows(db, "missing", 5); err == nil {
		t.Error("expected error for unknown table")
	}
}
