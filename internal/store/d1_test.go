package store

import (
	"testing"
)

func mustD1(t *testing.T) *D1 {
	t.Helper()
	d1, err := OpenD1Memory("test-db")
	if err != nil {
		t.Fatalf("OpenD1Memory: %v", err)
	}
	t.Cleanup(func() { _ = d1.Close() })

	stmts := []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT)",
		"CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER, title TEXT)",
		"INSERT INTO users (name, email) VALUES ('Ada', 'ada@example.com')",
		"INSERT INTO users (name, email) VALUES ('Grace', 'grace@example.com')",
		"INSERT INTO users (name, email) VALUES ('Alan', NULL)",
	}
	for _, s := range stmts {
		if _, err := d1.Exec(s, nil); err != nil {
			t.Fatalf("setup %q: %v", s, err)
		}
	}
	return d1
}

func TestD1_Tables(t *testing.T) {
	d1 := mustD1(t)
	tables, err := d1.Tables()
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("got %d tables, want 2: %+v", len(tables), tables)
	}
	if tables[0].Name != "posts" || tables[1].Name != "users" {
		t.Fatalf("tables not ordered by name: %+v", tables)
	}
	if tables[1].RowCount != 3 {
		t.Fatalf("users row count = %d, want 3", tables[1].RowCount)
	}
}

func TestD1_Columns(t *testing.T) {
	d1 := mustD1(t)
	cols, err := d1.Columns("users")
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("got %d columns, want 3: %+v", len(cols), cols)
	}
	if cols[0].Name != "id" || cols[0].PrimaryKey != 1 {
		t.Fatalf("unexpected first column: %+v", cols[0])
	}
	if cols[1].Name != "name" || !cols[1].NotNull {
		t.Fatalf("unexpected name column: %+v", cols[1])
	}
}

func TestD1_ColumnsMissingTable(t *testing.T) {
	d1 := mustD1(t)
	if _, err := d1.Columns("ghost"); err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func TestD1_RowsPaging(t *testing.T) {
	d1 := mustD1(t)
	page, err := d1.Rows("users", 2, 0)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(page.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(page.Rows))
	}
	page2, err := d1.Rows("users", 2, 2)
	if err != nil {
		t.Fatalf("Rows offset 2: %v", err)
	}
	if len(page2.Rows) != 1 {
		t.Fatalf("got %d rows on page 2, want 1", len(page2.Rows))
	}
}

func TestD1_DeleteRows(t *testing.T) {
	d1 := mustD1(t)
	deleted, err := d1.DeleteRows("users", "id", []interface{}{1, 3})
	if err != nil {
		t.Fatalf("DeleteRows: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted %d rows, want 2", deleted)
	}
	count, err := d1.rowCount("users")
	if err != nil {
		t.Fatalf("rowCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("remaining rows = %d, want 1", count)
	}
}

func TestD1_DeleteRowsEmpty(t *testing.T) {
	d1 := mustD1(t)
	deleted, err := d1.DeleteRows("users", "id", nil)
	if err != nil || deleted != 0 {
		t.Fatalf("expected no-op, got (%d, %v)", deleted, err)
	}
}

func TestD1_QuotedIdentifiers(t *testing.T) {
	d1 := mustD1(t)
	// A hostile table name must not break out of the identifier quoting.
	if _, err := d1.Columns(`users"; DROP TABLE users; --`); err == nil {
		t.Fatal("expected error for unknown table")
	}
	tables, err := d1.Tables()
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("tables damaged by hostile identifier: %+v", tables)
	}
}
