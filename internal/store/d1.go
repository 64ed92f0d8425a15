package store

import (
	"fmt"
	"strings"

	"github.com/cryguy/flaredeck/internal/core"
	"github.com/cryguy/flaredeck/internal/webapi"
)

// D1 is a local SQLite-backed D1 database. Statement execution delegates
// to the runtime's D1 bridge so worker scripts and the dashboard share one
// connection and one set of statement guardrails; the extra methods here
// cover dashboard introspection.
type D1 struct {
	bridge     *webapi.D1Bridge
	databaseID string
}

var _ core.D1Store = (*D1)(nil)

// OpenD1 opens (or creates) the database file at
// {dataDir}/d1/{databaseID}.sqlite3.
func OpenD1(dataDir, databaseID string) (*D1, error) {
	bridge, err := webapi.OpenD1Database(dataDir, databaseID)
	if err != nil {
		return nil, err
	}
	return &D1{bridge: bridge, databaseID: databaseID}, nil
}

// OpenD1Memory opens an in-memory database, used by tests.
func OpenD1Memory(databaseID string) (*D1, error) {
	bridge, err := webapi.NewD1BridgeMemory(databaseID)
	if err != nil {
		return nil, err
	}
	return &D1{bridge: bridge, databaseID: databaseID}, nil
}

// DatabaseID returns the database's configured id.
func (d *D1) DatabaseID() string { return d.databaseID }

// Exec runs a SQL statement with bindings through the runtime bridge.
func (d *D1) Exec(sql string, bindings []interface{}) (*core.D1ExecResult, error) {
	return d.bridge.Exec(sql, bindings)
}

// Close closes the underlying database connection.
func (d *D1) Close() error {
	return d.bridge.Close()
}

// D1Table describes one user table for the dashboard table list.
type D1Table struct {
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
}

// D1Column describes one column of a table per PRAGMA table_info.
type D1Column struct {
	CID        int         `json:"cid"`
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	NotNull    bool        `json:"not_null"`
	Default    interface{} `json:"default"`
	PrimaryKey int         `json:"primary_key"`
}

// quoteIdent quotes a SQL identifier so table names from HTTP paths cannot
// inject statement text.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Tables lists user tables (sqlite internal tables excluded) with row
// counts, ordered by name.
func (d *D1) Tables() ([]D1Table, error) {
	res, err := d.bridge.Exec(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name", nil)
	if err != nil {
		return nil, err
	}
	tables := make([]D1Table, 0, len(res.Rows))
	for _, row := range res.Rows {
		name, ok := row[0].(string)
		if !ok {
			continue
		}
		count, err := d.rowCount(name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, D1Table{Name: name, RowCount: count})
	}
	return tables, nil
}

func (d *D1) rowCount(table string) (int64, error) {
	res, err := d.bridge.Exec("SELECT COUNT(*) FROM "+quoteIdent(table), nil)
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return 0, nil
	}
	switch v := res.Rows[0][0].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	}
	return 0, nil
}

// Columns returns the table's column descriptions via PRAGMA table_info.
func (d *D1) Columns(table string) ([]D1Column, error) {
	res, err := d.bridge.Exec("PRAGMA table_info("+quoteIdent(table)+")", nil)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, fmt.Errorf("no such table: %s", table)
	}
	idx := make(map[string]int, len(res.Columns))
	for i, c := range res.Columns {
		idx[c] = i
	}
	cols := make([]D1Column, 0, len(res.Rows))
	for _, row := range res.Rows {
		col := D1Column{
			CID:        asInt(row[idx["cid"]]),
			Name:       asString(row[idx["name"]]),
			Type:       asString(row[idx["type"]]),
			NotNull:    asInt(row[idx["notnull"]]) != 0,
			Default:    row[idx["dflt_value"]],
			PrimaryKey: asInt(row[idx["pk"]]),
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// Rows returns one page of a table's rows.
func (d *D1) Rows(table string, limit, offset int) (*core.D1ExecResult, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return d.bridge.Exec(
		fmt.Sprintf("SELECT * FROM %s LIMIT ? OFFSET ?", quoteIdent(table)),
		[]interface{}{limit, offset})
}

// DeleteRows deletes the rows whose primary key column matches one of the
// given ids, returning the number of deleted rows.
func (d *D1) DeleteRows(table, pkColumn string, ids []interface{}) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := d.bridge.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			quoteIdent(table), quoteIdent(pkColumn), placeholders), ids)
	if err != nil {
		return 0, err
	}
	return res.Meta.Changes, nil
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
