package dashboard

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cryguy/flaredeck/internal/store"
)

var loremWords = []string{
	"lorem", "ipsum", "dolor", "amet", "nova", "atlas", "ember", "quartz",
	"cedar", "delta", "onyx", "sable", "vista", "zephyr", "harbor", "lumen",
}

var seedNames = []string{
	"Ada", "Alan", "Edith", "Grace", "Hedy", "Linus", "Margaret", "Radia",
}

// SeedRows inserts count generated rows into the table, dispatching on
// each column's declared type. INTEGER PRIMARY KEY columns are left to
// SQLite. Returns the number of inserted rows.
func SeedRows(db *store.D1, table string, count int) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("seed count must be positive")
	}
	if count > 1000 {
		return 0, fmt.Errorf("seed count %d exceeds the 1000 row cap", count)
	}

	cols, err := db.Columns(table)
	if err != nil {
		return 0, err
	}

	var names []string
	var gen []store.D1Column
	for _, col := range cols {
		if col.PrimaryKey > 0 && strings.EqualFold(col.Type, "INTEGER") {
			continue
		}
		names = append(names, col.Name)
		gen = append(gen, col)
	}
	if len(names) == 0 {
		return 0, fmt.Errorf("table %q has no seedable columns", table)
	}

	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = `"` + strings.ReplaceAll(n, `"`, `""`) + `"`
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	insert := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`,
		strings.ReplaceAll(table, `"`, `""`), strings.Join(quoted, ", "), placeholders)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	inserted := 0
	for i := 0; i < count; i++ {
		values := make([]interface{}, len(gen))
		for j, col := range gen {
			values[j] = dummyValue(rng, col)
		}
		if _, err := db.Exec(insert, values); err != nil {
			return inserted, fmt.Errorf("seeding %q: %w", table, err)
		}
		inserted++
	}
	return inserted, nil
}

// dummyValue picks a plausible value for one column by declared type and
// column-name heuristics.
func dummyValue(rng *rand.Rand, col store.D1Column) interface{} {
	// Nullable columns come up empty now and then.
	if !col.NotNull && col.PrimaryKey == 0 && rng.Intn(10) == 0 {
		return nil
	}

	name := strings.ToLower(col.Name)
	declared := strings.ToUpper(col.Type)

	switch {
	case strings.Contains(declared, "INT"):
		if strings.Contains(declared, "BOOL") {
			return rng.Intn(2)
		}
		return rng.Intn(100000)
	case strings.Contains(declared, "BOOL"):
		return rng.Intn(2)
	case strings.Contains(declared, "REAL"), strings.Contains(declared, "FLOA"), strings.Contains(declared, "DOUB"):
		return float64(rng.Intn(1000000)) / 100
	case strings.Contains(declared, "BLOB"):
		buf := make([]byte, 8)
		rng.Read(buf)
		return hex.EncodeToString(buf)
	}

	// TEXT and anything undeclared.
	switch {
	case strings.Contains(name, "email"):
		return fmt.Sprintf("%s%d@example.com",
			strings.ToLower(seedNames[rng.Intn(len(seedNames))]), rng.Intn(1000))
	case strings.Contains(name, "name"), strings.Contains(name, "user"), strings.Contains(name, "author"):
		return seedNames[rng.Intn(len(seedNames))]
	case strings.HasSuffix(name, "_at"), strings.Contains(name, "date"), strings.Contains(name, "time"):
		offset := time.Duration(rng.Intn(90*24)) * time.Hour
		return time.Now().Add(-offset).UTC().Format(time.RFC3339)
	case strings.Contains(name, "url"), strings.Contains(name, "link"):
		return fmt.Sprintf("https://example.com/%s/%d", loremWords[rng.Intn(len(loremWords))], rng.Intn(100))
	case strings.Contains(name, "id"), strings.Contains(name, "key"), strings.Contains(name, "token"):
		buf := make([]byte, 6)
		rng.Read(buf)
		return hex.EncodeToString(buf)
	}
	return loremWords[rng.Intn(len(loremWords))] + " " + loremWords[rng.Intn(len(loremWords))]
}
