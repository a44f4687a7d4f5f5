package recordstore

import (
	"database/sql"
	"fmt"
	"strings"
)

// Dialect abstracts database-specific SQL for stores built on SQLStore.
type Dialect interface {
	// DBType returns the database type (e.g., "mssql", "sqlite").
	DBType() string

	// QualifyTable returns a quoted, schema-qualified table reference.
	QualifyTable(schema, table string) string

	// Placeholder returns the parameter placeholder for the 1-based index.
	Placeholder(index int) string

	// CreateTableSQL returns an idempotent CREATE TABLE for a record table.
	CreateTableSQL(schema, table string) string

	// UpsertSQL returns a statement upserting rows (id, etag, content) tuples.
	UpsertSQL(schema, table string, rows int) string

	// MaxParams is the bind-parameter limit per statement.
	MaxParams() int

	// SnapshotOptions returns the transaction options for a consistent range read.
	SnapshotOptions() *sql.TxOptions
}

// ValuesList renders "(p1, p2, p3), (p4, p5, p6)" for rows of width cols.
func ValuesList(d Dialect, rows, cols int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// InList renders "p1, p2, ..., pn" starting at placeholder index 1.
func InList(d Dialect, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.Placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

func rangeQuery(d Dialect, schema, table string) string {
	return fmt.Sprintf("SELECT id, etag FROM %s WHERE id >= %s AND id <= %s ORDER BY id",
		d.QualifyTable(schema, table), d.Placeholder(1), d.Placeholder(2))
}
