// Package records reads the relational reporting tables that feed the
// reference corpus and report aggregates.
package records

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	harvest "github.com/fieldlabs/harvest"
)

// Row is one record as column name to rendered value.
type Row map[string]string

// Source loads reporting tables.
type Source interface {
	Load(ctx context.Context, table string) ([]Row, error)
	Count(ctx context.Context, table string) (int, error)
}

// SourceTables are the result tables the scheduler ingests, in ingestion
// order.
var SourceTables = []string{
	"deliverables", "oicrs", "innovations", "contributions", "questions",
}

// dimensionTables are joined, never ingested directly.
var dimensionTables = map[string]bool{
	"clusters": true,
}

func knownTable(table string) bool {
	if dimensionTables[table] {
		return true
	}
	for _, t := range SourceTables {
		if t == table {
			return true
		}
	}
	return false
}

// SQLSource reads tables from a SQL database.
type SQLSource struct {
	db *sql.DB
}

// OpenSQL opens a record source over a SQLite DSN.
func OpenSQL(dsn string) (*SQLSource, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening record source: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging record source: %w", err)
	}
	return &SQLSource{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// Load reads every row of a known table. Column values render as strings;
// NULLs become empty and are dropped from the row.
func (s *SQLSource) Load(ctx context.Context, table string) ([]Row, error) {
	if !knownTable(table) {
		return nil, fmt.Errorf("%w: unknown table %q", harvest.ErrInvalidInput, table)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	values := make([]sql.NullString, len(cols))
	scanArgs := make([]interface{}, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if values[i].Valid && values[i].String != "" {
				row[col] = values[i].String
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Count returns the row count of a known table.
func (s *SQLSource) Count(ctx context.Context, table string) (int, error) {
	if !knownTable(table) {
		return 0, fmt.Errorf("%w: unknown table %q", harvest.ErrInvalidInput, table)
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}
