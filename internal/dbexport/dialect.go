package dbexport

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Dialect isolates the catalog queries and SQL text that differ between
// database engines.
type Dialect interface {
	Name() string
	QuoteIdent(name string) string
	// ListTables returns the base tables in a stable order.
	ListTables(ctx context.Context, db *sql.DB) ([]string, error)
	// FastEstimate returns approximate total rows and bytes from catalog
	// statistics without scanning tables.
	FastEstimate(ctx context.Context, db *sql.DB) (rows, bytes int64, err error)
	// CreateStatement returns the CREATE TABLE statement without a
	// trailing semicolon.
	CreateStatement(ctx context.Context, db *sql.DB, table string) (string, error)
	// SortKey returns the quoted column expressions that give a table a
	// stable row order, or nil when there are none.
	SortKey(ctx context.Context, db *sql.DB, table string) ([]string, error)
	// QuoteString and QuoteBytes render text and binary values as
	// literals the engine can read back unchanged.
	QuoteString(s string) string
	QuoteBytes(b []byte) string
	Preamble() string
	Postscript() string
}

// Open connects to the named driver and returns the matching dialect.
// Supported drivers are "mysql" and "sqlite".
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	var d Dialect
	switch driver {
	case "mysql":
		d = MySQL{}
	case "sqlite", "sqlite3":
		driver = "sqlite"
		d = SQLite{}
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return db, d, nil
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MySQL is the dialect for MySQL and MariaDB sources.
type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (MySQL) ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	tables, err := queryStrings(ctx, db,
		"SELECT table_name FROM information_schema.tables "+
			"WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return tables, nil
}

func (MySQL) FastEstimate(ctx context.Context, db *sql.DB) (int64, int64, error) {
	var rows, bytes sql.NullInt64
	err := db.QueryRowContext(ctx,
		"SELECT SUM(table_rows), SUM(data_length + index_length) FROM information_schema.tables "+
			"WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'",
	).Scan(&rows, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("query table statistics: %w", err)
	}
	if !rows.Valid {
		return 0, 0, errors.New("table statistics unavailable")
	}
	return rows.Int64, bytes.Int64, nil
}

func (d MySQL) CreateStatement(ctx context.Context, db *sql.DB, table string) (string, error) {
	var name, stmt string
	if err := db.QueryRowContext(ctx, "SHOW CREATE TABLE "+d.QuoteIdent(table)).Scan(&name, &stmt); err != nil {
		return "", fmt.Errorf("show create table %s: %w", table, err)
	}
	return stmt, nil
}

// SortKey returns the primary key columns in index order.
func (d MySQL) SortKey(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	cols, err := queryStrings(ctx, db,
		"SELECT column_name FROM information_schema.key_column_usage "+
			"WHERE table_schema = DATABASE() AND table_name = ? AND constraint_name = 'PRIMARY' "+
			"ORDER BY ordinal_position", table)
	if err != nil {
		return nil, fmt.Errorf("primary key of %s: %w", table, err)
	}
	for i, c := range cols {
		cols[i] = d.QuoteIdent(c)
	}
	return cols, nil
}

var mysqlEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	"\r", `\r`,
	"\n", `\n`,
)

func (MySQL) QuoteString(s string) string {
	return "'" + mysqlEscaper.Replace(s) + "'"
}

func (d MySQL) QuoteBytes(b []byte) string {
	return d.QuoteString(string(b))
}

func (MySQL) Preamble() string {
	return "SET NAMES utf8mb4;\n" +
		"SET FOREIGN_KEY_CHECKS = 0;\n" +
		"SET SQL_MODE = 'NO_AUTO_VALUE_ON_ZERO';\n"
}

func (MySQL) Postscript() string {
	return "SET FOREIGN_KEY_CHECKS = 1;\n"
}

// SQLite is the dialect for SQLite sources.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (SQLite) ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	tables, err := queryStrings(ctx, db,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return tables, nil
}

// FastEstimate reads sqlite_stat1, which only exists after ANALYZE.
func (SQLite) FastEstimate(ctx context.Context, db *sql.DB) (int64, int64, error) {
	var rows sql.NullInt64
	err := db.QueryRowContext(ctx,
		"SELECT SUM(n) FROM (SELECT MAX(CAST(stat AS INTEGER)) AS n FROM sqlite_stat1 GROUP BY tbl)",
	).Scan(&rows)
	if err != nil {
		return 0, 0, fmt.Errorf("query sqlite_stat1: %w", err)
	}
	if !rows.Valid {
		return 0, 0, errors.New("table statistics unavailable")
	}

	var bytes int64
	err = db.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
	).Scan(&bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("query page size: %w", err)
	}
	return rows.Int64, bytes, nil
}

func (SQLite) CreateStatement(ctx context.Context, db *sql.DB, table string) (string, error) {
	var stmt string
	err := db.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&stmt)
	if err != nil {
		return "", fmt.Errorf("read schema of %s: %w", table, err)
	}
	return stmt, nil
}

// SortKey returns the primary key columns, falling back to rowid for
// tables without one. WITHOUT ROWID tables always declare a primary key.
func (d SQLite) SortKey(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	cols, err := queryStrings(ctx, db,
		"SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk", table)
	if err != nil {
		return nil, fmt.Errorf("primary key of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return []string{"rowid"}, nil
	}
	for i, c := range cols {
		cols[i] = d.QuoteIdent(c)
	}
	return cols, nil
}

// QuoteString doubles single quotes. SQLite has no escape sequences, so
// NUL, CR and LF are spliced in with char() to keep each row on one line.
func (SQLite) QuoteString(s string) string {
	if !strings.ContainsAny(s, "\x00\r\n") {
		return sqliteQuote(s)
	}
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0, '\r', '\n':
			if i > start {
				parts = append(parts, sqliteQuote(s[start:i]))
			}
			parts = append(parts, "char("+strconv.Itoa(int(c))+")")
			start = i + 1
		}
	}
	if start < len(s) {
		parts = append(parts, sqliteQuote(s[start:]))
	}
	return strings.Join(parts, "||")
}

func (SQLite) QuoteBytes(b []byte) string {
	return "X'" + hex.EncodeToString(b) + "'"
}

func sqliteQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (SQLite) Preamble() string {
	return "PRAGMA foreign_keys = OFF;\nBEGIN TRANSACTION;\n"
}

func (SQLite) Postscript() string {
	return "COMMIT;\n"
}
