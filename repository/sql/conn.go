// Package sql implements every repository port in package repository
// against database/sql, with multi-dialect conn/flavor/trans
// machinery: one query string is written against Postgres syntax and
// translated per-flavor for MySQL and SQLite, rather than
// hand-maintaining three copies of every statement.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// flavor captures the syntactic differences between the three
// supported drivers. It is deliberately narrow: it only translates the
// constructs this package's own queries actually use.
type flavor struct {
	name              string
	queryReplacers    []replacer
	executeTx         func(db *sql.DB, fn func(*sql.Tx) error) error
	supportsTimezones bool
	isUniqueViolation func(err error) bool
}

type replacer struct {
	re   *regexp.Regexp
	with string
}

var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

// flavorPostgres runs every transaction at SERIALIZABLE isolation and
// retries on a serialization failure — the optimistic-concurrency
// Update() paths rely on this retry to
// make a version-column compare-and-swap safe under real concurrency.
var flavorPostgres = flavor{
	name: "postgres",
	executeTx: func(db *sql.DB, fn func(*sql.Tx) error) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
		for {
			tx, err := db.BeginTx(ctx, opts)
			if err != nil {
				return err
			}
			if err := fn(tx); err != nil {
				tx.Rollback()
				if isSerializationFailure(err) {
					continue
				}
				return err
			}
			if err := tx.Commit(); err != nil {
				if isSerializationFailure(err) {
					continue
				}
				return err
			}
			return nil
		}
	},
	supportsTimezones: true,
	isUniqueViolation: func(err error) bool {
		pqErr, ok := err.(*pq.Error)
		return ok && pqErr.Code.Name() == "unique_violation"
	},
}

func isSerializationFailure(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "serialization_failure"
}

var flavorMySQL = flavor{
	name: "mysql",
	queryReplacers: []replacer{
		{bindRegexp, "?"},
		{matchLiteral("bigserial"), "bigint not null auto_increment"},
		{matchLiteral("timestamptz"), "datetime(6)"},
		{matchLiteral("bytea"), "blob"},
		{regexp.MustCompile(`\bnow\(\)`), "current_timestamp(6)"},
	},
	isUniqueViolation: func(err error) bool {
		myErr, ok := err.(*mysql.MySQLError)
		return ok && myErr.Number == 1062
	},
}

var flavorSQLite3 = flavor{
	name: "sqlite3",
	queryReplacers: []replacer{
		{bindRegexp, "?"},
		{matchLiteral("true"), "1"},
		{matchLiteral("false"), "0"},
		{matchLiteral("bigserial"), "integer"},
		{matchLiteral("boolean"), "integer"},
		{matchLiteral("bytea"), "blob"},
		{matchLiteral("timestamptz"), "timestamp"},
		{regexp.MustCompile(`\bnow\(\)`), "current_timestamp"},
	},
	isUniqueViolation: func(err error) bool {
		return err != nil && regexp.MustCompile(`UNIQUE constraint failed`).MatchString(err.Error())
	},
}

func (f flavor) translate(query string) string {
	for _, r := range f.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

func (f flavor) translateArgs(args []interface{}) []interface{} {
	if f.supportsTimezones {
		return args
	}
	for i, arg := range args {
		if t, ok := arg.(time.Time); ok {
			args[i] = t.UTC()
		}
	}
	return args
}

// conn is the shared database handle every aggregate repo is built on.
type conn struct {
	db     *sql.DB
	flavor flavor
}

// openConn opens a connection for the named driver ("postgres", "mysql",
// or "sqlite3") and dsn.
func openConn(driver, dsn string) (*conn, error) {
	var f flavor
	switch driver {
	case "postgres":
		f = flavorPostgres
	case "mysql":
		f = flavorMySQL
	case "sqlite3":
		f = flavorSQLite3
	default:
		return nil, fmt.Errorf("sql: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// always allow only one connection to sqlite3; any other
		// goroutine attempting concurrent access will have to wait
		db.SetMaxOpenConns(1)
	}
	return &conn{db: db, flavor: f}, nil
}

func (c *conn) Close() error { return c.db.Close() }

func (c *conn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.flavor.translate(query), c.flavor.translateArgs(args)...)
}

func (c *conn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.flavor.translate(query), c.flavor.translateArgs(args)...)
}

func (c *conn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, c.flavor.translate(query), c.flavor.translateArgs(args)...)
}

// trans wraps an open transaction so statements written against
// Postgres syntax are translated exactly like non-transactional
// queries on conn.
type trans struct {
	tx     *sql.Tx
	flavor flavor
}

func (t *trans) Exec(query string, args ...interface{}) (sql.Result, error) {
	return t.tx.Exec(t.flavor.translate(query), t.flavor.translateArgs(args)...)
}

func (t *trans) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.Query(t.flavor.translate(query), t.flavor.translateArgs(args)...)
}

func (t *trans) QueryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRow(t.flavor.translate(query), t.flavor.translateArgs(args)...)
}

// execTx runs fn within a transaction, retrying on Postgres
// serialization failures the way flavorPostgres.executeTx does.
func (c *conn) execTx(ctx context.Context, fn func(*trans) error) error {
	wrapped := func(tx *sql.Tx) error { return fn(&trans{tx: tx, flavor: c.flavor}) }
	if c.flavor.executeTx != nil {
		return c.flavor.executeTx(c.db, wrapped)
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := wrapped(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *conn) isUniqueViolation(err error) bool {
	return c.flavor.isUniqueViolation != nil && c.flavor.isUniqueViolation(err)
}
