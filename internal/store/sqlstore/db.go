// Package sqlstore persists actors, revocations and articles in PostgreSQL
// (pgx) or SQLite (modernc) through sqlx. Queries are written with `?`
// placeholders and rebound for the active driver.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"quillpress.org/internal/articles"
	"quillpress.org/internal/auth"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"

	pgUniqueViolation = "23505"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store implements auth.Store and exposes an articles.Store.
type Store struct {
	db  *sqlx.DB
	q   sqlx.ExtContext
	now func() time.Time
}

var _ auth.Store = (*Store)(nil)

// Open connects to dsn with the given driver and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection also keeps
		// in-memory databases shared.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, q: db, now: time.Now}
}

// sqliteDSN enables foreign keys and a sortable time encoding.
func sqliteDSN(dsn string) string {
	base, query, _ := strings.Cut(dsn, "?")
	params, err := url.ParseQuery(query)
	if err != nil {
		return dsn
	}
	if params.Get("_time_format") == "" {
		params.Set("_time_format", "sqlite")
	}
	hasFK := false
	for _, p := range params["_pragma"] {
		if strings.HasPrefix(strings.ToLower(p), "foreign_keys") {
			hasFK = true
		}
	}
	if !hasFK {
		params.Add("_pragma", "foreign_keys(1)")
	}
	return base + "?" + params.Encode()
}

// DB exposes the pool for migrations.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Ping satisfies readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Actors(ctx context.Context) auth.ActorStore { return actorRepo{s} }

func (s *Store) Revocations(ctx context.Context) auth.RevocationStore { return revocationRepo{s} }

// Articles returns the article repository.
func (s *Store) Articles() articles.Store { return articleRepo{s} }

// InTx runs fn inside a database transaction. Nested calls reuse the
// outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(auth.Store) error) error {
	if _, ok := s.q.(*sqlx.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&Store{db: s.db, q: tx, now: s.now}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) rebind(query string) string { return s.q.Rebind(query) }

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) timestamp() time.Time { return s.now().UTC() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

func notFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}
