// Package store selects and opens the configured storage backend.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"quillpress.org/internal/articles"
	"quillpress.org/internal/auth"
	"quillpress.org/internal/migrate"
	"quillpress.org/internal/store/memory"
	"quillpress.org/internal/store/sqlstore"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Backend bundles the repositories of one storage driver.
type Backend struct {
	Driver   string
	Auth     auth.Store
	Articles articles.Store

	ping  func(context.Context) error
	close func() error
}

// Ping reports whether the backend is reachable.
func (b *Backend) Ping(ctx context.Context) error { return b.ping(ctx) }

// Close releases connections.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Options controls Open.
type Options struct {
	Driver string
	DSN    string
	// Migrate applies pending schema migrations after connecting.
	Migrate bool
	Logger  *zap.Logger
}

// Open connects to the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	switch opts.Driver {
	case DriverMemory, "":
		mem := memory.New()
		log.Warn("using in-memory storage; data is lost on restart")
		return &Backend{Driver: DriverMemory, Auth: mem, Articles: mem.Articles(), ping: mem.Ping}, nil
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}

	sqlDriver, dialect := sqlstore.DriverPostgres, migrate.DialectPostgres
	if opts.Driver == DriverSQLite {
		sqlDriver, dialect = sqlstore.DriverSQLite, migrate.DialectSQLite
	}
	s, err := sqlstore.Open(ctx, sqlDriver, opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.Migrate {
		mgr, err := migrate.NewManager(s.DB(), dialect)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := mgr.Up(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("store: migrate: %w", err)
		}
		applied, err := mgr.Status(ctx)
		if err == nil {
			log.Info("schema up to date", zap.String("driver", opts.Driver), zap.Int("migrations", len(applied)))
		}
	}
	return &Backend{
		Driver:   opts.Driver,
		Auth:     s,
		Articles: s.Articles(),
		ping:     s.Ping,
		close:    s.Close,
	}, nil
}
