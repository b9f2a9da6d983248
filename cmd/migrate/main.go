package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"quillpress.org/internal/migrate"
	"quillpress.org/internal/store/sqlstore"
)

func main() {
	log.SetFlags(0)
	var (
		driver = flag.String("driver", envOr("QUILL_STORAGE_DRIVER", "postgres"), "database driver: postgres or sqlite")
		dsn    = flag.String("dsn", os.Getenv("QUILL_DATABASE_DSN"), "database DSN")
		table  = flag.String("table", "", "override the migrations bookkeeping table")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or QUILL_DATABASE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	var (
		sqlDriver string
		dialect   migrate.Dialect
	)
	switch *driver {
	case "postgres":
		sqlDriver, dialect = sqlstore.DriverPostgres, migrate.DialectPostgres
	case "sqlite":
		sqlDriver, dialect = sqlstore.DriverSQLite, migrate.DialectSQLite
	default:
		log.Fatalf("unknown driver %q", *driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := sqlstore.Open(ctx, sqlDriver, *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer s.Close()

	mgr, err := migrate.NewManager(s.DB(), dialect, migrate.WithMigrationsTable(*table))
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
