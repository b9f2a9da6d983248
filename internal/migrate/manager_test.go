package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sqlx.DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `select count(*) from sqlite_master where type = 'table' and name = ?`, name))
	return n == 1
}

func TestUpDownStatusSQLite(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	mgr, err := NewManager(db, DialectSQLite)
	require.NoError(t, err)

	require.NoError(t, mgr.Up(ctx))
	require.NoError(t, mgr.Up(ctx))

	applied, err := mgr.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"0001_actors.up.sql", "0002_revoked_tokens.up.sql", "0003_articles.up.sql"}, applied)
	for _, table := range []string{"actors", "revoked_tokens", "articles"} {
		require.True(t, tableExists(t, db, table), table)
	}

	require.NoError(t, mgr.Down(ctx))
	require.False(t, tableExists(t, db, "articles"))
	require.True(t, tableExists(t, db, "revoked_tokens"))

	applied, err = mgr.Status(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 2)

	require.NoError(t, mgr.Down(ctx))
	require.NoError(t, mgr.Down(ctx))
	require.ErrorIs(t, mgr.Down(ctx), ErrNothingToRollback)
}

func TestLiveEmailUniqueness(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	mgr, err := NewManager(db, DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, mgr.Up(ctx))

	insert := `insert into actors (id, email, username, password_hash, role, created_at, updated_at, deleted_at)
		values (?, ?, 'u', 'h', 'USER', current_timestamp, current_timestamp, ?)`
	_, err = db.Exec(insert, "a1", "a@x.com", "2024-01-01 00:00:00")
	require.NoError(t, err)
	_, err = db.Exec(insert, "a2", "a@x.com", nil)
	require.NoError(t, err, "soft-deleted rows must not block reuse")
	_, err = db.Exec(insert, "a3", "A@X.com", nil)
	require.Error(t, err)

	_, err = db.Exec(insert, "a4", "b@x.com", nil)
	require.NoError(t, err)
	_, err = db.Exec(`update actors set role = 'ROOT' where id = 'a4'`)
	require.Error(t, err)
}

func TestFailedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	src := fstest.MapFS{
		"0001_ok.up.sql":     {Data: []byte(`create table ok (id text primary key);`)},
		"0002_broken.up.sql": {Data: []byte(`create table half (id text); insert into missing values (1);`)},
	}
	mgr, err := NewManager(db, DialectSQLite, WithSource(src), WithMigrationsTable("test_migrations"))
	require.NoError(t, err)

	require.Error(t, mgr.Up(ctx))
	applied, err := mgr.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"0001_ok.up.sql"}, applied)
	require.True(t, tableExists(t, db, "ok"))
	require.False(t, tableExists(t, db, "half"))
}

func TestNewManagerRejectsUnknownDialect(t *testing.T) {
	_, err := NewManager(openSQLite(t), Dialect("oracle"))
	require.Error(t, err)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b'); select 1;\n")
	require.Len(t, stmts, 2)
	require.Equal(t, "insert into t values ('a;b');", stmts[0])
}
