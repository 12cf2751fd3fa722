package catalog

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/duck"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/schema"
)

func testConn(t *testing.T) (duck.Connection, *slog.Logger) {
	t.Helper()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := duck.NewDB(ctx, t.TempDir()+"/test.db", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, log
}

func TestDuckDirectory(t *testing.T) {
	t.Parallel()

	t.Run("init is idempotent", func(t *testing.T) {
		t.Parallel()

		conn, log := testConn(t)
		dir, err := NewDuckDirectory(DirectoryConfig{Logger: log, Conn: conn})
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, dir.Init(ctx))
		require.NoError(t, dir.Init(ctx))
	})

	t.Run("upsert registers and updates tenants", func(t *testing.T) {
		t.Parallel()

		conn, log := testConn(t)
		dir, err := NewDuckDirectory(DirectoryConfig{Logger: log, Conn: conn})
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, dir.Init(ctx))

		require.NoError(t, dir.Upsert(ctx, Tenant{ID: "t2", Name: "Beta", SchemaName: "bronze_t2", Active: true}))
		require.NoError(t, dir.Upsert(ctx, Tenant{ID: "t1", Name: "Alpha", SchemaName: "bronze_t1", Active: true}))

		tenants, err := dir.Tenants(ctx)
		require.NoError(t, err)
		require.Len(t, tenants, 2)
		require.Equal(t, "t1", tenants[0].ID)
		require.Equal(t, "t2", tenants[1].ID)

		// Deactivating hides the tenant from the active list.
		require.NoError(t, dir.Upsert(ctx, Tenant{ID: "t2", Name: "Beta", SchemaName: "bronze_t2", Active: false}))
		tenants, err = dir.Tenants(ctx)
		require.NoError(t, err)
		require.Len(t, tenants, 1)
		require.Equal(t, "t1", tenants[0].ID)
	})

	t.Run("upsert rejects missing fields", func(t *testing.T) {
		t.Parallel()

		conn, log := testConn(t)
		dir, err := NewDuckDirectory(DirectoryConfig{Logger: log, Conn: conn})
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, dir.Init(ctx))
		require.Error(t, dir.Upsert(ctx, Tenant{Name: "no id"}))
		require.Error(t, dir.Upsert(ctx, Tenant{ID: "t1"}))
	})
}

func TestStaticDirectory(t *testing.T) {
	t.Parallel()

	dir := NewStaticDirectory([]Tenant{
		{ID: "t1", SchemaName: "bronze_t1", Active: true},
		{ID: "t2", SchemaName: "bronze_t2", Active: false},
	})
	tenants, err := dir.Tenants(context.Background())
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	require.Equal(t, "t1", tenants[0].ID)
}

func TestDuckInspector(t *testing.T) {
	t.Parallel()

	seed := func(t *testing.T, conn duck.Connection) {
		t.Helper()
		ctx := context.Background()
		stmts := []string{
			"CREATE SCHEMA bronze_t1",
			`CREATE TABLE bronze_t1.jobs (
				id BIGINT,
				amount DOUBLE,
				note VARCHAR,
				created_on TIMESTAMP,
				tags VARCHAR[]
			)`,
			"CREATE TABLE bronze_t1.customers (id BIGINT)",
		}
		for _, stmt := range stmts {
			_, err := conn.ExecContext(ctx, stmt)
			require.NoError(t, err)
		}
	}

	t.Run("reads and normalizes a table schema", func(t *testing.T) {
		t.Parallel()

		conn, log := testConn(t)
		seed(t, conn)

		insp, err := NewDuckInspector(InspectorConfig{Logger: log, Conn: conn})
		require.NoError(t, err)
		defer insp.Close()

		tenant := Tenant{ID: "t1", SchemaName: "bronze_t1"}
		ts, err := insp.TableSchema(context.Background(), tenant, "jobs")
		require.NoError(t, err)
		require.Equal(t, "t1", ts.TenantID)
		require.Equal(t, "jobs", ts.TableName)
		require.Len(t, ts.Fields, 5)

		id, ok := ts.Field("id")
		require.True(t, ok)
		require.Equal(t, schema.TypeInt64, id.DeclaredType)

		amount, ok := ts.Field("amount")
		require.True(t, ok)
		require.Equal(t, schema.TypeFloat64, amount.DeclaredType)

		tags, ok := ts.Field("tags")
		require.True(t, ok)
		require.Equal(t, schema.TypeString, tags.DeclaredType)
		require.True(t, tags.Repeated)
	})

	t.Run("missing table yields an empty schema, not an error", func(t *testing.T) {
		t.Parallel()

		conn, log := testConn(t)
		seed(t, conn)

		insp, err := NewDuckInspector(InspectorConfig{Logger: log, Conn: conn})
		require.NoError(t, err)
		defer insp.Close()

		tenant := Tenant{ID: "t1", SchemaName: "bronze_t1"}
		ts, err := insp.TableSchema(context.Background(), tenant, "no_such_table")
		require.NoError(t, err)
		require.True(t, ts.Empty())
	})

	t.Run("repeated lookups are served from cache", func(t *testing.T) {
		t.Parallel()

		conn, log := testConn(t)
		seed(t, conn)

		insp, err := NewDuckInspector(InspectorConfig{Logger: log, Conn: conn})
		require.NoError(t, err)
		defer insp.Close()

		ctx := context.Background()
		tenant := Tenant{ID: "t1", SchemaName: "bronze_t1"}

		first, err := insp.TableSchema(ctx, tenant, "jobs")
		require.NoError(t, err)

		// Drop a column behind the cache's back; the cached layout should
		// still be served inside the TTL.
		_, err = conn.ExecContext(ctx, "ALTER TABLE bronze_t1.jobs DROP COLUMN note")
		require.NoError(t, err)

		second, err := insp.TableSchema(ctx, tenant, "jobs")
		require.NoError(t, err)
		require.Equal(t, len(first.Fields), len(second.Fields))
	})

	t.Run("lists base tables sorted", func(t *testing.T) {
		t.Parallel()

		conn, log := testConn(t)
		seed(t, conn)

		insp, err := NewDuckInspector(InspectorConfig{Logger: log, Conn: conn})
		require.NoError(t, err)
		defer insp.Close()

		tables, err := insp.Tables(context.Background(), Tenant{ID: "t1", SchemaName: "bronze_t1"})
		require.NoError(t, err)
		require.Equal(t, []string{"customers", "jobs"}, tables)
	})
}
