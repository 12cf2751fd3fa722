package render

import (
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/schema"
)

func newTestGenerator(t *testing.T, d Dialect) *Generator {
	t.Helper()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	g, err := NewGenerator(GeneratorConfig{
		Logger:  log,
		Dialect: d,
	})
	require.NoError(t, err)
	return g
}

func jobsLayout() schema.CanonicalLayout {
	return schema.CanonicalLayout{
		TableName: "jobs",
		Fields: []schema.ReconciledField{
			{Name: "amount", TargetType: schema.TypeFloat64, Order: 0},
			{Name: "created_on", TargetType: schema.TypeTimestamp, Order: 1},
			{Name: "id", TargetType: schema.TypeInt64, Order: 2},
			{Name: "note", TargetType: schema.TypeString, Order: 3},
		},
	}
}

func TestBuildTenantColumns(t *testing.T) {
	t.Parallel()

	g := newTestGenerator(t, DuckDBDialect{})

	t.Run("matching field projects directly", func(t *testing.T) {
		t.Parallel()

		cols := g.BuildTenantColumns(jobsLayout(), schema.TenantSchema{
			TenantID: "t1",
			Fields: []schema.FieldDescriptor{
				{Name: "amount", DeclaredType: schema.TypeFloat64},
				{Name: "created_on", DeclaredType: schema.TypeTimestamp},
				{Name: "id", DeclaredType: schema.TypeInt64},
				{Name: "note", DeclaredType: schema.TypeString},
			},
		})
		require.Len(t, cols, 4)
		for _, c := range cols {
			require.Equal(t, SourceProject, c.Source)
			require.Equal(t, c.Name, c.Expr)
		}
	})

	t.Run("lossless numeric mismatch widens unconditionally", func(t *testing.T) {
		t.Parallel()

		cols := g.BuildTenantColumns(jobsLayout(), schema.TenantSchema{
			TenantID: "t1",
			Fields: []schema.FieldDescriptor{
				{Name: "amount", DeclaredType: schema.TypeInt64},
			},
		})
		require.Equal(t, SourceWiden, cols[0].Source)
		require.Equal(t, "CAST(amount AS DOUBLE)", cols[0].Expr)
	})

	t.Run("lossy mismatch gets a safe cast with default", func(t *testing.T) {
		t.Parallel()

		cols := g.BuildTenantColumns(jobsLayout(), schema.TenantSchema{
			TenantID: "t1",
			Fields: []schema.FieldDescriptor{
				{Name: "id", DeclaredType: schema.TypeString},
			},
		})
		id := cols[2]
		require.Equal(t, "id", id.Name)
		require.Equal(t, SourceSafeCast, id.Source)
		require.Equal(t, "COALESCE(TRY_CAST(id AS BIGINT), 0)", id.Expr)
	})

	t.Run("temporal safe cast has no default", func(t *testing.T) {
		t.Parallel()

		cols := g.BuildTenantColumns(jobsLayout(), schema.TenantSchema{
			TenantID: "t1",
			Fields: []schema.FieldDescriptor{
				{Name: "created_on", DeclaredType: schema.TypeString},
			},
		})
		created := cols[1]
		require.Equal(t, SourceSafeCast, created.Source)
		require.Equal(t, "TRY_CAST(created_on AS TIMESTAMPTZ)", created.Expr)
	})

	t.Run("absent field becomes a typed null", func(t *testing.T) {
		t.Parallel()

		cols := g.BuildTenantColumns(jobsLayout(), schema.TenantSchema{
			TenantID: "t1",
			Fields: []schema.FieldDescriptor{
				{Name: "id", DeclaredType: schema.TypeInt64},
			},
		})
		require.Equal(t, SourceNull, cols[0].Source)
		require.Equal(t, "CAST(NULL AS DOUBLE)", cols[0].Expr)
		require.Equal(t, SourceNull, cols[3].Source)
		require.Equal(t, "CAST(NULL AS VARCHAR)", cols[3].Expr)
	})

	t.Run("repeated source folding to scalar serializes to json text", func(t *testing.T) {
		t.Parallel()

		layout := schema.CanonicalLayout{
			TableName: "jobs",
			Fields:    []schema.ReconciledField{{Name: "tags", TargetType: schema.TypeString}},
		}
		cols := g.BuildTenantColumns(layout, schema.TenantSchema{
			TenantID: "t1",
			Fields: []schema.FieldDescriptor{
				{Name: "tags", DeclaredType: schema.TypeString, Repeated: true},
			},
		})
		require.Equal(t, "CAST(to_json(tags) AS VARCHAR)", cols[0].Expr)
	})

	t.Run("repeated field with widened element type casts to the array type", func(t *testing.T) {
		t.Parallel()

		layout := schema.CanonicalLayout{
			TableName: "jobs",
			Fields:    []schema.ReconciledField{{Name: "vals", TargetType: schema.TypeFloat64, Repeated: true}},
		}

		cols := g.BuildTenantColumns(layout, schema.TenantSchema{
			TenantID: "t1",
			Fields:   []schema.FieldDescriptor{{Name: "vals", DeclaredType: schema.TypeInt64, Repeated: true}},
		})
		require.Equal(t, SourceWiden, cols[0].Source)
		require.Equal(t, "CAST(vals AS DOUBLE[])", cols[0].Expr)

		// The typed NULL for a tenant lacking the field matches that shape.
		cols = g.BuildTenantColumns(layout, schema.TenantSchema{
			TenantID: "t2",
			Fields:   []schema.FieldDescriptor{{Name: "other", DeclaredType: schema.TypeInt64}},
		})
		require.Equal(t, SourceNull, cols[0].Source)
		require.Equal(t, "CAST(NULL AS DOUBLE[])", cols[0].Expr)
	})

	t.Run("repeated field falling back to string keeps the array shape", func(t *testing.T) {
		t.Parallel()

		layout := schema.CanonicalLayout{
			TableName: "jobs",
			Fields: []schema.ReconciledField{
				{Name: "vals", TargetType: schema.TypeString, Repeated: true, HasTypeConflict: true},
			},
		}
		cols := g.BuildTenantColumns(layout, schema.TenantSchema{
			TenantID: "t1",
			Fields:   []schema.FieldDescriptor{{Name: "vals", DeclaredType: schema.TypeBool, Repeated: true}},
		})
		require.Equal(t, SourceSafeCast, cols[0].Source)
		require.Equal(t, "TRY_CAST(vals AS VARCHAR[])", cols[0].Expr)
	})

	t.Run("columns follow layout order regardless of physical order", func(t *testing.T) {
		t.Parallel()

		cols := g.BuildTenantColumns(jobsLayout(), schema.TenantSchema{
			TenantID: "t1",
			Fields: []schema.FieldDescriptor{
				{Name: "note", DeclaredType: schema.TypeString},
				{Name: "id", DeclaredType: schema.TypeInt64},
				{Name: "created_on", DeclaredType: schema.TypeTimestamp},
				{Name: "amount", DeclaredType: schema.TypeFloat64},
			},
		})
		var names []string
		for _, c := range cols {
			names = append(names, c.Name)
		}
		require.Equal(t, []string{"amount", "created_on", "id", "note"}, names)
	})
}

func TestTenantView(t *testing.T) {
	t.Parallel()

	g := newTestGenerator(t, DuckDBDialect{})

	t.Run("renders schema and view statements", func(t *testing.T) {
		t.Parallel()

		view, err := g.TenantView("t1", "bronze_t1", jobsLayout(), schema.TenantSchema{
			TenantID: "t1",
			Fields: []schema.FieldDescriptor{
				{Name: "amount", DeclaredType: schema.TypeFloat64},
				{Name: "id", DeclaredType: schema.TypeInt64},
			},
		})
		require.NoError(t, err)
		require.Equal(t, "vw_jobs", view.Name)
		require.Len(t, view.Statements, 2)
		require.Equal(t, "CREATE SCHEMA IF NOT EXISTS silver_t1", view.Statements[0])
		require.Contains(t, view.Statements[1], "CREATE OR REPLACE VIEW silver_t1.vw_jobs AS")
		require.Contains(t, view.Statements[1], "FROM bronze_t1.jobs")
		require.Contains(t, view.Statements[1], "'t1' AS source_tenant")
		require.Contains(t, view.Statements[1], "CURRENT_TIMESTAMP AS consolidated_at")
	})

	t.Run("empty tenant schema is an error", func(t *testing.T) {
		t.Parallel()

		_, err := g.TenantView("t1", "bronze_t1", jobsLayout(), schema.TenantSchema{TenantID: "t1"})
		require.Error(t, err)
	})

	t.Run("empty layout is an error", func(t *testing.T) {
		t.Parallel()

		_, err := g.TenantView("t1", "bronze_t1", schema.CanonicalLayout{TableName: "jobs"}, schema.TenantSchema{
			TenantID: "t1",
			Fields:   []schema.FieldDescriptor{{Name: "id", DeclaredType: schema.TypeInt64}},
		})
		require.Error(t, err)
	})
}

func TestCentralView(t *testing.T) {
	t.Parallel()

	g := newTestGenerator(t, DuckDBDialect{})

	t.Run("unions one branch per tenant", func(t *testing.T) {
		t.Parallel()

		view, err := g.CentralView(jobsLayout(), []string{"t1", "t2", "t3"})
		require.NoError(t, err)
		require.Equal(t, "vw_consolidated_jobs", view.Name)
		require.Len(t, view.Statements, 2)
		require.Equal(t, "CREATE SCHEMA IF NOT EXISTS central", view.Statements[0])

		body := view.Statements[1]
		require.Contains(t, body, "CREATE OR REPLACE VIEW central.vw_consolidated_jobs AS")
		require.Equal(t, 2, strings.Count(body, "UNION ALL"))
		require.Contains(t, body, "FROM silver_t1.vw_jobs")
		require.Contains(t, body, "FROM silver_t2.vw_jobs")
		require.Contains(t, body, "FROM silver_t3.vw_jobs")
	})

	t.Run("branches name every column explicitly", func(t *testing.T) {
		t.Parallel()

		view, err := g.CentralView(jobsLayout(), []string{"t1"})
		require.NoError(t, err)

		body := view.Statements[1]
		for _, name := range []string{"amount", "created_on", "id", "note", "source_tenant", "consolidated_at"} {
			require.Contains(t, body, name)
		}
	})

	t.Run("no tenants is an error", func(t *testing.T) {
		t.Parallel()

		_, err := g.CentralView(jobsLayout(), nil)
		require.Error(t, err)
	})
}

func TestConsolidatedTable(t *testing.T) {
	t.Parallel()

	t.Run("duckdb renders a plain table", func(t *testing.T) {
		t.Parallel()

		g := newTestGenerator(t, DuckDBDialect{})
		def, err := g.ConsolidatedTable(jobsLayout(), []string{"t1", "t2"},
			[]string{"created_on"}, []string{"source_tenant", "id"})
		require.NoError(t, err)
		require.Contains(t, def.Statements[1], "CREATE OR REPLACE TABLE central.jobs AS")
		require.NotContains(t, def.Statements[1], "PARTITION BY")
		require.NotContains(t, def.Statements[1], "CLUSTER BY")
	})

	t.Run("bigquery renders partition and cluster directives", func(t *testing.T) {
		t.Parallel()

		g := newTestGenerator(t, BigQueryDialect{})
		def, err := g.ConsolidatedTable(jobsLayout(), []string{"t1"},
			[]string{"created_on"}, []string{"source_tenant", "id"})
		require.NoError(t, err)

		body := def.Statements[1]
		require.Contains(t, body, "PARTITION BY DATE(created_on)")
		require.Contains(t, body, "CLUSTER BY source_tenant, id")
	})

	t.Run("partition candidates are tried in priority order", func(t *testing.T) {
		t.Parallel()

		g := newTestGenerator(t, BigQueryDialect{})
		def, err := g.ConsolidatedTable(jobsLayout(), []string{"t1"},
			[]string{"date_created", "created_on"}, nil)
		require.NoError(t, err)
		require.Contains(t, def.Statements[1], "PARTITION BY DATE(created_on)")
	})

	t.Run("non-temporal partition candidates are ignored", func(t *testing.T) {
		t.Parallel()

		g := newTestGenerator(t, BigQueryDialect{})
		def, err := g.ConsolidatedTable(jobsLayout(), []string{"t1"},
			[]string{"note"}, nil)
		require.NoError(t, err)
		require.NotContains(t, def.Statements[1], "PARTITION BY")
	})

	t.Run("cluster candidates missing from the layout are dropped", func(t *testing.T) {
		t.Parallel()

		g := newTestGenerator(t, BigQueryDialect{})
		def, err := g.ConsolidatedTable(jobsLayout(), []string{"t1"},
			nil, []string{"source_tenant", "nope", "id"})
		require.NoError(t, err)
		require.Contains(t, def.Statements[1], "CLUSTER BY source_tenant, id")
	})
}

func TestDialects(t *testing.T) {
	t.Parallel()

	t.Run("safe cast spelling differs per engine", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, "TRY_CAST(x AS BIGINT)", DuckDBDialect{}.SafeCast("x", schema.TypeInt64, false))
		require.Equal(t, "SAFE_CAST(x AS INT64)", BigQueryDialect{}.SafeCast("x", schema.TypeInt64, false))
	})

	t.Run("casts on repeated fields target the array type", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, "CAST(x AS DOUBLE[])", DuckDBDialect{}.Cast("x", schema.TypeFloat64, true))
		require.Equal(t, "TRY_CAST(x AS VARCHAR[])", DuckDBDialect{}.SafeCast("x", schema.TypeString, true))
		require.Equal(t, "SAFE_CAST(x AS ARRAY<STRING>)", BigQueryDialect{}.SafeCast("x", schema.TypeString, true))
	})

	t.Run("bigquery qualifies tables with backticks", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, "`central.jobs`", BigQueryDialect{}.QualifyTable("central", "jobs"))
		require.Equal(t, "central.jobs", DuckDBDialect{}.QualifyTable("central", "jobs"))
	})

	t.Run("string literals escape quotes", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, "'it''s'", DuckDBDialect{}.StringLiteral("it's"))
		require.Equal(t, `'it\'s'`, BigQueryDialect{}.StringLiteral("it's"))
	})

	t.Run("default literals per type", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, "''", DefaultLiteral(schema.TypeString))
		require.Equal(t, "0", DefaultLiteral(schema.TypeInt64))
		require.Equal(t, "0.0", DefaultLiteral(schema.TypeFloat64))
		require.Equal(t, "0.0", DefaultLiteral(schema.TypeNumeric))
		require.Equal(t, "FALSE", DefaultLiteral(schema.TypeBool))
		require.Equal(t, "NULL", DefaultLiteral(schema.TypeTimestamp))
		require.Equal(t, "NULL", DefaultLiteral(schema.TypeJSON))
		require.Equal(t, "NULL", DefaultLiteral(schema.TypeBytes))
	})

	t.Run("repeated type names", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, "VARCHAR[]", DuckDBDialect{}.TypeName(schema.TypeString, true))
		require.Equal(t, "ARRAY<STRING>", BigQueryDialect{}.TypeName(schema.TypeString, true))
	})
}
