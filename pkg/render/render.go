package render

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/schema"
)

const (
	DefaultSilverSchemaPrefix = "silver_"
	DefaultCentralSchema      = "central"
	DefaultViewPrefix         = "vw_"
	DefaultCentralViewPrefix  = "vw_consolidated_"

	// SourceTenantColumn and ConsolidatedAtColumn are the lineage columns
	// appended after every canonical field in generated definitions.
	SourceTenantColumn   = "source_tenant"
	ConsolidatedAtColumn = "consolidated_at"
)

// ColumnSource says how a tenant view derives one canonical column from the
// tenant's physical table.
type ColumnSource int

const (
	// SourceProject references the physical column directly.
	SourceProject ColumnSource = iota
	// SourceWiden applies an unconditional lossless cast.
	SourceWiden
	// SourceSafeCast applies a failure-tolerant cast, substituting the
	// type's default when a value cannot convert.
	SourceSafeCast
	// SourceNull emits a typed NULL because the tenant lacks the field.
	SourceNull
)

// ColumnSpec is one rendered column of a tenant view, in canonical layout
// order.
type ColumnSpec struct {
	Name   string
	Type   schema.Type
	Source ColumnSource
	Expr   string
}

// ViewDefinition is a named object plus the ordered statements that
// materialize it. Statements are executed in order; earlier statements create
// the containing schema.
type ViewDefinition struct {
	Name       string
	Statements []string
}

type GeneratorConfig struct {
	Logger  *slog.Logger
	Dialect Dialect

	// SilverSchemaPrefix prefixes the per-tenant schema holding normalized
	// views. Defaults to DefaultSilverSchemaPrefix.
	SilverSchemaPrefix string
	// CentralSchema holds consolidated views and tables. Defaults to
	// DefaultCentralSchema.
	CentralSchema string
	// ViewPrefix prefixes per-tenant normalized view names. Defaults to
	// DefaultViewPrefix.
	ViewPrefix string
	// CentralViewPrefix prefixes central consolidated view names. Defaults
	// to DefaultCentralViewPrefix.
	CentralViewPrefix string
}

func (cfg *GeneratorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dialect == nil {
		cfg.Dialect = DuckDBDialect{}
	}
	if cfg.SilverSchemaPrefix == "" {
		cfg.SilverSchemaPrefix = DefaultSilverSchemaPrefix
	}
	if cfg.CentralSchema == "" {
		cfg.CentralSchema = DefaultCentralSchema
	}
	if cfg.ViewPrefix == "" {
		cfg.ViewPrefix = DefaultViewPrefix
	}
	if cfg.CentralViewPrefix == "" {
		cfg.CentralViewPrefix = DefaultCentralViewPrefix
	}
	return nil
}

// Generator renders tenant views, central consolidated views, and central
// consolidated tables from canonical layouts. It only builds SQL text; it
// never touches a database.
type Generator struct {
	log *slog.Logger
	cfg GeneratorConfig
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Generator{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// SilverSchema returns the per-tenant schema name holding the tenant's
// normalized views.
func (g *Generator) SilverSchema(tenantID string) string {
	return g.cfg.SilverSchemaPrefix + tenantID
}

// TenantViewName returns the normalized view name for a table.
func (g *Generator) TenantViewName(tableName string) string {
	return g.cfg.ViewPrefix + tableName
}

// CentralViewName returns the consolidated view name for a table.
func (g *Generator) CentralViewName(tableName string) string {
	return g.cfg.CentralViewPrefix + tableName
}

// BuildTenantColumns maps every canonical field onto an expression over the
// tenant's physical table, in layout order. Present fields with the target
// type project directly, losslessly convertible fields get an unconditional
// cast, everything else gets a failure-tolerant cast with the type's default,
// and absent fields become typed NULLs. Casts on repeated fields target the
// array type so every branch of a union carries the same column type.
func (g *Generator) BuildTenantColumns(layout schema.CanonicalLayout, ts schema.TenantSchema) []ColumnSpec {
	d := g.cfg.Dialect
	cols := make([]ColumnSpec, 0, len(layout.Fields))
	for _, f := range layout.Fields {
		spec := ColumnSpec{Name: f.Name, Type: f.TargetType}

		phys, ok := ts.Field(f.Name)
		switch {
		case !ok:
			spec.Source = SourceNull
			spec.Expr = fmt.Sprintf("CAST(NULL AS %s)", d.TypeName(f.TargetType, f.Repeated))

		case phys.Repeated && !f.Repeated:
			// A repeated value folded into a scalar target serializes to
			// its JSON text.
			spec.Source = SourceSafeCast
			spec.Expr = d.JSONText(f.Name)

		case phys.DeclaredType == f.TargetType && phys.Repeated == f.Repeated:
			spec.Source = SourceProject
			spec.Expr = f.Name

		case phys.Repeated == f.Repeated && schema.Widens(phys.DeclaredType, f.TargetType):
			spec.Source = SourceWiden
			spec.Expr = d.Cast(f.Name, f.TargetType, f.Repeated)

		default:
			spec.Source = SourceSafeCast
			safe := d.SafeCast(f.Name, f.TargetType, f.Repeated)
			// Defaults are scalar literals; a repeated target keeps NULL.
			if def := DefaultLiteral(f.TargetType); !f.Repeated && def != "NULL" {
				spec.Expr = fmt.Sprintf("COALESCE(%s, %s)", safe, def)
			} else {
				spec.Expr = safe
			}
		}

		cols = append(cols, spec)
	}
	return cols
}

// TenantView renders the normalized view of one tenant's table against the
// canonical layout. bronzeSchema is the schema holding the tenant's raw
// table.
func (g *Generator) TenantView(tenantID, bronzeSchema string, layout schema.CanonicalLayout, ts schema.TenantSchema) (ViewDefinition, error) {
	if len(layout.Fields) == 0 {
		return ViewDefinition{}, fmt.Errorf("layout for table %q has no fields", layout.TableName)
	}
	if ts.Empty() {
		return ViewDefinition{}, fmt.Errorf("tenant %q has no schema for table %q", tenantID, layout.TableName)
	}

	d := g.cfg.Dialect
	cols := g.BuildTenantColumns(layout, ts)

	lines := make([]string, 0, len(cols)+2)
	for _, c := range cols {
		if c.Source == SourceProject {
			lines = append(lines, fmt.Sprintf("    %s", c.Expr))
			continue
		}
		lines = append(lines, fmt.Sprintf("    %s AS %s", c.Expr, c.Name))
	}
	lines = append(lines,
		fmt.Sprintf("    %s AS %s", d.StringLiteral(tenantID), SourceTenantColumn),
		fmt.Sprintf("    %s AS %s", d.CurrentTimestamp(), ConsolidatedAtColumn),
	)

	query := fmt.Sprintf("SELECT\n%s\nFROM %s",
		strings.Join(lines, ",\n"),
		d.QualifyTable(bronzeSchema, layout.TableName))

	silverSchema := g.SilverSchema(tenantID)
	viewName := g.TenantViewName(layout.TableName)

	g.log.Debug("rendered tenant view",
		"tenant", tenantID,
		"table", layout.TableName,
		"view", viewName,
		"columns", len(cols))

	return ViewDefinition{
		Name: viewName,
		Statements: []string{
			fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", silverSchema),
			d.CreateView(d.QualifyTable(silverSchema, viewName), query),
		},
	}, nil
}

// CentralView renders the consolidated view of a table as a position-aligned
// UNION ALL over the tenants' normalized views. Only tenants whose views
// converged should be passed in; an empty tenant list is an error because a
// union needs at least one branch.
func (g *Generator) CentralView(layout schema.CanonicalLayout, tenantIDs []string) (ViewDefinition, error) {
	query, err := g.unionQuery(layout, tenantIDs)
	if err != nil {
		return ViewDefinition{}, err
	}

	d := g.cfg.Dialect
	viewName := g.CentralViewName(layout.TableName)

	g.log.Debug("rendered central view",
		"table", layout.TableName,
		"view", viewName,
		"tenants", len(tenantIDs))

	return ViewDefinition{
		Name: viewName,
		Statements: []string{
			fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", g.cfg.CentralSchema),
			d.CreateView(d.QualifyTable(g.cfg.CentralSchema, viewName), query),
		},
	}, nil
}

// ConsolidatedTable renders the materialized central table for a layout. The
// partition field is the first candidate present in the layout with a
// temporal type; cluster candidates are kept only when the layout (or a
// lineage column) carries them.
func (g *Generator) ConsolidatedTable(layout schema.CanonicalLayout, tenantIDs []string, partitionFields, clusterFields []string) (ViewDefinition, error) {
	query, err := g.unionQuery(layout, tenantIDs)
	if err != nil {
		return ViewDefinition{}, err
	}

	partition := ""
	for _, cand := range partitionFields {
		f, ok := layout.Field(cand)
		if !ok || f.Repeated {
			continue
		}
		switch f.TargetType {
		case schema.TypeDate, schema.TypeDatetime, schema.TypeTimestamp:
			partition = cand
		}
		if partition != "" {
			break
		}
	}

	cluster := make([]string, 0, len(clusterFields))
	for _, cand := range clusterFields {
		if cand == SourceTenantColumn {
			cluster = append(cluster, cand)
			continue
		}
		if _, ok := layout.Field(cand); ok {
			cluster = append(cluster, cand)
		}
	}

	d := g.cfg.Dialect
	target := d.QualifyTable(g.cfg.CentralSchema, layout.TableName)

	g.log.Debug("rendered consolidated table",
		"table", layout.TableName,
		"tenants", len(tenantIDs),
		"partition", partition,
		"cluster", strings.Join(cluster, ","))

	return ViewDefinition{
		Name: layout.TableName,
		Statements: []string{
			fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", g.cfg.CentralSchema),
			d.CreateTable(target, query, partition, cluster),
		},
	}, nil
}

// unionQuery builds the UNION ALL body shared by central views and
// consolidated tables. Every branch names its columns explicitly so a stale
// or hand-edited tenant view cannot silently shift positions.
func (g *Generator) unionQuery(layout schema.CanonicalLayout, tenantIDs []string) (string, error) {
	if len(layout.Fields) == 0 {
		return "", fmt.Errorf("layout for table %q has no fields", layout.TableName)
	}
	if len(tenantIDs) == 0 {
		return "", fmt.Errorf("no tenants to consolidate for table %q", layout.TableName)
	}

	d := g.cfg.Dialect
	names := make([]string, 0, len(layout.Fields)+2)
	for _, f := range layout.Fields {
		names = append(names, f.Name)
	}
	names = append(names, SourceTenantColumn, ConsolidatedAtColumn)
	columnList := strings.Join(names, ",\n    ")

	branches := make([]string, 0, len(tenantIDs))
	for _, tenantID := range tenantIDs {
		source := d.QualifyTable(g.SilverSchema(tenantID), g.TenantViewName(layout.TableName))
		branches = append(branches, fmt.Sprintf("SELECT\n    %s\nFROM %s", columnList, source))
	}
	return strings.Join(branches, "\nUNION ALL\n"), nil
}
