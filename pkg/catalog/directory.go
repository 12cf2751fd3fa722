package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/duck"
)

const (
	DefaultSettingsSchema = "settings"
	DefaultTenantsTable   = "tenants"
)

// ErrCatalogUnavailable marks failures of the catalog itself, as opposed to
// a tenant merely lacking a table. Callers treat it as fatal for the run.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// Tenant is one registered source project. SchemaName is the schema holding
// the tenant's raw tables.
type Tenant struct {
	ID         string
	Name       string
	SchemaName string
	Active     bool
}

// Directory lists the tenants participating in consolidation.
type Directory interface {
	// Tenants returns active tenants ordered by ID.
	Tenants(ctx context.Context) ([]Tenant, error)
}

type DirectoryConfig struct {
	Logger *slog.Logger
	Conn   duck.Connection

	// SettingsSchema holds the tenants table. Defaults to
	// DefaultSettingsSchema.
	SettingsSchema string
	// TenantsTable is the tenant registry table name. Defaults to
	// DefaultTenantsTable.
	TenantsTable string
}

func (cfg *DirectoryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("connection is required")
	}
	if cfg.SettingsSchema == "" {
		cfg.SettingsSchema = DefaultSettingsSchema
	}
	if cfg.TenantsTable == "" {
		cfg.TenantsTable = DefaultTenantsTable
	}
	return nil
}

// DuckDirectory reads the tenant registry from a settings table.
type DuckDirectory struct {
	log *slog.Logger
	cfg DirectoryConfig
}

func NewDuckDirectory(cfg DirectoryConfig) (*DuckDirectory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &DuckDirectory{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (d *DuckDirectory) table() string {
	return fmt.Sprintf("%s.%s", d.cfg.SettingsSchema, d.cfg.TenantsTable)
}

// Init creates the settings schema and tenant registry table if missing.
func (d *DuckDirectory) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", d.cfg.SettingsSchema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id VARCHAR NOT NULL,
			tenant_name VARCHAR NOT NULL,
			schema_name VARCHAR NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (tenant_id)
		)`, d.table()),
	}
	for _, stmt := range stmts {
		if _, err := d.cfg.Conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize tenant registry: %w", err)
		}
	}
	return nil
}

// Upsert registers or updates a tenant.
func (d *DuckDirectory) Upsert(ctx context.Context, t Tenant) error {
	if t.ID == "" {
		return errors.New("tenant ID is required")
	}
	if t.SchemaName == "" {
		return errors.New("tenant schema name is required")
	}

	query := fmt.Sprintf(`
		MERGE INTO %s AS target
		USING (SELECT ? AS tenant_id, ? AS tenant_name, ? AS schema_name, ? AS active) AS source
		ON target.tenant_id = source.tenant_id
		WHEN MATCHED THEN UPDATE SET
			tenant_name = source.tenant_name,
			schema_name = source.schema_name,
			active = source.active
		WHEN NOT MATCHED THEN INSERT (tenant_id, tenant_name, schema_name, active)
			VALUES (source.tenant_id, source.tenant_name, source.schema_name, source.active)
	`, d.table())

	if _, err := d.cfg.Conn.ExecContext(ctx, query, t.ID, t.Name, t.SchemaName, t.Active); err != nil {
		return fmt.Errorf("failed to upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

func (d *DuckDirectory) Tenants(ctx context.Context) ([]Tenant, error) {
	query := fmt.Sprintf(`
		SELECT tenant_id, tenant_name, schema_name, active
		FROM %s
		WHERE active
		ORDER BY tenant_id
	`, d.table())

	rows, err := d.cfg.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list tenants: %v", ErrCatalogUnavailable, err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.SchemaName, &t.Active); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list tenants: %v", ErrCatalogUnavailable, err)
	}
	return tenants, nil
}

// StaticDirectory serves a fixed tenant list, for configuration-driven runs
// and tests.
type StaticDirectory struct {
	tenants []Tenant
}

func NewStaticDirectory(tenants []Tenant) *StaticDirectory {
	return &StaticDirectory{tenants: tenants}
}

func (d *StaticDirectory) Tenants(ctx context.Context) ([]Tenant, error) {
	out := make([]Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}
