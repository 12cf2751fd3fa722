package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/duck"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/schema"
)

const DefaultSchemaCacheTTL = 5 * time.Minute

// Inspector reads tenant physical schemas from the engine catalog.
type Inspector interface {
	// TableSchema returns the tenant's physical schema for a table. A
	// tenant without the table yields an empty schema, not an error.
	TableSchema(ctx context.Context, tenant Tenant, tableName string) (schema.TenantSchema, error)
	// Tables lists the tenant's base tables.
	Tables(ctx context.Context, tenant Tenant) ([]string, error)
}

type InspectorConfig struct {
	Logger *slog.Logger
	Conn   duck.Connection

	// CacheTTL bounds how long a tenant table schema is served from cache.
	// Defaults to DefaultSchemaCacheTTL.
	CacheTTL time.Duration
}

func (cfg *InspectorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("connection is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultSchemaCacheTTL
	}
	return nil
}

// DuckInspector reads schemas from information_schema. Lookups are cached
// per (tenant, table) because a batch inspects the same table once per tenant
// per shard.
type DuckInspector struct {
	log   *slog.Logger
	cfg   InspectorConfig
	cache *ttlcache.Cache[string, schema.TenantSchema]
}

func NewDuckInspector(cfg InspectorConfig) (*DuckInspector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, schema.TenantSchema](cfg.CacheTTL),
	)
	go cache.Start()

	return &DuckInspector{
		log:   cfg.Logger,
		cfg:   cfg,
		cache: cache,
	}, nil
}

func (i *DuckInspector) Close() {
	i.cache.Stop()
}

func (i *DuckInspector) TableSchema(ctx context.Context, tenant Tenant, tableName string) (schema.TenantSchema, error) {
	key := tenant.SchemaName + "." + tableName
	if item := i.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	query := `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position
	`
	rows, err := i.cfg.Conn.QueryContext(ctx, query, tenant.SchemaName, tableName)
	if err != nil {
		return schema.TenantSchema{}, fmt.Errorf("%w: failed to inspect %s.%s: %v",
			ErrCatalogUnavailable, tenant.SchemaName, tableName, err)
	}
	defer rows.Close()

	ts := schema.TenantSchema{
		TenantID:  tenant.ID,
		TableName: tableName,
	}
	for rows.Next() {
		var name, physical string
		if err := rows.Scan(&name, &physical); err != nil {
			return schema.TenantSchema{}, fmt.Errorf("failed to scan column: %w", err)
		}
		t, repeated := schema.NormalizeType(physical)
		ts.Fields = append(ts.Fields, schema.FieldDescriptor{
			Name:         name,
			DeclaredType: t,
			Repeated:     repeated,
		})
	}
	if err := rows.Err(); err != nil {
		return schema.TenantSchema{}, fmt.Errorf("%w: failed to inspect %s.%s: %v",
			ErrCatalogUnavailable, tenant.SchemaName, tableName, err)
	}

	i.cache.Set(key, ts, ttlcache.DefaultTTL)

	i.log.Debug("inspected tenant table",
		"tenant", tenant.ID,
		"table", tableName,
		"fields", len(ts.Fields))

	return ts, nil
}

func (i *DuckInspector) Tables(ctx context.Context, tenant Tenant) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`
	rows, err := i.cfg.Conn.QueryContext(ctx, query, tenant.SchemaName)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list tables for %s: %v",
			ErrCatalogUnavailable, tenant.SchemaName, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list tables for %s: %v",
			ErrCatalogUnavailable, tenant.SchemaName, err)
	}
	return tables, nil
}
