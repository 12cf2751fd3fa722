package tablespec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/duck"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/schema"
)

const (
	DefaultSettingsSchema = "settings"
	DefaultSpecsTable     = "consolidated_table_specs"

	// MaxClusterFields is the engine-imposed ceiling on clustering columns.
	MaxClusterFields = 4
)

// UpdateStrategy says how a consolidated central table refreshes.
type UpdateStrategy string

const (
	UpdateIncremental UpdateStrategy = "incremental"
	UpdateFullRefresh UpdateStrategy = "full_refresh"
)

func (s UpdateStrategy) Valid() bool {
	return s == UpdateIncremental || s == UpdateFullRefresh
}

// DefaultPartitionFields are the partition candidates tried in priority
// order when a table has no stored spec.
var DefaultPartitionFields = []string{"created_on", "updated_on", "date_created"}

// DefaultClusterFields cluster by tenant lineage when nothing better is
// configured.
var DefaultClusterFields = []string{"source_tenant"}

// Spec is the physical layout policy for one consolidated central table.
type Spec struct {
	TableName       string
	PartitionFields []string
	ClusterFields   []string
	UpdateStrategy  UpdateStrategy
}

// Normalize fills defaults and clamps cluster fields to the engine ceiling.
func (s *Spec) Normalize() {
	if len(s.PartitionFields) == 0 {
		s.PartitionFields = append([]string(nil), DefaultPartitionFields...)
	}
	if len(s.ClusterFields) == 0 {
		s.ClusterFields = append([]string(nil), DefaultClusterFields...)
	}
	if len(s.ClusterFields) > MaxClusterFields {
		s.ClusterFields = s.ClusterFields[:MaxClusterFields]
	}
	if s.UpdateStrategy == "" {
		s.UpdateStrategy = UpdateIncremental
	}
}

// DefaultSpec returns the policy applied to tables with no stored spec.
func DefaultSpec(tableName string) Spec {
	s := Spec{TableName: tableName}
	s.Normalize()
	return s
}

// Analysis reports how a spec lands on a concrete layout: which partition
// candidate wins, which cluster fields survive, and which temporal fields
// the layout offers as alternatives.
type Analysis struct {
	TableName      string
	PartitionField string
	ClusterFields  []string
	DateCandidates []string
}

// Analyze resolves a spec against a canonical layout without touching the
// database, for dry-run inspection.
func Analyze(spec Spec, layout schema.CanonicalLayout) Analysis {
	spec.Normalize()

	a := Analysis{TableName: layout.TableName}
	for _, f := range layout.Fields {
		if f.Repeated {
			continue
		}
		switch f.TargetType {
		case schema.TypeDate, schema.TypeDatetime, schema.TypeTimestamp:
			a.DateCandidates = append(a.DateCandidates, f.Name)
		}
	}

	for _, cand := range spec.PartitionFields {
		f, ok := layout.Field(cand)
		if !ok || f.Repeated {
			continue
		}
		switch f.TargetType {
		case schema.TypeDate, schema.TypeDatetime, schema.TypeTimestamp:
			a.PartitionField = cand
		}
		if a.PartitionField != "" {
			break
		}
	}

	for _, cand := range spec.ClusterFields {
		if cand == "source_tenant" {
			a.ClusterFields = append(a.ClusterFields, cand)
			continue
		}
		if _, ok := layout.Field(cand); ok {
			a.ClusterFields = append(a.ClusterFields, cand)
		}
	}

	return a
}

type StoreConfig struct {
	Logger *slog.Logger
	Conn   duck.Connection
	Clock  clockwork.Clock

	// SettingsSchema holds the specs table. Defaults to
	// DefaultSettingsSchema.
	SettingsSchema string
	// SpecsTable is the spec table name. Defaults to DefaultSpecsTable.
	SpecsTable string
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("connection is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SettingsSchema == "" {
		cfg.SettingsSchema = DefaultSettingsSchema
	}
	if cfg.SpecsTable == "" {
		cfg.SpecsTable = DefaultSpecsTable
	}
	return nil
}

// Store persists per-table layout policies. Field lists are stored
// comma-joined; a missing row means the default policy applies.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *Store) table() string {
	return fmt.Sprintf("%s.%s", s.cfg.SettingsSchema, s.cfg.SpecsTable)
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", s.cfg.SettingsSchema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_name VARCHAR NOT NULL,
			partition_fields VARCHAR NOT NULL,
			cluster_fields VARCHAR NOT NULL,
			update_strategy VARCHAR NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (table_name)
		)`, s.table()),
	}
	for _, stmt := range stmts {
		if _, err := s.cfg.Conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize table spec store: %w", err)
		}
	}
	return nil
}

// Put stores a spec, normalizing it first.
func (s *Store) Put(ctx context.Context, spec Spec) error {
	if spec.TableName == "" {
		return errors.New("table name is required")
	}
	spec.Normalize()
	if !spec.UpdateStrategy.Valid() {
		return fmt.Errorf("invalid update strategy %q", spec.UpdateStrategy)
	}

	now := s.cfg.Clock.Now().UTC()
	query := fmt.Sprintf(`
		MERGE INTO %s AS target
		USING (SELECT
			? AS table_name,
			? AS partition_fields,
			? AS cluster_fields,
			? AS update_strategy
		) AS source
		ON target.table_name = source.table_name
		WHEN MATCHED THEN UPDATE SET
			partition_fields = source.partition_fields,
			cluster_fields = source.cluster_fields,
			update_strategy = source.update_strategy,
			updated_at = ?
		WHEN NOT MATCHED THEN INSERT (table_name, partition_fields, cluster_fields, update_strategy, updated_at)
			VALUES (source.table_name, source.partition_fields, source.cluster_fields, source.update_strategy, ?)
	`, s.table())

	_, err := s.cfg.Conn.ExecContext(ctx, query,
		spec.TableName,
		strings.Join(spec.PartitionFields, ","),
		strings.Join(spec.ClusterFields, ","),
		string(spec.UpdateStrategy),
		now, now)
	if err != nil {
		return fmt.Errorf("failed to put spec for %s: %w", spec.TableName, err)
	}
	return nil
}

// Get returns the stored spec for a table, or the default policy when no row
// exists.
func (s *Store) Get(ctx context.Context, tableName string) (Spec, error) {
	query := fmt.Sprintf(`
		SELECT table_name, partition_fields, cluster_fields, update_strategy
		FROM %s
		WHERE table_name = ?
	`, s.table())

	var spec Spec
	var partition, cluster, strategy string
	err := s.cfg.Conn.QueryRowContext(ctx, query, tableName).Scan(
		&spec.TableName, &partition, &cluster, &strategy)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSpec(tableName), nil
	}
	if err != nil {
		return Spec{}, fmt.Errorf("failed to get spec for %s: %w", tableName, err)
	}

	spec.PartitionFields = splitFields(partition)
	spec.ClusterFields = splitFields(cluster)
	spec.UpdateStrategy = UpdateStrategy(strategy)
	spec.Normalize()
	return spec, nil
}

// List returns all stored specs ordered by table name.
func (s *Store) List(ctx context.Context) ([]Spec, error) {
	query := fmt.Sprintf(`
		SELECT table_name, partition_fields, cluster_fields, update_strategy
		FROM %s
		ORDER BY table_name
	`, s.table())

	rows, err := s.cfg.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list specs: %w", err)
	}
	defer rows.Close()

	var out []Spec
	for rows.Next() {
		var spec Spec
		var partition, cluster, strategy string
		if err := rows.Scan(&spec.TableName, &partition, &cluster, &strategy); err != nil {
			return nil, fmt.Errorf("failed to scan spec: %w", err)
		}
		spec.PartitionFields = splitFields(partition)
		spec.ClusterFields = splitFields(cluster)
		spec.UpdateStrategy = UpdateStrategy(strategy)
		spec.Normalize()
		out = append(out, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list specs: %w", err)
	}
	return out, nil
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
