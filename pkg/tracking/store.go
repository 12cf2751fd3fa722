package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/duck"
)

const (
	DefaultSettingsSchema   = "settings"
	DefaultRecordsTable     = "consolidation_records"
	DefaultCheckpointsTable = "consolidation_checkpoints"

	// DefaultCheckpointKey scopes the resume cursor when the caller does not
	// name a run scope.
	DefaultCheckpointKey = "default"
)

// Status is the consolidation state of one (tenant, table) pair.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
)

// Valid reports whether s is one of the three known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s needs no further work this run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Record is the tracked state of one (tenant, table) pair.
type Record struct {
	TenantID  string
	TableName string
	Status    Status
	Message   string
	ViewName  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary is the status breakdown of tracked pairs.
type Summary struct {
	Pending   int
	Completed int
	Errored   int
}

func (s Summary) Total() int {
	return s.Pending + s.Completed + s.Errored
}

// ErrNotFound reports a (tenant, table) pair with no tracked record.
var ErrNotFound = errors.New("record not found")

type StoreConfig struct {
	Logger *slog.Logger
	Conn   duck.Connection
	Clock  clockwork.Clock

	// SettingsSchema holds the tracking tables. Defaults to
	// DefaultSettingsSchema.
	SettingsSchema string
	// RecordsTable is the per-pair state table name. Defaults to
	// DefaultRecordsTable.
	RecordsTable string
	// CheckpointsTable is the resume cursor table name. Defaults to
	// DefaultCheckpointsTable.
	CheckpointsTable string
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
	if cfg.RecordsTable == "" {
		cfg.RecordsTable = DefaultRecordsTable
	}
	if cfg.CheckpointsTable == "" {
		cfg.CheckpointsTable = DefaultCheckpointsTable
	}
	return nil
}

// Store persists consolidation state keyed by (tenant, table). It is the
// durable source of truth the orchestrator consults to skip finished work and
// to decide when a table's central definitions may refresh.
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

func (s *Store) recordsTable() string {
	return fmt.Sprintf("%s.%s", s.cfg.SettingsSchema, s.cfg.RecordsTable)
}

func (s *Store) checkpointsTable() string {
	return fmt.Sprintf("%s.%s", s.cfg.SettingsSchema, s.cfg.CheckpointsTable)
}

// Init creates the tracking tables if missing. Safe to call on every start.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", s.cfg.SettingsSchema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id VARCHAR NOT NULL,
			table_name VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			message VARCHAR NOT NULL DEFAULT '',
			view_name VARCHAR NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, table_name)
		)`, s.recordsTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			checkpoint_key VARCHAR NOT NULL,
			last_table VARCHAR NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (checkpoint_key)
		)`, s.checkpointsTable()),
	}
	for _, stmt := range stmts {
		if _, err := s.cfg.Conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize tracking store: %w", err)
		}
	}
	return nil
}

// Upsert records the state of a (tenant, table) pair. An existing record
// keeps its created_at; updated_at always moves to now.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	if rec.TenantID == "" || rec.TableName == "" {
		return errors.New("tenant ID and table name are required")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("invalid status %q", rec.Status)
	}

	now := s.cfg.Clock.Now().UTC()
	query := fmt.Sprintf(`
		MERGE INTO %s AS target
		USING (SELECT
			? AS tenant_id,
			? AS table_name,
			? AS status,
			? AS message,
			? AS view_name
		) AS source
		ON target.tenant_id = source.tenant_id AND target.table_name = source.table_name
		WHEN MATCHED THEN UPDATE SET
			status = source.status,
			message = source.message,
			view_name = source.view_name,
			updated_at = ?
		WHEN NOT MATCHED THEN INSERT (tenant_id, table_name, status, message, view_name, created_at, updated_at)
			VALUES (source.tenant_id, source.table_name, source.status, source.message, source.view_name, ?, ?)
	`, s.recordsTable())

	_, err := s.cfg.Conn.ExecContext(ctx, query,
		rec.TenantID, rec.TableName, string(rec.Status), rec.Message, rec.ViewName,
		now, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert record for %s/%s: %w", rec.TenantID, rec.TableName, err)
	}
	return nil
}

// Get returns the tracked record for a (tenant, table) pair, or ErrNotFound.
func (s *Store) Get(ctx context.Context, tenantID, tableName string) (Record, error) {
	query := fmt.Sprintf(`
		SELECT tenant_id, table_name, status, message, view_name, created_at, updated_at
		FROM %s
		WHERE tenant_id = ? AND table_name = ?
	`, s.recordsTable())

	var rec Record
	var status string
	err := s.cfg.Conn.QueryRowContext(ctx, query, tenantID, tableName).Scan(
		&rec.TenantID, &rec.TableName, &status, &rec.Message, &rec.ViewName,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get record for %s/%s: %w", tenantID, tableName, err)
	}
	rec.Status = Status(status)
	return rec, nil
}

// ListByStatus returns records in a state, ordered by table then tenant.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Record, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	query := fmt.Sprintf(`
		SELECT tenant_id, table_name, status, message, view_name, created_at, updated_at
		FROM %s
		WHERE status = ?
		ORDER BY table_name, tenant_id
	`, s.recordsTable())

	rows, err := s.cfg.Conn.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListByTable returns all records for a table, ordered by tenant.
func (s *Store) ListByTable(ctx context.Context, tableName string) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT tenant_id, table_name, status, message, view_name, created_at, updated_at
		FROM %s
		WHERE table_name = ?
		ORDER BY tenant_id
	`, s.recordsTable())

	rows, err := s.cfg.Conn.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to list records for table %s: %w", tableName, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// CompletedTenants returns the tenants whose pair for tableName converged,
// ordered by tenant ID so generated unions are deterministic.
func (s *Store) CompletedTenants(ctx context.Context, tableName string) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT tenant_id
		FROM %s
		WHERE table_name = ? AND status = ?
		ORDER BY tenant_id
	`, s.recordsTable())

	rows, err := s.cfg.Conn.QueryContext(ctx, query, tableName, string(StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to list completed tenants for %s: %w", tableName, err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant ID: %w", err)
		}
		tenants = append(tenants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list completed tenants for %s: %w", tableName, err)
	}
	return tenants, nil
}

// SummaryCounts returns the status breakdown across all tracked pairs.
func (s *Store) SummaryCounts(ctx context.Context) (Summary, error) {
	query := fmt.Sprintf(`
		SELECT status, COUNT(*)
		FROM %s
		GROUP BY status
	`, s.recordsTable())

	rows, err := s.cfg.Conn.QueryContext(ctx, query)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize records: %w", err)
	}
	defer rows.Close()

	var sum Summary
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Summary{}, fmt.Errorf("failed to scan summary row: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			sum.Pending = count
		case StatusCompleted:
			sum.Completed = count
		case StatusError:
			sum.Errored = count
		}
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("failed to summarize records: %w", err)
	}
	return sum, nil
}

// TableSummary returns per-table status breakdowns, keyed by table name.
func (s *Store) TableSummary(ctx context.Context) (map[string]Summary, error) {
	query := fmt.Sprintf(`
		SELECT table_name, status, COUNT(*)
		FROM %s
		GROUP BY table_name, status
		ORDER BY table_name
	`, s.recordsTable())

	rows, err := s.cfg.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize tables: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Summary)
	for rows.Next() {
		var table, status string
		var count int
		if err := rows.Scan(&table, &status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan table summary row: %w", err)
		}
		sum := out[table]
		switch Status(status) {
		case StatusPending:
			sum.Pending = count
		case StatusCompleted:
			sum.Completed = count
		case StatusError:
			sum.Errored = count
		}
		out[table] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to summarize tables: %w", err)
	}
	return out, nil
}

// Reset moves every record back to PENDING and clears messages, so the next
// batch reprocesses the whole fleet. Returns the number of records moved.
func (s *Store) Reset(ctx context.Context) (int64, error) {
	return s.reset(ctx, "")
}

// ResetTable moves one table's records back to PENDING.
func (s *Store) ResetTable(ctx context.Context, tableName string) (int64, error) {
	if tableName == "" {
		return 0, errors.New("table name is required")
	}
	return s.reset(ctx, tableName)
}

func (s *Store) reset(ctx context.Context, tableName string) (int64, error) {
	now := s.cfg.Clock.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, message = '', updated_at = ?
	`, s.recordsTable())
	args := []any{string(StatusPending), now}
	if tableName != "" {
		query += " WHERE table_name = ?"
		args = append(args, tableName)
	}

	res, err := s.cfg.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset records: %w", err)
	}

	s.log.Info("reset consolidation records", "table", tableName, "records", affected)
	return affected, nil
}

// SaveCheckpoint records the last fully processed table for a run scope.
func (s *Store) SaveCheckpoint(ctx context.Context, key, lastTable string) error {
	if key == "" {
		key = DefaultCheckpointKey
	}

	now := s.cfg.Clock.Now().UTC()
	query := fmt.Sprintf(`
		MERGE INTO %s AS target
		USING (SELECT ? AS checkpoint_key, ? AS last_table) AS source
		ON target.checkpoint_key = source.checkpoint_key
		WHEN MATCHED THEN UPDATE SET
			last_table = source.last_table,
			updated_at = ?
		WHEN NOT MATCHED THEN INSERT (checkpoint_key, last_table, updated_at)
			VALUES (source.checkpoint_key, source.last_table, ?)
	`, s.checkpointsTable())

	if _, err := s.cfg.Conn.ExecContext(ctx, query, key, lastTable, now, now); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", key, err)
	}
	return nil
}

// LoadCheckpoint returns the last fully processed table for a run scope, or
// an empty string when the scope has no checkpoint.
func (s *Store) LoadCheckpoint(ctx context.Context, key string) (string, error) {
	if key == "" {
		key = DefaultCheckpointKey
	}

	query := fmt.Sprintf(`
		SELECT last_table FROM %s WHERE checkpoint_key = ?
	`, s.checkpointsTable())

	var lastTable string
	err := s.cfg.Conn.QueryRowContext(ctx, query, key).Scan(&lastTable)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load checkpoint %s: %w", key, err)
	}
	return lastTable, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.TenantID, &rec.TableName, &status, &rec.Message,
			&rec.ViewName, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Status = Status(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return out, nil
}
