package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/catalog"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/metrics"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/render"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/schema"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/tablespec"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/tracking"
)

const DefaultConcurrency = 4

// Pair is one unit of work: one tenant's rendition of one table.
type Pair struct {
	TableName string
	Tenant    catalog.Tenant
}

// Summary is the outcome of one batch run.
type Summary struct {
	Tables        int
	Completed     int
	Errored       int
	Skipped       int
	CentralViews  int
	CentralTables int
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeErrored
	outcomeSkipped
)

type OrchestratorConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Directory  catalog.Directory
	Inspector  catalog.Inspector
	Reconciler *schema.Reconciler
	Generator  *render.Generator
	Tracker    *tracking.Store
	Specs      *tablespec.Store
	Executor   Executor

	// Tables limits the run to the named tables. Empty means discover the
	// union of tables across all tenants.
	Tables []string
	// ShardIndex and ShardCount split the ordered work set into contiguous
	// slices. Defaults to the single shard 0 of 1.
	ShardIndex int
	ShardCount int
	// StartMarker skips tables ordered before it, for manual resume. The
	// marker table itself is processed.
	StartMarker string
	// ResumeFromCheckpoint starts after the last checkpointed table when no
	// StartMarker is given.
	ResumeFromCheckpoint bool
	// CheckpointKey scopes the resume cursor. Defaults to the tracker's
	// default key, suffixed with the shard coordinates when ShardCount > 1
	// so parallel shards keep independent cursors.
	CheckpointKey string
	// Concurrency bounds parallel pair processing. Defaults to
	// DefaultConcurrency.
	Concurrency int
	// MaterializeTables also rebuilds consolidated central tables, not just
	// central views, for converged tables.
	MaterializeTables bool
}

func (cfg *OrchestratorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Directory == nil {
		return errors.New("directory is required")
	}
	if cfg.Inspector == nil {
		return errors.New("inspector is required")
	}
	if cfg.Reconciler == nil {
		return errors.New("reconciler is required")
	}
	if cfg.Generator == nil {
		return errors.New("generator is required")
	}
	if cfg.Tracker == nil {
		return errors.New("tracker is required")
	}
	if cfg.Specs == nil {
		return errors.New("spec store is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.ShardIndex < 0 || cfg.ShardIndex >= cfg.ShardCount {
		return fmt.Errorf("shard index %d out of range for %d shards", cfg.ShardIndex, cfg.ShardCount)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.CheckpointKey == "" {
		cfg.CheckpointKey = tracking.DefaultCheckpointKey
		if cfg.ShardCount > 1 {
			cfg.CheckpointKey = fmt.Sprintf("%s-shard-%d-of-%d",
				tracking.DefaultCheckpointKey, cfg.ShardIndex, cfg.ShardCount)
		}
	}
	return nil
}

// Orchestrator drives one batch: it builds the deterministic (table, tenant)
// work set, takes its shard's contiguous slice, renders and applies tenant
// views pair by pair, and refreshes central definitions for tables whose
// pairs have all converged.
type Orchestrator struct {
	log  *slog.Logger
	cfg  OrchestratorConfig
	pool pond.ResultPool[outcome]
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Orchestrator{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewResultPool[outcome](cfg.Concurrency),
	}, nil
}

// Run executes one batch. Pair failures are isolated: they are recorded as
// ERROR and counted, never aborting the run. Only infrastructure failures
// (catalog, tracker, work set construction) abort.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	start := o.cfg.Clock.Now()

	tenants, err := o.cfg.Directory.Tenants(ctx)
	if err != nil {
		metrics.BatchesTotal.WithLabelValues(metrics.OutcomeErrored).Inc()
		return Summary{}, fmt.Errorf("failed to list tenants: %w", err)
	}
	if len(tenants) == 0 {
		return Summary{}, errors.New("no active tenants")
	}

	tables, err := o.tables(ctx, tenants)
	if err != nil {
		metrics.BatchesTotal.WithLabelValues(metrics.OutcomeErrored).Inc()
		return Summary{}, err
	}

	tables, err = o.applyMarkers(ctx, tables)
	if err != nil {
		metrics.BatchesTotal.WithLabelValues(metrics.OutcomeErrored).Inc()
		return Summary{}, err
	}

	pairs := shard(buildPairs(tables, tenants), o.cfg.ShardIndex, o.cfg.ShardCount)

	o.log.Info("starting batch",
		"tenants", len(tenants),
		"tables", len(tables),
		"pairs", len(pairs),
		"shard", o.cfg.ShardIndex,
		"shards", o.cfg.ShardCount)

	var sum Summary
	for _, table := range tablesOf(pairs) {
		tableSum, err := o.processTable(ctx, table, tenants, pairsFor(pairs, table))
		if err != nil {
			metrics.BatchesTotal.WithLabelValues(metrics.OutcomeErrored).Inc()
			return sum, fmt.Errorf("failed to process table %s: %w", table, err)
		}

		sum.Tables++
		sum.Completed += tableSum.Completed
		sum.Errored += tableSum.Errored
		sum.Skipped += tableSum.Skipped
		sum.CentralViews += tableSum.CentralViews
		sum.CentralTables += tableSum.CentralTables

		if err := o.cfg.Tracker.SaveCheckpoint(ctx, o.cfg.CheckpointKey, table); err != nil {
			return sum, fmt.Errorf("failed to checkpoint table %s: %w", table, err)
		}
	}

	metrics.BatchesTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
	metrics.BatchDuration.Observe(o.cfg.Clock.Since(start).Seconds())

	o.log.Info("batch finished",
		"tables", sum.Tables,
		"completed", sum.Completed,
		"errored", sum.Errored,
		"skipped", sum.Skipped,
		"central_views", sum.CentralViews,
		"central_tables", sum.CentralTables,
		"duration", o.cfg.Clock.Since(start).Round(time.Millisecond))

	return sum, nil
}

// processTable reconciles one table's layout from every tenant's schema,
// processes this shard's pairs, and refreshes central definitions when the
// table has converged. The layout always spans all tenants so shards agree
// on column order.
func (o *Orchestrator) processTable(ctx context.Context, table string, tenants []catalog.Tenant, pairs []Pair) (Summary, error) {
	schemas := make(map[string]schema.TenantSchema, len(tenants))
	var present []schema.TenantSchema
	for _, t := range tenants {
		ts, err := o.cfg.Inspector.TableSchema(ctx, t, table)
		if err != nil {
			return Summary{}, fmt.Errorf("failed to inspect %s for tenant %s: %w", table, t.ID, err)
		}
		schemas[t.ID] = ts
		if !ts.Empty() {
			present = append(present, ts)
		}
	}

	if len(present) == 0 {
		o.log.Info("table absent for all tenants, skipping", "table", table)
		return Summary{Skipped: len(pairs)}, nil
	}

	layout, err := o.cfg.Reconciler.Reconcile(table, present)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to reconcile layout: %w", err)
	}

	group := o.pool.NewGroupContext(ctx)
	for _, pair := range pairs {
		pair := pair
		group.SubmitErr(func() (outcome, error) {
			return o.processPair(ctx, pair, layout, schemas[pair.Tenant.ID])
		})
	}

	results, err := group.Wait()
	if err != nil {
		return Summary{}, fmt.Errorf("failed to process pairs: %w", err)
	}

	var sum Summary
	for _, res := range results {
		switch res {
		case outcomeCompleted:
			sum.Completed++
			metrics.PairsProcessedTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
		case outcomeErrored:
			sum.Errored++
			metrics.PairsProcessedTotal.WithLabelValues(metrics.OutcomeErrored).Inc()
		case outcomeSkipped:
			sum.Skipped++
			metrics.PairsProcessedTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		}
	}

	refreshed, err := o.maybeRefreshCentral(ctx, layout, present)
	if err != nil {
		return sum, err
	}
	if refreshed {
		sum.CentralViews++
		if o.cfg.MaterializeTables {
			sum.CentralTables++
		}
	}

	return sum, nil
}

// processPair renders and applies one tenant view. A pair already COMPLETED
// is skipped; a tenant without the table is skipped without a record. Every
// other pair is marked PENDING before the attempt, then COMPLETED or ERROR.
// Render or execution failures mark the pair ERROR and are not returned as
// errors.
func (o *Orchestrator) processPair(ctx context.Context, pair Pair, layout schema.CanonicalLayout, ts schema.TenantSchema) (outcome, error) {
	if ts.Empty() {
		return outcomeSkipped, nil
	}

	rec, err := o.cfg.Tracker.Get(ctx, pair.Tenant.ID, pair.TableName)
	if err != nil && !errors.Is(err, tracking.ErrNotFound) {
		return outcomeErrored, fmt.Errorf("failed to read tracker: %w", err)
	}
	if err == nil && rec.Status == tracking.StatusCompleted {
		o.log.Debug("pair already completed, skipping",
			"tenant", pair.Tenant.ID,
			"table", pair.TableName)
		return outcomeSkipped, nil
	}

	if err := o.cfg.Tracker.Upsert(ctx, tracking.Record{
		TenantID:  pair.Tenant.ID,
		TableName: pair.TableName,
		Status:    tracking.StatusPending,
	}); err != nil {
		return outcomeErrored, fmt.Errorf("failed to record pending pair: %w", err)
	}

	view, err := o.cfg.Generator.TenantView(pair.Tenant.ID, pair.Tenant.SchemaName, layout, ts)
	if err == nil {
		err = o.cfg.Executor.Execute(ctx, view.Statements)
	}

	if err != nil {
		o.log.Error("failed to build tenant view",
			"tenant", pair.Tenant.ID,
			"table", pair.TableName,
			"error", err)
		if trackErr := o.cfg.Tracker.Upsert(ctx, tracking.Record{
			TenantID:  pair.Tenant.ID,
			TableName: pair.TableName,
			Status:    tracking.StatusError,
			Message:   err.Error(),
		}); trackErr != nil {
			return outcomeErrored, fmt.Errorf("failed to record error: %w", trackErr)
		}
		return outcomeErrored, nil
	}

	if err := o.cfg.Tracker.Upsert(ctx, tracking.Record{
		TenantID:  pair.Tenant.ID,
		TableName: pair.TableName,
		Status:    tracking.StatusCompleted,
		ViewName:  view.Name,
	}); err != nil {
		return outcomeErrored, fmt.Errorf("failed to record completion: %w", err)
	}

	o.log.Debug("built tenant view",
		"tenant", pair.Tenant.ID,
		"table", pair.TableName,
		"view", view.Name)
	return outcomeCompleted, nil
}

// maybeRefreshCentral rebuilds central definitions for a table once every
// tenant holding the table has reached a terminal state and at least one
// converged. Until then the table's central definitions are left untouched.
func (o *Orchestrator) maybeRefreshCentral(ctx context.Context, layout schema.CanonicalLayout, present []schema.TenantSchema) (bool, error) {
	records, err := o.cfg.Tracker.ListByTable(ctx, layout.TableName)
	if err != nil {
		return false, fmt.Errorf("failed to read table records: %w", err)
	}

	byTenant := make(map[string]tracking.Record, len(records))
	for _, rec := range records {
		byTenant[rec.TenantID] = rec
	}

	var completed []string
	for _, ts := range present {
		rec, ok := byTenant[ts.TenantID]
		if !ok || !rec.Status.Terminal() {
			o.log.Debug("table not yet converged, deferring central refresh",
				"table", layout.TableName,
				"tenant", ts.TenantID)
			return false, nil
		}
		if rec.Status == tracking.StatusCompleted {
			completed = append(completed, ts.TenantID)
		}
	}
	if len(completed) == 0 {
		o.log.Warn("no completed tenants, skipping central refresh", "table", layout.TableName)
		return false, nil
	}
	sort.Strings(completed)

	view, err := o.cfg.Generator.CentralView(layout, completed)
	if err != nil {
		return false, fmt.Errorf("failed to render central view: %w", err)
	}
	if err := o.cfg.Executor.Execute(ctx, view.Statements); err != nil {
		return false, fmt.Errorf("failed to build central view: %w", err)
	}
	metrics.CentralRefreshesTotal.WithLabelValues(metrics.KindView).Inc()

	if o.cfg.MaterializeTables {
		spec, err := o.cfg.Specs.Get(ctx, layout.TableName)
		if err != nil {
			return false, fmt.Errorf("failed to load table spec: %w", err)
		}
		tableDef, err := o.cfg.Generator.ConsolidatedTable(layout, completed, spec.PartitionFields, spec.ClusterFields)
		if err != nil {
			return false, fmt.Errorf("failed to render consolidated table: %w", err)
		}
		if err := o.cfg.Executor.Execute(ctx, tableDef.Statements); err != nil {
			return false, fmt.Errorf("failed to build consolidated table: %w", err)
		}
		metrics.CentralRefreshesTotal.WithLabelValues(metrics.KindTable).Inc()
	}

	o.log.Info("refreshed central definitions",
		"table", layout.TableName,
		"tenants", len(completed),
		"view", view.Name,
		"materialized", o.cfg.MaterializeTables)
	return true, nil
}

// RefreshCentral rebuilds central definitions for one table on demand,
// regardless of convergence, from the tenants currently COMPLETED.
func (o *Orchestrator) RefreshCentral(ctx context.Context, table string) error {
	tenants, err := o.cfg.Directory.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	var present []schema.TenantSchema
	for _, t := range tenants {
		ts, err := o.cfg.Inspector.TableSchema(ctx, t, table)
		if err != nil {
			return fmt.Errorf("failed to inspect %s for tenant %s: %w", table, t.ID, err)
		}
		if !ts.Empty() {
			present = append(present, ts)
		}
	}
	if len(present) == 0 {
		return fmt.Errorf("table %s absent for all tenants", table)
	}

	layout, err := o.cfg.Reconciler.Reconcile(table, present)
	if err != nil {
		return fmt.Errorf("failed to reconcile layout: %w", err)
	}

	completed, err := o.cfg.Tracker.CompletedTenants(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to list completed tenants: %w", err)
	}
	if len(completed) == 0 {
		return fmt.Errorf("no completed tenants for table %s", table)
	}

	view, err := o.cfg.Generator.CentralView(layout, completed)
	if err != nil {
		return fmt.Errorf("failed to render central view: %w", err)
	}
	if err := o.cfg.Executor.Execute(ctx, view.Statements); err != nil {
		return fmt.Errorf("failed to build central view: %w", err)
	}
	metrics.CentralRefreshesTotal.WithLabelValues(metrics.KindView).Inc()

	if o.cfg.MaterializeTables {
		spec, err := o.cfg.Specs.Get(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to load table spec: %w", err)
		}
		tableDef, err := o.cfg.Generator.ConsolidatedTable(layout, completed, spec.PartitionFields, spec.ClusterFields)
		if err != nil {
			return fmt.Errorf("failed to render consolidated table: %w", err)
		}
		if err := o.cfg.Executor.Execute(ctx, tableDef.Statements); err != nil {
			return fmt.Errorf("failed to build consolidated table: %w", err)
		}
		metrics.CentralRefreshesTotal.WithLabelValues(metrics.KindTable).Inc()
	}

	return nil
}

// tables resolves the run's table list: the configured list, or the sorted
// union of every tenant's tables.
func (o *Orchestrator) tables(ctx context.Context, tenants []catalog.Tenant) ([]string, error) {
	if len(o.cfg.Tables) > 0 {
		tables := append([]string(nil), o.cfg.Tables...)
		sort.Strings(tables)
		return tables, nil
	}

	seen := make(map[string]struct{})
	for _, t := range tenants {
		names, err := o.cfg.Inspector.Tables(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables for tenant %s: %w", t.ID, err)
		}
		for _, name := range names {
			seen[name] = struct{}{}
		}
	}

	tables := make([]string, 0, len(seen))
	for name := range seen {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables, nil
}

// applyMarkers trims the table list for resume: an explicit start marker
// keeps tables at or after it, a checkpoint keeps tables strictly after the
// last fully processed one.
func (o *Orchestrator) applyMarkers(ctx context.Context, tables []string) ([]string, error) {
	marker := o.cfg.StartMarker
	inclusive := true

	if marker == "" && o.cfg.ResumeFromCheckpoint {
		cp, err := o.cfg.Tracker.LoadCheckpoint(ctx, o.cfg.CheckpointKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		marker, inclusive = cp, false
	}
	if marker == "" {
		return tables, nil
	}

	idx := sort.SearchStrings(tables, marker)
	if !inclusive && idx < len(tables) && tables[idx] == marker {
		idx++
	}
	o.log.Info("resuming from marker", "marker", marker, "skipped_tables", idx)
	return tables[idx:], nil
}

// buildPairs enumerates the full work set in canonical order: tables outer,
// tenants inner, both already sorted.
func buildPairs(tables []string, tenants []catalog.Tenant) []Pair {
	pairs := make([]Pair, 0, len(tables)*len(tenants))
	for _, table := range tables {
		for _, tenant := range tenants {
			pairs = append(pairs, Pair{TableName: table, Tenant: tenant})
		}
	}
	return pairs
}

// shard returns the index-th of count contiguous slices of pairs. The slices
// partition the work set: disjoint, and their union is the whole set.
func shard(pairs []Pair, index, count int) []Pair {
	n := len(pairs)
	lo := index * n / count
	hi := (index + 1) * n / count
	return pairs[lo:hi]
}

func tablesOf(pairs []Pair) []string {
	var tables []string
	for _, p := range pairs {
		if len(tables) == 0 || tables[len(tables)-1] != p.TableName {
			tables = append(tables, p.TableName)
		}
	}
	return tables
}

func pairsFor(pairs []Pair, table string) []Pair {
	var out []Pair
	for _, p := range pairs {
		if p.TableName == table {
			out = append(out, p)
		}
	}
	return out
}
