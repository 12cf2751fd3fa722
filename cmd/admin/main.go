package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/batch"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/catalog"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/duck"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/logger"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/render"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/schema"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/tablespec"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/tracking"
)

const dbPathEnvVar = "CONSOLIDATOR_DB_PATH"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	dbPathFlag := flag.String("db-path", ".tmp/consolidator.duckdb", "Path to the DuckDB database file (or set CONSOLIDATOR_DB_PATH env var)")

	// Commands
	summaryFlag := flag.Bool("summary", false, "Show per-table consolidation status breakdown")
	listStatusFlag := flag.String("list", "", "List records in a status (PENDING, COMPLETED, ERROR)")
	tenantsFlag := flag.Bool("tenants", false, "List registered tenants")
	addTenantFlag := flag.String("add-tenant", "", "Register a tenant as id:name:schema")
	resetFlag := flag.Bool("reset", false, "Reset records to PENDING so the next batch reprocesses them")
	analyzeFlag := flag.Bool("analyze", false, "Show how a table's layout policy resolves, without touching the database (requires --table)")
	refreshCentralFlag := flag.Bool("refresh-central", false, "Rebuild central definitions for a table from currently completed tenants (requires --table)")
	materializeFlag := flag.Bool("materialize-tables", false, "Also rebuild the consolidated central table with --refresh-central")
	tableFlag := flag.String("table", "", "Table to operate on (scopes --reset, required for --analyze and --refresh-central)")

	flag.Parse()

	if envDBPath := os.Getenv(dbPathEnvVar); envDBPath != "" {
		*dbPathFlag = envDBPath
	}

	log := logger.New(*verboseFlag)
	ctx := context.Background()

	db, err := duck.NewDB(ctx, *dbPathFlag, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}
	defer conn.Close()

	clock := clockwork.NewRealClock()

	tracker, err := tracking.NewStore(tracking.StoreConfig{Logger: log, Conn: conn, Clock: clock})
	if err != nil {
		return err
	}
	if err := tracker.Init(ctx); err != nil {
		return err
	}

	directory, err := catalog.NewDuckDirectory(catalog.DirectoryConfig{Logger: log, Conn: conn})
	if err != nil {
		return err
	}
	if err := directory.Init(ctx); err != nil {
		return err
	}

	switch {
	case *summaryFlag:
		return showSummary(ctx, tracker)

	case *listStatusFlag != "":
		return listRecords(ctx, tracker, tracking.Status(strings.ToUpper(*listStatusFlag)))

	case *tenantsFlag:
		return listTenants(ctx, directory)

	case *addTenantFlag != "":
		return addTenant(ctx, directory, *addTenantFlag)

	case *resetFlag:
		var affected int64
		if *tableFlag != "" {
			affected, err = tracker.ResetTable(ctx, *tableFlag)
		} else {
			affected, err = tracker.Reset(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Reset %d records to PENDING\n", affected)
		return nil

	case *analyzeFlag:
		if *tableFlag == "" {
			return fmt.Errorf("--table is required for --analyze")
		}
		return analyzeTable(ctx, log, conn, clock, directory, *tableFlag)

	case *refreshCentralFlag:
		if *tableFlag == "" {
			return fmt.Errorf("--table is required for --refresh-central")
		}
		return refreshCentral(ctx, log, conn, clock, directory, tracker, *tableFlag, *materializeFlag)
	}

	flag.Usage()
	return nil
}

func showSummary(ctx context.Context, tracker *tracking.Store) error {
	byTable, err := tracker.TableSummary(ctx)
	if err != nil {
		return err
	}
	total, err := tracker.SummaryCounts(ctx)
	if err != nil {
		return err
	}

	tables := make([]string, 0, len(byTable))
	for name := range byTable {
		tables = append(tables, name)
	}
	sort.Strings(tables)

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetAutoWrapText(false)
	tw.SetHeader([]string{"Table", "Pending", "Completed", "Error", "Total"})
	for _, name := range tables {
		sum := byTable[name]
		tw.Append([]string{
			name,
			strconv.Itoa(sum.Pending),
			strconv.Itoa(sum.Completed),
			strconv.Itoa(sum.Errored),
			strconv.Itoa(sum.Total()),
		})
	}
	tw.SetFooter([]string{
		"all",
		strconv.Itoa(total.Pending),
		strconv.Itoa(total.Completed),
		strconv.Itoa(total.Errored),
		strconv.Itoa(total.Total()),
	})
	tw.Render()
	return nil
}

func listRecords(ctx context.Context, tracker *tracking.Store, status tracking.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	records, err := tracker.ListByStatus(ctx, status)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetAutoWrapText(false)
	tw.SetHeader([]string{"Table", "Tenant", "Status", "View", "Updated", "Message"})
	for _, rec := range records {
		tw.Append([]string{
			rec.TableName,
			rec.TenantID,
			string(rec.Status),
			rec.ViewName,
			rec.UpdatedAt.Format("2006-01-02 15:04:05"),
			rec.Message,
		})
	}
	tw.Render()
	return nil
}

func listTenants(ctx context.Context, directory *catalog.DuckDirectory) error {
	tenants, err := directory.Tenants(ctx)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Name", "Schema", "Active"})
	for _, t := range tenants {
		tw.Append([]string{t.ID, t.Name, t.SchemaName, strconv.FormatBool(t.Active)})
	}
	tw.Render()
	return nil
}

func addTenant(ctx context.Context, directory *catalog.DuckDirectory, arg string) error {
	parts := strings.SplitN(arg, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("expected id:name:schema, got %q", arg)
	}
	t := catalog.Tenant{ID: parts[0], Name: parts[1], SchemaName: parts[2], Active: true}
	if err := directory.Upsert(ctx, t); err != nil {
		return err
	}
	fmt.Printf("Registered tenant %s (schema %s)\n", t.ID, t.SchemaName)
	return nil
}

// analyzeTable reconciles the table across all tenants and shows which
// partition and cluster fields its stored policy would land on, without
// modifying anything.
func analyzeTable(ctx context.Context, log *slog.Logger, conn duck.Connection, clock clockwork.Clock, directory *catalog.DuckDirectory, table string) error {
	layout, _, err := reconcileTable(ctx, log, conn, clock, directory, table)
	if err != nil {
		return err
	}

	specs, err := tablespec.NewStore(tablespec.StoreConfig{Logger: log, Conn: conn, Clock: clock})
	if err != nil {
		return err
	}
	if err := specs.Init(ctx); err != nil {
		return err
	}
	spec, err := specs.Get(ctx, table)
	if err != nil {
		return err
	}

	analysis := tablespec.Analyze(spec, layout)

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetAutoWrapText(false)
	tw.SetHeader([]string{"Field", "Type", "Repeated", "Conflict", "Partial"})
	for _, f := range layout.Fields {
		tw.Append([]string{
			f.Name,
			string(f.TargetType),
			strconv.FormatBool(f.Repeated),
			strconv.FormatBool(f.HasTypeConflict),
			strconv.FormatBool(f.Partial),
		})
	}
	tw.Render()

	fmt.Printf("Partition field:  %s\n", orNone(analysis.PartitionField))
	fmt.Printf("Cluster fields:   %s\n", orNone(strings.Join(analysis.ClusterFields, ", ")))
	fmt.Printf("Date candidates:  %s\n", orNone(strings.Join(analysis.DateCandidates, ", ")))
	fmt.Printf("Update strategy:  %s\n", spec.UpdateStrategy)
	return nil
}

func refreshCentral(ctx context.Context, log *slog.Logger, conn duck.Connection, clock clockwork.Clock, directory *catalog.DuckDirectory, tracker *tracking.Store, table string, materialize bool) error {
	inspector, err := catalog.NewDuckInspector(catalog.InspectorConfig{Logger: log, Conn: conn})
	if err != nil {
		return err
	}
	defer inspector.Close()

	reconciler, err := schema.NewReconciler(schema.ReconcilerConfig{Logger: log, Clock: clock})
	if err != nil {
		return err
	}
	generator, err := render.NewGenerator(render.GeneratorConfig{Logger: log, Dialect: render.DuckDBDialect{}})
	if err != nil {
		return err
	}
	executor, err := batch.NewDuckExecutor(batch.ExecutorConfig{Logger: log, Conn: conn})
	if err != nil {
		return err
	}
	specs, err := tablespec.NewStore(tablespec.StoreConfig{Logger: log, Conn: conn, Clock: clock})
	if err != nil {
		return err
	}
	if err := specs.Init(ctx); err != nil {
		return err
	}

	orchestrator, err := batch.NewOrchestrator(batch.OrchestratorConfig{
		Logger:            log,
		Clock:             clock,
		Directory:         directory,
		Inspector:         inspector,
		Reconciler:        reconciler,
		Generator:         generator,
		Tracker:           tracker,
		Specs:             specs,
		Executor:          executor,
		MaterializeTables: materialize,
	})
	if err != nil {
		return err
	}

	if err := orchestrator.RefreshCentral(ctx, table); err != nil {
		return err
	}
	fmt.Printf("Refreshed central definitions for %s\n", table)
	return nil
}

// reconcileTable builds the current canonical layout of a table across all
// active tenants.
func reconcileTable(ctx context.Context, log *slog.Logger, conn duck.Connection, clock clockwork.Clock, directory *catalog.DuckDirectory, table string) (schema.CanonicalLayout, []schema.TenantSchema, error) {
	inspector, err := catalog.NewDuckInspector(catalog.InspectorConfig{Logger: log, Conn: conn})
	if err != nil {
		return schema.CanonicalLayout{}, nil, err
	}
	defer inspector.Close()

	tenants, err := directory.Tenants(ctx)
	if err != nil {
		return schema.CanonicalLayout{}, nil, err
	}

	var present []schema.TenantSchema
	for _, t := range tenants {
		ts, err := inspector.TableSchema(ctx, t, table)
		if err != nil {
			return schema.CanonicalLayout{}, nil, err
		}
		if !ts.Empty() {
			present = append(present, ts)
		}
	}
	if len(present) == 0 {
		return schema.CanonicalLayout{}, nil, fmt.Errorf("table %s absent for all tenants", table)
	}

	reconciler, err := schema.NewReconciler(schema.ReconcilerConfig{Logger: log, Clock: clock})
	if err != nil {
		return schema.CanonicalLayout{}, nil, err
	}
	layout, err := reconciler.Reconcile(table, present)
	if err != nil {
		return schema.CanonicalLayout{}, nil, err
	}
	return layout, present, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
