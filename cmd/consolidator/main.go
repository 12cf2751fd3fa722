package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/batch"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/catalog"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/duck"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/logger"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/metrics"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/render"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/schema"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/tablespec"
	"github.com/hbenda-pph/consolidated-central-project-data/pkg/tracking"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	dbPathEnvVar      = "CONSOLIDATOR_DB_PATH"
	metricsAddrEnvVar = "CONSOLIDATOR_METRICS_ADDR"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local runs; missing file is fine.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (or set CONSOLIDATOR_METRICS_ADDR env var; empty disables)")

	// Database configuration
	dbPathFlag := flag.String("db-path", ".tmp/consolidator.duckdb", "Path to the DuckDB database file (or set CONSOLIDATOR_DB_PATH env var; empty for in-memory)")

	// Batch configuration
	tablesFlag := flag.StringSlice("tables", nil, "Tables to process (default: discover across all tenants)")
	shardIndexFlag := flag.Int("shard-index", 0, "Index of this shard in the batch")
	shardCountFlag := flag.Int("shard-count", 1, "Total number of shards splitting the batch")
	startTableFlag := flag.String("start-table", "", "Resume processing at this table (inclusive)")
	resumeFlag := flag.Bool("resume", false, "Resume after the last checkpointed table")
	checkpointKeyFlag := flag.String("checkpoint-key", "", "Checkpoint scope for resume (default: per-shard when sharded, otherwise shared)")
	concurrencyFlag := flag.Int("concurrency", batch.DefaultConcurrency, "Maximum concurrent tenant view builds")
	materializeFlag := flag.Bool("materialize-tables", false, "Also rebuild consolidated central tables for converged tables")
	metadataPrefixFlag := flag.String("metadata-prefix", schema.DefaultMetadataFieldPrefix, "Field name prefix excluded from consolidation")

	flag.Parse()

	// Override flags with environment variables if set
	if envDBPath := os.Getenv(dbPathEnvVar); envDBPath != "" {
		*dbPathFlag = envDBPath
	}
	if envMetricsAddr := os.Getenv(metricsAddrEnvVar); envMetricsAddr != "" {
		*metricsAddrFlag = envMetricsAddr
	}

	log := logger.New(*verboseFlag)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("received signal", "signal", sig.String())
		cancel()
	}()

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	log.Info("opening database", "path", *dbPathFlag)
	db, err := duck.NewDB(ctx, *dbPathFlag, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}
	defer conn.Close()

	clock := clockwork.NewRealClock()

	directory, err := catalog.NewDuckDirectory(catalog.DirectoryConfig{
		Logger: log,
		Conn:   conn,
	})
	if err != nil {
		return fmt.Errorf("failed to create tenant directory: %w", err)
	}
	if err := directory.Init(ctx); err != nil {
		return err
	}

	inspector, err := catalog.NewDuckInspector(catalog.InspectorConfig{
		Logger: log,
		Conn:   conn,
	})
	if err != nil {
		return fmt.Errorf("failed to create inspector: %w", err)
	}
	defer inspector.Close()

	tracker, err := tracking.NewStore(tracking.StoreConfig{
		Logger: log,
		Conn:   conn,
		Clock:  clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracker: %w", err)
	}
	if err := tracker.Init(ctx); err != nil {
		return err
	}

	specs, err := tablespec.NewStore(tablespec.StoreConfig{
		Logger: log,
		Conn:   conn,
		Clock:  clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create table spec store: %w", err)
	}
	if err := specs.Init(ctx); err != nil {
		return err
	}

	reconciler, err := schema.NewReconciler(schema.ReconcilerConfig{
		Logger:              log,
		Clock:               clock,
		MetadataFieldPrefix: *metadataPrefixFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	generator, err := render.NewGenerator(render.GeneratorConfig{
		Logger:  log,
		Dialect: render.DuckDBDialect{},
	})
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	executor, err := batch.NewDuckExecutor(batch.ExecutorConfig{
		Logger: log,
		Conn:   conn,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	orchestrator, err := batch.NewOrchestrator(batch.OrchestratorConfig{
		Logger:     log,
		Clock:      clock,
		Directory:  directory,
		Inspector:  inspector,
		Reconciler: reconciler,
		Generator:  generator,
		Tracker:    tracker,
		Specs:      specs,
		Executor:   executor,

		Tables:               *tablesFlag,
		ShardIndex:           *shardIndexFlag,
		ShardCount:           *shardCountFlag,
		StartMarker:          *startTableFlag,
		ResumeFromCheckpoint: *resumeFlag,
		CheckpointKey:        *checkpointKeyFlag,
		Concurrency:          *concurrencyFlag,
		MaterializeTables:    *materializeFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	sum, err := orchestrator.Run(ctx)
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	log.Info("batch summary",
		"tables", sum.Tables,
		"completed", sum.Completed,
		"errored", sum.Errored,
		"skipped", sum.Skipped,
		"central_views", sum.CentralViews,
		"central_tables", sum.CentralTables)
	return nil
}
