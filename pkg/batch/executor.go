package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/duck"
)

const (
	defaultInitialRetryDelay = 50 * time.Millisecond
	defaultMaxRetryDelay     = 5 * time.Second
	defaultMaxElapsedTime    = 30 * time.Second
)

// StatementError reports which statement of a definition failed.
type StatementError struct {
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement failed: %v", e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// Executor runs the ordered statements of a rendered definition.
type Executor interface {
	Execute(ctx context.Context, statements []string) error
}

type ExecutorConfig struct {
	Logger *slog.Logger
	Conn   duck.Connection

	// MaxElapsedTime bounds retries for one statement. Defaults to
	// defaultMaxElapsedTime.
	MaxElapsedTime time.Duration
}

func (cfg *ExecutorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("connection is required")
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = defaultMaxElapsedTime
	}
	return nil
}

// DuckExecutor executes statements on a DuckDB connection, retrying
// transaction conflicts with exponential backoff. Concurrent workers share
// one connection, so conflicts are expected under load.
type DuckExecutor struct {
	log *slog.Logger
	cfg ExecutorConfig
}

func NewDuckExecutor(cfg ExecutorConfig) (*DuckExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &DuckExecutor{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (e *DuckExecutor) Execute(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if err := e.execute(ctx, stmt); err != nil {
			return &StatementError{Statement: stmt, Err: err}
		}
	}
	return nil
}

func (e *DuckExecutor) execute(ctx context.Context, stmt string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultInitialRetryDelay
	bo.MaxInterval = defaultMaxRetryDelay
	bo.MaxElapsedTime = e.cfg.MaxElapsedTime

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		_, err := e.cfg.Conn.ExecContext(ctx, stmt)
		if err == nil {
			return nil
		}
		if !isTransactionConflictError(err) {
			return backoff.Permanent(err)
		}
		e.log.Warn("transaction conflict, retrying",
			"attempt", attempt,
			"error", err)
		return err
	}, backoff.WithContext(bo, ctx))
}

func isTransactionConflictError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Transaction conflict") ||
		strings.Contains(errStr, "write-write conflict") ||
		strings.Contains(errStr, "Conflict on tuple deletion") ||
		strings.Contains(errStr, "database is locked")
}
