// Package engine executes validated SQL against PostgreSQL under strict
// wall-clock and connection-pool bounds.
//
// The engine trusts the validator's rewrite completely: it never re-validates
// and never truncates rows client-side, since the row cap is enforced by the
// SQL itself. Statement timeouts are enforced server-side through the
// session's statement_timeout parameter, with a client-side context deadline
// on top.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"credit-insights/internal/domain"
)

// sqlstateQueryCanceled is raised when statement_timeout fires server-side.
const sqlstateQueryCanceled = "57014"

// Config bounds one Engine instance.
type Config struct {
	// QueryTimeout is the hard wall-clock budget per statement.
	QueryTimeout time.Duration
	// AcquireTimeout bounds how long a request may wait for a pooled
	// connection before failing with resource exhaustion.
	AcquireTimeout time.Duration
}

// Engine runs statements against a shared pgx pool.
type Engine struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger
}

// Compile-time check.
var _ domain.Executor = (*Engine)(nil)

// New creates an Engine on an existing pool.
func New(pool *pgxpool.Pool, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	return &Engine{pool: pool, cfg: cfg, logger: logger}
}

// PoolConfig describes the database connection settings.
type PoolConfig struct {
	// URL is a postgres connection string.
	URL      string
	MaxConns int32
	MinConns int32
	// StatementTimeout is set as a session runtime parameter on every pool
	// connection, so runaway statements are canceled by the server even if
	// the client stalls.
	StatementTimeout time.Duration
}

// NewPool opens a pgx pool configured for read-only analytical queries.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] =
			fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}
	poolCfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}

// Execute runs one validated statement and returns normalized rows. Failures
// come back as *domain.QueryError with a classified kind and a bounded
// message.
func (e *Engine) Execute(ctx context.Context, sql string) (*domain.ResultSet, error) {
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, e.cfg.AcquireTimeout)
	defer cancelAcquire()

	conn, err := e.pool.Acquire(acquireCtx)
	if err != nil {
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			return nil, domain.Errf(domain.KindResourcePoolExhausted,
				"no database connection available within %s", e.cfg.AcquireTimeout)
		}
		return nil, classifyError(err)
	}
	defer conn.Release()

	queryCtx, cancelQuery := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancelQuery()

	start := time.Now()
	rows, err := conn.Query(queryCtx, sql)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, classifyError(err)
	}
	result.Elapsed = time.Since(start)
	result.ElapsedMs = result.Elapsed.Milliseconds()

	e.logger.Debug("query executed", "row_count", result.RowCount, "elapsed", result.Elapsed)
	return result, nil
}

// Ping verifies database connectivity, for health checks.
func (e *Engine) Ping(ctx context.Context) error {
	return e.pool.Ping(ctx)
}

// scanRows drains a pgx result into normalized column-name → scalar maps.
func scanRows(rows pgx.Rows) (*domain.ResultSet, error) {
	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, fd := range fields {
		columns[i] = fd.Name
	}

	result := &domain.ResultSet{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// classifyError maps database and context errors onto the pipeline's error
// kinds, truncating database-reported messages before they travel upstream.
func classifyError(err error) error {
	var qe *domain.QueryError
	if errors.As(err, &qe) {
		return qe
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == sqlstateQueryCanceled {
			return domain.Errf(domain.KindExecutionTimeout, "statement canceled: execution budget exceeded")
		}
		return domain.Errf(domain.KindExecutionError, "%s: %s", pgErr.Code, pgErr.Message)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Errf(domain.KindExecutionTimeout, "statement canceled: execution budget exceeded")
	}

	return domain.Errf(domain.KindExecutionError, "%v", err)
}
