package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/domain"
)

// Pool wraps pgxpool with a circuit breaker. The breaker opens when more
// than half the calls in a five-minute window fail, after which calls return
// ErrBackendUnavailable immediately instead of piling up on a dead backend.
type Pool struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	dim     int
}

// PoolBounds derives pool sizing from the expected worker count:
// min = clamp(ceil(workers*0.1), 2, 5), max = clamp(ceil(workers*0.5), 10, 20).
func PoolBounds(workers int) (min, max int32) {
	if workers < 1 {
		workers = 1
	}
	lo := int(math.Ceil(float64(workers) * 0.1))
	hi := int(math.Ceil(float64(workers) * 0.5))
	return int32(clamp(lo, 2, 5)), int32(clamp(hi, 10, 20))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// New connects to PostgreSQL and verifies connectivity. Pool bounds fall
// back to worker-derived defaults when the config leaves them at zero.
func New(ctx context.Context, cfg config.DBConfig, dimension int, logger *zap.Logger) (*Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}

	minConns, maxConns := PoolBounds(runtime.GOMAXPROCS(0))
	if cfg.PoolMin > 0 {
		minConns = int32(cfg.PoolMin)
	}
	if cfg.PoolMax > 0 {
		maxConns = int32(cfg.PoolMax)
	}
	pc.MinConns = minConns
	pc.MaxConns = maxConns
	pc.MaxConnIdleTime = 300 * time.Second
	pc.MaxConnLifetime = 3600 * time.Second
	pc.ConnConfig.ConnectTimeout = time.Duration(cfg.TimeoutMS) * time.Millisecond

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", domain.ErrBackendUnavailable, err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "postgres",
		Interval: 5 * time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 10 && float64(c.TotalFailures)/float64(c.Requests) > 0.5
		},
		IsSuccessful: func(err error) bool {
			// Only backend failures trip the breaker; not-found and
			// constraint errors are healthy responses.
			return err == nil || !isBackendError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	logger.Info("connected to database",
		zap.String("host", cfg.Host),
		zap.Int32("pool_min", minConns),
		zap.Int32("pool_max", maxConns))

	return &Pool{pool: pool, breaker: cb, logger: logger, dim: dimension}, nil
}

func isBackendError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23 = integrity constraint violations, class 22 = data
		// exceptions: caller mistakes, not backend failures.
		cls := pgErr.Code[:2]
		return cls != "23" && cls != "22" && cls != "42"
	}
	return true
}

// Query runs a query through the breaker.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	res, err := p.breaker.Execute(func() (any, error) {
		return p.pool.Query(ctx, sql, args...)
	})
	if err != nil {
		return nil, mapBreakerErr(err)
	}
	return res.(pgx.Rows), nil
}

// QueryRow runs a single-row query through the breaker. Row errors surface
// on Scan, so only breaker-open states are mapped here.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	res, err := p.breaker.Execute(func() (any, error) {
		return p.pool.QueryRow(ctx, sql, args...), nil
	})
	if err != nil {
		return errRow{mapBreakerErr(err)}
	}
	return res.(pgx.Row)
}

// Exec runs a statement through the breaker.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	res, err := p.breaker.Execute(func() (any, error) {
		return p.pool.Exec(ctx, sql, args...)
	})
	if err != nil {
		return pgconn.CommandTag{}, mapBreakerErr(err)
	}
	return res.(pgconn.CommandTag), nil
}

// Begin opens a transaction through the breaker.
func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	res, err := p.breaker.Execute(func() (any, error) {
		return p.pool.Begin(ctx)
	})
	if err != nil {
		return nil, mapBreakerErr(err)
	}
	return res.(pgx.Tx), nil
}

// InTransaction runs fn inside a transaction, committing when fn returns nil
// and rolling back otherwise.
func (p *Pool) InTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// BatchInsert queues one insert per row over a single round trip and returns
// the number of rows written.
func (p *Pool) BatchInsert(ctx context.Context, table string, cols []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res, err := p.breaker.Execute(func() (any, error) {
		br := p.pool.SendBatch(ctx, QueueInserts(table, cols, rows))
		defer br.Close()
		var n int64
		for range rows {
			tag, err := br.Exec()
			if err != nil {
				return nil, err
			}
			n += tag.RowsAffected()
		}
		return n, nil
	})
	if err != nil {
		return 0, mapBreakerErr(err)
	}
	return res.(int64), nil
}

// QueueInserts builds a batch of per-row inserts for table. The batch can be
// sent through the pool or inside an open transaction.
func QueueInserts(table string, cols []string, rows [][]any) *pgx.Batch {
	sql := InsertStatement(table, cols)
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(sql, row...)
	}
	return batch
}

// InsertStatement renders a plain INSERT with positional placeholders.
func InsertStatement(table string, cols []string) string {
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(ph, ", "))
}

// CosineExpr renders the cosine similarity of col against placeholder $n.
// Scores land in [0,1] for unit vectors.
func CosineExpr(col string, n int) string {
	return fmt.Sprintf("1 - (%s <=> $%d)", col, n)
}

// InnerProductExpr renders the negated inner product of col against
// placeholder $n, so larger still means closer.
func InnerProductExpr(col string, n int) string {
	return fmt.Sprintf("-(%s <#> $%d)", col, n)
}

// Raw exposes the underlying pgxpool for integrations that need database/sql
// adapters (migrations).
func (p *Pool) Raw() *pgxpool.Pool { return p.pool }

// Dimension is the configured embedding dimension the schema must match.
func (p *Pool) Dimension() int { return p.dim }

// Close releases all pooled connections.
func (p *Pool) Close() { p.pool.Close() }

// Health verifies connectivity, the vector extension, and that the stored
// embedding columns match the configured dimension.
func (p *Pool) Health(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", domain.ErrBackendUnavailable, err)
	}

	var hasVector bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')`).Scan(&hasVector)
	if err != nil {
		return fmt.Errorf("%w: extension check: %v", domain.ErrBackendUnavailable, err)
	}
	if !hasVector {
		return fmt.Errorf("%w: pgvector extension missing", domain.ErrSchemaMismatch)
	}

	// vector(n) stores n as atttypmod on the column.
	var typmod int
	err = p.pool.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		WHERE c.relname = 'events' AND a.attname = 'embedding'`).Scan(&typmod)
	if err != nil {
		return fmt.Errorf("%w: dimension check: %v", domain.ErrBackendUnavailable, err)
	}
	if typmod != p.dim {
		return fmt.Errorf("%w: events.embedding is vector(%d), config wants %d",
			domain.ErrSchemaMismatch, typmod, p.dim)
	}
	return nil
}

// Stats exposes pool utilization for the observer.
func (p *Pool) Stats() *pgxpool.Stat { return p.pool.Stat() }

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker open", domain.ErrBackendUnavailable)
	}
	return err
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
