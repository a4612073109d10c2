// Package postgres provides PostgreSQL adapters: the managed connection
// pool, advisory locks, and the project and job repositories.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/observability"
)

// ManagedPool owns the process-wide database pool. It meters acquisitions,
// trips a circuit breaker on connection-class errors, flags held
// connections past the leak threshold, and classifies slow queries.
type ManagedPool struct {
	pool    *pgxpool.Pool
	breaker *observability.CircuitBreaker

	acquireTimeout time.Duration
	slowThreshold  time.Duration
	leakThreshold  time.Duration

	mu   sync.Mutex
	held map[int64]heldConn
	seq  int64

	stopOnce sync.Once
	stop     chan struct{}
}

type heldConn struct {
	since  time.Time
	caller string
}

// NewManagedPool builds and connects the pool. Call Start to begin the
// health and leak sweeps, and Drain on shutdown.
func NewManagedPool(ctx context.Context, cfg config.Config) (*ManagedPool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("op=pool.parse_config: %w", err)
	}
	pc.MinConns = int32(cfg.PoolMinConns)
	pc.MaxConns = int32(cfg.PoolMaxConns)
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("op=pool.connect: %w", err)
	}
	return &ManagedPool{
		pool:           pool,
		breaker:        observability.NewCircuitBreaker(cfg.BreakerErrorThreshold, cfg.BreakerResetTimeout),
		acquireTimeout: cfg.AcquireTimeout,
		slowThreshold:  cfg.SlowQueryThreshold,
		leakThreshold:  cfg.LeakThreshold,
		held:           make(map[int64]heldConn),
		stop:           make(chan struct{}),
	}, nil
}

// Start launches the periodic health probe and leak sweep.
func (p *ManagedPool) Start(ctx context.Context) {
	go p.healthLoop(ctx)
	go p.leakLoop(ctx)
}

// Breaker exposes the breaker for readiness checks.
func (p *ManagedPool) Breaker() *observability.CircuitBreaker { return p.breaker }

// Ping probes the database for readiness checks.
func (p *ManagedPool) Ping(ctx context.Context) error {
	var one int
	if err := p.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("op=pool.ping: %w", err)
	}
	return nil
}

// acquire checks the breaker, then acquires with the configured ceiling.
// The returned release must be called on every exit path.
func (p *ManagedPool) acquire(ctx context.Context) (*pgxpool.Conn, func(), error) {
	if !p.breaker.CanExecute() {
		observability.PoolAcquisitionsTotal.WithLabelValues("breaker_open").Inc()
		return nil, nil, fmt.Errorf("op=pool.acquire: %w", domain.ErrBreakerOpen)
	}

	actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	start := time.Now()
	conn, err := p.pool.Acquire(actx)
	elapsed := time.Since(start)
	observability.PoolAcquireDuration.Observe(elapsed.Seconds())
	if elapsed > p.acquireTimeout/2 {
		slog.Warn("slow pool acquisition",
			slog.Duration("elapsed", elapsed),
			slog.Duration("ceiling", p.acquireTimeout))
	}
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		observability.PoolAcquisitionsTotal.WithLabelValues(outcome).Inc()
		p.breaker.RecordFailure()
		return nil, nil, fmt.Errorf("op=pool.acquire: %w: %w", domain.ErrTransientDB, err)
	}
	observability.PoolAcquisitionsTotal.WithLabelValues("ok").Inc()
	observability.PoolConnectionsInUse.Inc()

	id := p.track(callerName())
	var once sync.Once
	release := func() {
		once.Do(func() {
			p.untrack(id)
			observability.PoolConnectionsInUse.Dec()
			conn.Release()
		})
	}
	return conn, release, nil
}

// Exec wraps acquire+execute+release.
func (p *ManagedPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	conn, release, err := p.acquire(ctx)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	defer release()

	start := time.Now()
	tag, err := conn.Exec(ctx, sql, args...)
	p.observeQuery(sql, time.Since(start), err)
	if err != nil {
		return pgconn.CommandTag{}, p.classify("pool.exec", err)
	}
	return tag, nil
}

// QueryRow wraps acquire+query+release; the row is fully read before release.
func (p *ManagedPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	conn, release, err := p.acquire(ctx)
	if err != nil {
		return errRow{err}
	}
	return rowWithRelease{row: conn.QueryRow(ctx, sql, args...), release: release, pool: p, sql: sql, start: time.Now()}
}

// Query returns rows that release the connection on Close.
func (p *ManagedPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	conn, release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		p.observeQuery(sql, time.Since(start), err)
		release()
		return nil, p.classify("pool.query", err)
	}
	return rowsWithRelease{Rows: rows, release: release, pool: p, sql: sql, start: start}, nil
}

// WithTx runs fn inside a transaction on one acquired connection.
func (p *ManagedPool) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	conn, release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return p.classify("pool.begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return p.classify("pool.commit", err)
	}
	p.breaker.RecordSuccess()
	return nil
}

// Drain waits for in-flight acquisitions up to the deadline, then closes.
func (p *ManagedPool) Drain(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stop) })
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		p.mu.Lock()
		n := len(p.held)
		p.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			slog.Warn("pool drain deadline reached, force closing", slog.Int("held", n))
			p.pool.Close()
			return
		case <-tick.C:
		}
	}
	p.pool.Close()
}

func (p *ManagedPool) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			var one int
			if err := p.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
				slog.Warn("pool health probe failed", slog.Any("error", err))
			}
		}
	}
}

func (p *ManagedPool) leakLoop(ctx context.Context) {
	interval := p.leakThreshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweepLeaks()
		}
	}
}

func (p *ManagedPool) sweepLeaks() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.held {
		if now.Sub(h.since) > p.leakThreshold {
			observability.PoolLeakedConnections.Inc()
			slog.Warn("connection held past leak threshold",
				slog.String("caller", h.caller),
				slog.Duration("held_for", now.Sub(h.since)),
				slog.Duration("threshold", p.leakThreshold))
		}
	}
}

func (p *ManagedPool) track(caller string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.held[p.seq] = heldConn{since: time.Now(), caller: caller}
	return p.seq
}

func (p *ManagedPool) untrack(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.held, id)
}

func (p *ManagedPool) observeQuery(sql string, elapsed time.Duration, err error) {
	if elapsed > p.slowThreshold {
		observability.PoolSlowQueriesTotal.Inc()
		slog.Warn("slow query",
			slog.String("sql", firstLine(sql)),
			slog.Duration("elapsed", elapsed))
	}
	if err == nil {
		p.breaker.RecordSuccess()
	}
}

// classify wraps connection-class errors as transient and feeds the breaker.
func (p *ManagedPool) classify(op string, err error) error {
	if isConnClassError(err) {
		p.breaker.RecordFailure()
		return fmt.Errorf("op=%s: %w: %w", op, domain.ErrTransientDB, err)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}

func isConnClassError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, frag := range []string{"connection", "timeout", "broken pipe", "reset by peer", "eof"} {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}

func callerName() string {
	// Skip callerName, track and acquire frames.
	pc, _, _, ok := runtime.Caller(3)
	if !ok {
		return "unknown"
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		return fn.Name()
	}
	return "unknown"
}

func firstLine(sql string) string {
	sql = strings.TrimSpace(sql)
	if i := strings.IndexByte(sql, '\n'); i >= 0 {
		sql = sql[:i]
	}
	if len(sql) > 80 {
		sql = sql[:80]
	}
	return sql
}

// errRow satisfies pgx.Row for acquisition failures.
type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// rowWithRelease releases the connection after Scan completes.
type rowWithRelease struct {
	row     pgx.Row
	release func()
	pool    *ManagedPool
	sql     string
	start   time.Time
}

func (r rowWithRelease) Scan(dest ...any) error {
	defer r.release()
	err := r.row.Scan(dest...)
	r.pool.observeQuery(r.sql, time.Since(r.start), err)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return r.pool.classify("pool.query_row", err)
	}
	return err
}

// rowsWithRelease releases the connection when the rows are closed.
type rowsWithRelease struct {
	pgx.Rows
	release func()
	pool    *ManagedPool
	sql     string
	start   time.Time
}

func (r rowsWithRelease) Close() {
	r.Rows.Close()
	r.pool.observeQuery(r.sql, time.Since(r.start), r.Rows.Err())
	r.release()
}
