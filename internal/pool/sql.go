package pool

import (
	"context"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/dbdeck/dbdeck/internal/connection"
)

// sqlPool is the common core of all engine pools. It wraps a *sqlx.DB,
// tracks the acquired-connection count itself (driver introspection of
// in-use connections is not part of the portable API), and normalizes
// results into the uniform Result shape.
type sqlPool struct {
	db        *sqlx.DB
	kind      connection.Kind
	cfg       Config
	active    atomic.Int64
	destroyed atomic.Bool
}

func (p *sqlPool) Kind() connection.Kind { return p.kind }

// acquire checks out one dedicated connection, honoring the configured
// acquire timeout. The caller must release() the returned connection
// exactly once, including on error paths.
func (p *sqlPool) acquire(ctx context.Context) (*sqlx.Conn, context.CancelFunc, error) {
	p.active.Add(1)
	acquireCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.cfg.AcquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	}
	conn, err := p.db.Connx(acquireCtx)
	if err != nil {
		cancel()
		p.active.Add(-1)
		return nil, nil, err
	}
	return conn, cancel, nil
}

// release returns the connection to the pool and decrements the active
// counter. Safe on a nil connection.
func (p *sqlPool) release(conn *sqlx.Conn, cancel context.CancelFunc) {
	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	p.active.Add(-1)
}

// Query acquires one connection, executes the statement, and always returns
// the connection to the pool, error or not.
func (p *sqlPool) Query(ctx context.Context, sql string, params []any) (*Result, error) {
	conn, cancel, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(conn, cancel)
	return runOn(ctx, conn, sql, params)
}

// HealthCheck issues a trivial probe query. It reports false on any failure
// and never returns an error.
func (p *sqlPool) HealthCheck(ctx context.Context) bool {
	if p.destroyed.Load() {
		return false
	}
	var one int
	if err := p.db.QueryRowxContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return false
	}
	return true
}

// Stats reports the wrapper-tracked active count plus best-effort idle from
// the driver. database/sql does not expose a current-waiters gauge, so
// waiting is always 0.
func (p *sqlPool) Stats() Stats {
	idle := 0
	if p.db != nil {
		idle = p.db.Stats().Idle
	}
	return Stats{
		Active:  int(p.active.Load()),
		Idle:    idle,
		Waiting: 0,
	}
}

// Destroy closes the underlying pool. Idempotent; a second call is a no-op.
func (p *sqlPool) Destroy() error {
	if !p.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// applyPoolLimits wires the shared sizing config onto a fresh *sqlx.DB.
func applyPoolLimits(db *sqlx.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}
}

// runOn executes one statement on an already-acquired connection. Read-only
// statements are scanned into maps; everything else goes through Exec and is
// normalized to the synthetic affected-rows row.
func runOn(ctx context.Context, conn *sqlx.Conn, sql string, params []any) (*Result, error) {
	if !isReadOnly(sql) {
		res, err := conn.ExecContext(ctx, sql, params...)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = 0
		}
		return affectedResult(affected), nil
	}

	rows, err := conn.QueryxContext(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// scanRows drains a result set into the uniform Result shape, capturing
// column metadata from the driver.
func scanRows(rows *sqlx.Rows) (*Result, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	columns := make([]Column, len(types))
	for i, ct := range types {
		nullable, _ := ct.Nullable()
		columns[i] = Column{
			Name:     ct.Name(),
			Type:     ct.DatabaseTypeName(),
			Nullable: nullable,
		}
	}

	records := make([]map[string]any, 0)
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		cleanMapValues(row)
		records = append(records, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Result{
		Columns:  columns,
		Rows:     records,
		RowCount: len(records),
	}, nil
}

// cleanMapValues converts driver byte slices into strings so results
// JSON-encode as text instead of base64.
func cleanMapValues(row map[string]any) {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
}

// sessionTimeout is a helper shared by the networked engines: run setSQL
// before the statement and resetSQL after, swallowing failures on both. The
// session-level limit is best-effort; an engine or server version that does
// not support it must never abort the query.
func sessionTimeout(ctx context.Context, conn *sqlx.Conn, setSQL, resetSQL string, run func() (*Result, error)) (*Result, error) {
	_, _ = conn.ExecContext(ctx, setSQL)
	defer func() { _, _ = conn.ExecContext(ctx, resetSQL) }()
	return run()
}
