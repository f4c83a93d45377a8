package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/dbdeck/dbdeck/internal/connection"
)

// postgresPool is the networked pool variant for PostgreSQL targets.
// Per-query timeouts use the session statement_timeout; when the server
// cancels the statement the driver reports a cancellation error that is
// translated into a TimeoutError here.
type postgresPool struct {
	sqlPool
}

func newPostgresPool(desc *connection.Descriptor, host string, port int, cfg Config) (Pool, error) {
	db, err := sqlx.Connect("pgx", desc.DSN(host, port))
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	applyPoolLimits(db, cfg)
	return &postgresPool{sqlPool{db: db, kind: connection.KindPostgres, cfg: cfg}}, nil
}

func (p *postgresPool) SupportsServerSideTimeout() bool { return true }

// QueryWithTimeout sets statement_timeout for the session, runs the
// statement, and resets the limit. The set/reset is best-effort like the
// MySQL variant, but the cancellation itself is genuine: the server kills
// the statement and the resulting SQLSTATE 57014 error is surfaced as a
// TimeoutError instead of a generic query failure.
func (p *postgresPool) QueryWithTimeout(ctx context.Context, sql string, params []any, timeout time.Duration) (*Result, error) {
	conn, cancel, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(conn, cancel)

	setSQL := fmt.Sprintf("SET statement_timeout = %d", timeout.Milliseconds())
	res, err := sessionTimeout(ctx, conn, setSQL, "SET statement_timeout = 0", func() (*Result, error) {
		return runOn(ctx, conn, sql, params)
	})
	if err != nil && isPostgresTimeout(err) {
		return nil, &TimeoutError{Timeout: timeout}
	}
	return res, err
}

// isPostgresTimeout matches the statement_timeout cancellation message
// (SQLSTATE 57014).
func isPostgresTimeout(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "canceling statement due to statement timeout")
}
