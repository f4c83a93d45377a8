package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/dbdeck/dbdeck/internal/connection"
)

// mysqlPool is the networked pool variant for MySQL targets. Per-query
// timeouts use the session max_execution_time limit, which cancels the
// statement on the server.
type mysqlPool struct {
	sqlPool
}

func newMySQLPool(desc *connection.Descriptor, host string, port int, cfg Config) (Pool, error) {
	db, err := sqlx.Connect("mysql", desc.DSN(host, port))
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	applyPoolLimits(db, cfg)
	return &mysqlPool{sqlPool{db: db, kind: connection.KindMySQL, cfg: cfg}}, nil
}

func (p *mysqlPool) SupportsServerSideTimeout() bool { return true }

// QueryWithTimeout sets the session max_execution_time before the statement
// and resets it to unlimited after. Setting the limit is best-effort: servers
// older than 5.7 and MariaDB reject the variable, and that must never abort
// the query itself.
func (p *mysqlPool) QueryWithTimeout(ctx context.Context, sql string, params []any, timeout time.Duration) (*Result, error) {
	conn, cancel, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(conn, cancel)

	setSQL := fmt.Sprintf("SET SESSION max_execution_time = %d", timeout.Milliseconds())
	res, err := sessionTimeout(ctx, conn, setSQL, "SET SESSION max_execution_time = 0", func() (*Result, error) {
		return runOn(ctx, conn, sql, params)
	})
	if err != nil && isMySQLTimeout(err) {
		return nil, &TimeoutError{Timeout: timeout}
	}
	return res, err
}

// isMySQLTimeout matches error 3024, raised when max_execution_time fires.
func isMySQLTimeout(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "max_execution_time") ||
		strings.Contains(msg, "maximum statement execution time exceeded")
}
