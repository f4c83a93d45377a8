package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/dbdeck/dbdeck/internal/connection"
)

// sqlitePool is the embedded-file variant. SQLite is single-process and has
// no server to cancel a statement, so QueryWithTimeout only races a timer
// against the call: losing the race returns a TimeoutError with
// MayStillBeRunning set, and the statement may keep running until it
// finishes on its own.
type sqlitePool struct {
	sqlPool
}

func newSQLitePool(desc *connection.Descriptor, cfg Config) (Pool, error) {
	dsn := desc.FilePath + "?_pragma=journal_mode(WAL)"
	if cfg.BusyTimeout > 0 {
		dsn += fmt.Sprintf("&_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())
	}
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// SQLite doesn't support concurrent writes; a single connection avoids
	// SQLITE_BUSY churn under write load.
	db.SetMaxOpenConns(1)
	return &sqlitePool{sqlPool{db: db, kind: connection.KindSQLite, cfg: cfg}}, nil
}

func (p *sqlitePool) SupportsServerSideTimeout() bool { return false }

// QueryWithTimeout runs the statement in a goroutine and waits for whichever
// finishes first: the query or the timer. The query is deliberately not
// cancelled on timeout — there is no preemptive cancellation to invoke, and
// tying it to a context would only mask that asymmetry.
func (p *sqlitePool) QueryWithTimeout(ctx context.Context, sql string, params []any, timeout time.Duration) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := p.Query(ctx, sql, params)
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.res, out.err
	case <-timer.C:
		return nil, &TimeoutError{Timeout: timeout, MayStillBeRunning: true}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
