// Package pool implements per-engine connection pools and the bounded
// registry that tracks them. One pool exists per connection descriptor id;
// the registry creates pools lazily, evicts the least-recently-used entry
// under pressure, and pairs each tunneled pool with its SSH tunnel so the
// two are torn down together.
package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dbdeck/dbdeck/internal/connection"
)

// Column describes one column of a query result.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Result is the uniform shape every engine pool normalizes query results
// into. Mutating statements produce a single synthetic row carrying the
// affected-row count.
type Result struct {
	Columns      []Column         `json:"columns"`
	Rows         []map[string]any `json:"rows"`
	RowCount     int              `json:"rowCount"`
	AffectedRows int64            `json:"affectedRows,omitempty"`
}

// Stats reports connection usage for one pool. Active is tracked by the
// wrapper itself (acquired-not-yet-released); idle and waiting are
// best-effort from the underlying driver where it exposes them.
type Stats struct {
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
}

// TimeoutError is returned when a query exceeded its configured timeout.
// MayStillBeRunning is true for engines without server-side cancellation
// (sqlite), where losing the wall-clock race only abandons the call — the
// statement may keep consuming resources in the background.
type TimeoutError struct {
	Timeout           time.Duration
	MayStillBeRunning bool
}

func (e *TimeoutError) Error() string {
	if e.MayStillBeRunning {
		return fmt.Sprintf("query exceeded timeout of %s (statement may still be running)", e.Timeout)
	}
	return fmt.Sprintf("query exceeded timeout of %s", e.Timeout)
}

// Pool is the contract every engine variant implements. Destroy is
// idempotent; HealthCheck never returns an error, only a verdict.
type Pool interface {
	Query(ctx context.Context, sql string, params []any) (*Result, error)
	QueryWithTimeout(ctx context.Context, sql string, params []any, timeout time.Duration) (*Result, error)
	HealthCheck(ctx context.Context) bool
	Stats() Stats
	Kind() connection.Kind

	// SupportsServerSideTimeout reports whether QueryWithTimeout can cancel
	// the statement on the server, or only races a timer against it.
	SupportsServerSideTimeout() bool

	Destroy() error
}

// Config holds pool sizing knobs shared by the networked engines. The
// embedded-file engine only honors BusyTimeout.
type Config struct {
	MaxOpenConns   int
	MaxIdleConns   int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	BusyTimeout    time.Duration // sqlite lock wait
}

// DefaultConfig returns the documented pool sizing defaults: max 10 open,
// min 2 idle, 30s idle timeout, 10s acquire timeout.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:   10,
		MaxIdleConns:   2,
		IdleTimeout:    30 * time.Second,
		AcquireTimeout: 10 * time.Second,
		BusyTimeout:    5 * time.Second,
	}
}

// New constructs the engine-appropriate pool for the descriptor against the
// given endpoint. The endpoint is 127.0.0.1:localPort when the registry has
// provisioned a tunnel, and the descriptor's own host/port otherwise.
func New(desc *connection.Descriptor, host string, port int, cfg Config) (Pool, error) {
	switch desc.Kind {
	case connection.KindMySQL:
		return newMySQLPool(desc, host, port, cfg)
	case connection.KindPostgres:
		return newPostgresPool(desc, host, port, cfg)
	case connection.KindSQLite:
		return newSQLitePool(desc, cfg)
	default:
		return nil, fmt.Errorf("unsupported engine kind: %q", desc.Kind)
	}
}

// readOnlyPrefixes are the statement prefixes treated as row-returning.
// Anything else is executed as a mutating statement and normalized to a
// synthetic affected-rows row.
var readOnlyPrefixes = []string{"select", "explain", "describe", "desc", "show", "pragma"}

// isReadOnly classifies a statement purely by a case-insensitive prefix check
// on the trimmed text.
func isReadOnly(sql string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(sql))
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

// affectedResult builds the synthetic single-row result for a mutating
// statement.
func affectedResult(affected int64) *Result {
	return &Result{
		Columns:      []Column{{Name: "affectedRows", Type: "INTEGER", Nullable: false}},
		Rows:         []map[string]any{{"affectedRows": affected}},
		RowCount:     1,
		AffectedRows: affected,
	}
}
