// Package executor is the policy façade in front of the pool registry. It
// applies the global row cap, resolves the effective query timeout, measures
// elapsed time, and folds every failure into a result value — callers never
// see a raw error from the pooling internals.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dbdeck/dbdeck/internal/connection"
	"github.com/dbdeck/dbdeck/internal/pool"
)

const (
	// DefaultMaxRows is the global row cap applied to every query result.
	DefaultMaxRows = 10000
	// DefaultTimeout is used when neither the caller nor the descriptor
	// supplies one.
	DefaultTimeout = 30 * time.Second
)

// Config holds the executor's policy knobs.
type Config struct {
	MaxRows        int
	DefaultTimeout time.Duration
	Pool           pool.Config // sizing for direct-path one-off pools
}

// DefaultConfig returns the documented policy defaults.
func DefaultConfig() Config {
	return Config{
		MaxRows:        DefaultMaxRows,
		DefaultTimeout: DefaultTimeout,
		Pool:           pool.DefaultConfig(),
	}
}

// Options are the per-call knobs recognized by Execute.
type Options struct {
	// Limit caps returned rows. The global MaxRows is always the final
	// clamp regardless of what the caller asks for.
	Limit int `json:"limit,omitempty"`

	// Timeout in milliseconds. Nil means "unset" (descriptor override or
	// global default applies); explicit zero or negative means "no timeout"
	// and bypasses timeout logic entirely.
	Timeout *int `json:"timeout,omitempty"`

	// UsePool selects the pooled path (default) or the direct one-off path
	// that never touches the shared registry.
	UsePool *bool `json:"usePool,omitempty"`
}

// Response is the uniform result every call resolves to. Error is set
// instead of data on failure; ExecutionTime is reported either way.
type Response struct {
	Columns           []pool.Column    `json:"columns,omitempty"`
	Rows              []map[string]any `json:"rows,omitempty"`
	RowCount          int              `json:"rowCount"`
	AffectedRows      int64            `json:"affectedRows,omitempty"`
	ExecutionTime     int64            `json:"executionTime"` // milliseconds
	Error             string           `json:"error,omitempty"`
	MayStillBeRunning bool             `json:"timedOutButMayStillBeRunning,omitempty"`
}

// Executor wraps the registry with uniform query policies.
type Executor struct {
	registry *pool.Registry
	cfg      Config
	logger   *slog.Logger
}

// New creates an Executor over the given registry.
func New(registry *pool.Registry, cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Executor{registry: registry, cfg: cfg, logger: logger}
}

// Execute runs one statement under the executor's policies. It never returns
// an error; failures come back in the Response's Error field with the
// elapsed time still filled in.
func (e *Executor) Execute(ctx context.Context, desc *connection.Descriptor, sql string, params []any, opts Options) Response {
	start := time.Now()

	timeout := e.resolveTimeout(desc, opts)
	limit := e.resolveLimit(opts)

	var res *pool.Result
	var err error
	if opts.UsePool == nil || *opts.UsePool {
		res, err = e.registry.ExecuteQuery(ctx, desc, sql, params, timeout, limit)
	} else {
		res, err = e.executeDirect(ctx, desc, sql, params, timeout, limit)
	}

	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return e.errorResponse(err, timeout, elapsed)
	}

	return Response{
		Columns:       res.Columns,
		Rows:          res.Rows,
		RowCount:      res.RowCount,
		AffectedRows:  res.AffectedRows,
		ExecutionTime: elapsed,
	}
}

// executeDirect serves one-off/administrative operations (probing a
// connection before it is saved) without touching the shared registry. A
// single-connection pool is built, used once, and torn down, so behavior is
// observably identical to the pooled path. The direct path connects straight
// to the descriptor's endpoint; it does not provision tunnels.
func (e *Executor) executeDirect(ctx context.Context, desc *connection.Descriptor, sql string, params []any, timeout time.Duration, limit int) (*pool.Result, error) {
	cfg := e.cfg.Pool
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1

	p, err := pool.New(desc, desc.Host, desc.Port, cfg)
	if err != nil {
		return nil, err
	}
	defer p.Destroy()

	var res *pool.Result
	if timeout > 0 {
		res, err = p.QueryWithTimeout(ctx, sql, params, timeout)
	} else {
		res, err = p.Query(ctx, sql, params)
	}
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(res.Rows) > limit {
		res.Rows = res.Rows[:limit]
	}
	return res, nil
}

// resolveTimeout picks the effective timeout: explicit option first (zero or
// negative disables the timeout entirely), then the descriptor override,
// then the global default.
func (e *Executor) resolveTimeout(desc *connection.Descriptor, opts Options) time.Duration {
	if opts.Timeout != nil {
		if *opts.Timeout <= 0 {
			return 0
		}
		return time.Duration(*opts.Timeout) * time.Millisecond
	}
	if desc.QueryTimeoutMs > 0 {
		return time.Duration(desc.QueryTimeoutMs) * time.Millisecond
	}
	return e.cfg.DefaultTimeout
}

// resolveLimit applies the global MaxRows as the final clamp over whatever
// the caller requested.
func (e *Executor) resolveLimit(opts Options) int {
	if opts.Limit > 0 && opts.Limit < e.cfg.MaxRows {
		return opts.Limit
	}
	return e.cfg.MaxRows
}

// errorResponse classifies failures: timeout-pattern errors get a friendly
// engine-agnostic message naming the configured timeout, everything else
// passes through verbatim.
func (e *Executor) errorResponse(err error, timeout time.Duration, elapsed int64) Response {
	resp := Response{ExecutionTime: elapsed}

	var te *pool.TimeoutError
	if errors.As(err, &te) {
		resp.Error = timeoutMessage(te.Timeout)
		resp.MayStillBeRunning = te.MayStillBeRunning
		return resp
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "canceling statement due to statement timeout") {
		resp.Error = timeoutMessage(timeout)
		return resp
	}

	resp.Error = err.Error()
	return resp
}

func timeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("Query timed out after %dms", timeout.Milliseconds())
}
