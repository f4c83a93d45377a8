package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbdeck/dbdeck/internal/connection"
)

// TunnelProvider is the slice of the tunnel manager the registry needs to
// pair pools with SSH tunnels. *tunnel.Manager implements it.
type TunnelProvider interface {
	CreateTunnel(id string, cfg *connection.SSHConfig, targetHost string, targetPort int) (int, error)
	DestroyTunnel(id string)
	DestroyAll()
}

// DefaultMaxPools bounds how many live pools the registry tracks at once.
const DefaultMaxPools = 50

// RegistryConfig controls the registry's capacity and the sizing applied to
// every pool it constructs.
type RegistryConfig struct {
	MaxPools int
	Pool     Config
}

// DefaultRegistryConfig returns the documented defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxPools: DefaultMaxPools,
		Pool:     DefaultConfig(),
	}
}

// poolFactory constructs an engine pool. Swapped out in tests.
type poolFactory func(desc *connection.Descriptor, host string, port int, cfg Config) (Pool, error)

// entry is one tracked pool slot. A slot is inserted as a placeholder before
// construction begins; ready is closed once pool or err is set, so concurrent
// first-callers for the same id wait on the winner instead of racing to build
// a second pool.
type entry struct {
	ready      chan struct{}
	pool       Pool
	err        error
	kind       connection.Kind
	lastAccess time.Time
	tunneled   bool
}

// Registry is the process-wide pool manager: a bounded, keyed collection of
// engine pools with LRU eviction, lazy construction, and tunnel pairing.
// Construct one at process start and thread it through; there is no package
// level singleton.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	tunnels TunnelProvider
	cfg     RegistryConfig
	logger  *slog.Logger
	newPool poolFactory
}

// NewRegistry creates a registry backed by the given tunnel provider.
func NewRegistry(cfg RegistryConfig, tunnels TunnelProvider, logger *slog.Logger) *Registry {
	if cfg.MaxPools <= 0 {
		cfg.MaxPools = DefaultMaxPools
	}
	return &Registry{
		entries: make(map[string]*entry),
		tunnels: tunnels,
		cfg:     cfg,
		logger:  logger,
		newPool: New,
	}
}

// GetPool returns the pool for the descriptor, constructing it on first use.
// The access timestamp is refreshed unconditionally, including on the fast
// path, so recency reflects real use. When the registry is at capacity the
// single least-recently-accessed entry is fully torn down (pool and paired
// tunnel) before the new pool is inserted.
func (r *Registry) GetPool(ctx context.Context, desc *connection.Descriptor) (Pool, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	now := time.Now()

	if e, ok := r.entries[desc.ID]; ok {
		e.lastAccess = now
		r.mu.Unlock()
		return e.wait(ctx)
	}

	// Evict until under capacity. The lock is dropped for each teardown, so
	// re-check on every iteration.
	for len(r.entries) >= r.cfg.MaxPools {
		victimID, victim := r.oldestLocked()
		if victim == nil {
			break
		}
		delete(r.entries, victimID)
		r.mu.Unlock()
		r.destroyEntry(victimID, victim)
		r.logger.Info("pool evicted", "connection", victimID, "reason", "capacity")
		r.mu.Lock()
		if e, ok := r.entries[desc.ID]; ok {
			// A concurrent caller claimed the slot while we were evicting.
			e.lastAccess = time.Now()
			r.mu.Unlock()
			return e.wait(ctx)
		}
	}

	// Claim the slot with a placeholder, then construct outside the lock.
	e := &entry{
		ready:      make(chan struct{}),
		kind:       desc.Kind,
		lastAccess: now,
		tunneled:   desc.TunnelEnabled(),
	}
	r.entries[desc.ID] = e
	r.mu.Unlock()

	pool, err := r.construct(desc)
	if err != nil {
		e.err = err
		close(e.ready)
		r.mu.Lock()
		if cur, ok := r.entries[desc.ID]; ok && cur == e {
			delete(r.entries, desc.ID)
		}
		r.mu.Unlock()
		return nil, err
	}

	e.pool = pool
	close(e.ready)
	r.logger.Info("pool created", "connection", desc.ID, "kind", desc.Kind, "tunneled", e.tunneled)
	return pool, nil
}

// construct provisions the tunnel (when requested) and builds the pool
// against the effective endpoint.
func (r *Registry) construct(desc *connection.Descriptor) (Pool, error) {
	host, port := desc.Host, desc.Port

	if desc.TunnelEnabled() {
		localPort, err := r.tunnels.CreateTunnel(desc.ID, desc.SSH, desc.Host, desc.Port)
		if err != nil {
			return nil, fmt.Errorf("tunnel for %q: %w", desc.ID, err)
		}
		host, port = "127.0.0.1", localPort
	}

	pool, err := r.newPool(desc, host, port, r.cfg.Pool)
	if err != nil {
		// The pool never came up; don't leave its tunnel behind.
		if desc.TunnelEnabled() {
			r.tunnels.DestroyTunnel(desc.ID)
		}
		return nil, err
	}
	return pool, nil
}

// wait blocks until the entry's construction settles.
func (e *entry) wait(ctx context.Context) (Pool, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.pool, nil
}

// oldestLocked picks the eviction victim: the entry with the oldest
// last-access timestamp. Ties are broken by the lexicographically smallest
// connection id, which keeps eviction deterministic regardless of map
// iteration order. Caller holds r.mu.
func (r *Registry) oldestLocked() (string, *entry) {
	var victimID string
	var victim *entry
	for id, e := range r.entries {
		if victim == nil ||
			e.lastAccess.Before(victim.lastAccess) ||
			(e.lastAccess.Equal(victim.lastAccess) && id < victimID) {
			victimID, victim = id, e
		}
	}
	return victimID, victim
}

// destroyEntry tears down a pool and its paired tunnel. Teardown failures
// are logged, never propagated: eviction and deletion must not fail because
// cleanup was imperfect.
func (r *Registry) destroyEntry(id string, e *entry) {
	<-e.ready
	if e.pool != nil {
		if err := e.pool.Destroy(); err != nil {
			r.logger.Warn("pool destroy failed", "connection", id, "error", err)
		}
	}
	if e.tunneled {
		r.tunnels.DestroyTunnel(id)
	}
}

// ExecuteQuery resolves the descriptor's pool and runs one statement against
// it. A positive timeout routes through QueryWithTimeout; zero or negative
// goes straight to Query. A positive limit truncates the returned rows
// client-side as a safety net — RowCount keeps the pre-clamp count the
// engine actually returned.
func (r *Registry) ExecuteQuery(ctx context.Context, desc *connection.Descriptor, sql string, params []any, timeout time.Duration, limit int) (*Result, error) {
	pool, err := r.GetPool(ctx, desc)
	if err != nil {
		return nil, err
	}

	var res *Result
	if timeout > 0 {
		res, err = pool.QueryWithTimeout(ctx, sql, params, timeout)
	} else {
		res, err = pool.Query(ctx, sql, params)
	}
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(res.Rows) > limit {
		res.Rows = res.Rows[:limit]
	}
	return res, nil
}

// DestroyPool removes and destroys the pool for id plus its paired tunnel.
// Idempotent: destroying an untracked id is a no-op.
func (r *Registry) DestroyPool(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		// Still sweep any orphaned tunnel for this id.
		r.tunnels.DestroyTunnel(id)
		return
	}
	r.destroyEntry(id, e)
	r.logger.Info("pool destroyed", "connection", id)
}

// HealthCheck reports false when no pool is tracked for id, otherwise
// delegates to the pool's probe.
func (r *Registry) HealthCheck(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	pool, err := e.wait(ctx)
	if err != nil {
		return false
	}
	return pool.HealthCheck(ctx)
}

// CleanupIdlePools destroys every pool idle longer than maxIdle and returns
// the number destroyed. The registry does not schedule this itself; callers
// run it on whatever cadence they want.
func (r *Registry) CleanupIdlePools(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var stale []string
	for id, e := range r.entries {
		if e.lastAccess.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.DestroyPool(id)
	}
	return len(stale)
}

// DestroyAll tears down every tracked pool concurrently, then sweeps the
// tunnel manager. Used at graceful shutdown.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.DestroyPool(id)
		}(id)
	}
	wg.Wait()

	r.tunnels.DestroyAll()
}

// PoolStat is one pool's line in the statistics report.
type PoolStat struct {
	ConnectionID string          `json:"connectionId"`
	Type         connection.Kind `json:"type"`
	Active       int             `json:"active"`
	Idle         int             `json:"idle"`
	Waiting      int             `json:"waiting"`
	LastAccess   time.Time       `json:"lastAccess"`
}

// StatsSummary aggregates across all tracked pools.
type StatsSummary struct {
	TotalPools             int `json:"totalPools"`
	MaxPools               int `json:"maxPools"`
	TotalActiveConnections int `json:"totalActiveConnections"`
	TotalIdleConnections   int `json:"totalIdleConnections"`
}

// StatsReport is the monitoring surface consumed by the admin page.
type StatsReport struct {
	Pools   []PoolStat   `json:"pools"`
	Summary StatsSummary `json:"summary"`
}

// GetPoolStats snapshots per-pool usage and an aggregate summary. Pools
// still under construction are skipped.
func (r *Registry) GetPoolStats() StatsReport {
	r.mu.Lock()
	type snap struct {
		id         string
		pool       Pool
		kind       connection.Kind
		lastAccess time.Time
	}
	snaps := make([]snap, 0, len(r.entries))
	for id, e := range r.entries {
		select {
		case <-e.ready:
			if e.pool != nil {
				snaps = append(snaps, snap{id, e.pool, e.kind, e.lastAccess})
			}
		default:
		}
	}
	r.mu.Unlock()

	report := StatsReport{
		Pools:   make([]PoolStat, 0, len(snaps)),
		Summary: StatsSummary{MaxPools: r.cfg.MaxPools},
	}
	for _, s := range snaps {
		st := s.pool.Stats()
		report.Pools = append(report.Pools, PoolStat{
			ConnectionID: s.id,
			Type:         s.kind,
			Active:       st.Active,
			Idle:         st.Idle,
			Waiting:      st.Waiting,
			LastAccess:   s.lastAccess,
		})
		report.Summary.TotalActiveConnections += st.Active
		report.Summary.TotalIdleConnections += st.Idle
	}
	report.Summary.TotalPools = len(report.Pools)
	return report
}

// Len returns the number of tracked pool slots, placeholders included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
