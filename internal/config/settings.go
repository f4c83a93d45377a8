// Package config loads dbdeck's runtime settings (viper: flags, env vars
// with the DBDECK prefix, optional dbdeck.yaml) and the YAML connections
// file that declares database targets by id.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Settings are the environment-derived knobs consumed at process start.
type Settings struct {
	Host string
	Port int

	MaxPools         int
	MaxRows          int
	DefaultTimeoutMs int

	PoolMaxOpen         int
	PoolMaxIdle         int
	PoolIdleTimeout     time.Duration
	PoolAcquireTimeout  time.Duration
	SQLiteBusyTimeoutMs int

	// Idle pools older than PoolMaxIdleAge are destroyed by the periodic
	// cleanup sweep, which runs every CleanupInterval.
	PoolMaxIdleAge  time.Duration
	CleanupInterval time.Duration

	RateLimitPerMinute int
}

// SetDefaults registers every configuration key with its documented default.
// Called once from the CLI before flags and env vars are bound.
func SetDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	viper.SetDefault("pool.max_pools", 50)
	viper.SetDefault("pool.max_open", 10)
	viper.SetDefault("pool.max_idle", 2)
	viper.SetDefault("pool.idle_timeout", "30s")
	viper.SetDefault("pool.acquire_timeout", "10s")
	viper.SetDefault("pool.sqlite_busy_timeout_ms", 5000)
	viper.SetDefault("pool.max_idle_age", "10m")
	viper.SetDefault("pool.cleanup_interval", "1m")

	viper.SetDefault("query.max_rows", 10000)
	viper.SetDefault("query.default_timeout_ms", 30000)

	viper.SetDefault("server.rate_limit_per_minute", 600)
}

// Load reads the current viper state into a Settings value.
func Load() Settings {
	return Settings{
		Host: viper.GetString("server.host"),
		Port: viper.GetInt("server.port"),

		MaxPools:         viper.GetInt("pool.max_pools"),
		MaxRows:          viper.GetInt("query.max_rows"),
		DefaultTimeoutMs: viper.GetInt("query.default_timeout_ms"),

		PoolMaxOpen:         viper.GetInt("pool.max_open"),
		PoolMaxIdle:         viper.GetInt("pool.max_idle"),
		PoolIdleTimeout:     viper.GetDuration("pool.idle_timeout"),
		PoolAcquireTimeout:  viper.GetDuration("pool.acquire_timeout"),
		SQLiteBusyTimeoutMs: viper.GetInt("pool.sqlite_busy_timeout_ms"),

		PoolMaxIdleAge:  viper.GetDuration("pool.max_idle_age"),
		CleanupInterval: viper.GetDuration("pool.cleanup_interval"),

		RateLimitPerMinute: viper.GetInt("server.rate_limit_per_minute"),
	}
}
