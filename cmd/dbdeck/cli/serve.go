package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dbdeck/dbdeck/internal/config"
	"github.com/dbdeck/dbdeck/internal/connection"
	"github.com/dbdeck/dbdeck/internal/executor"
	"github.com/dbdeck/dbdeck/internal/pool"
	"github.com/dbdeck/dbdeck/internal/server"
	"github.com/dbdeck/dbdeck/internal/tunnel"
)

func newServeCmd() *cobra.Command {
	var (
		port            int
		host            string
		connectionsPath string
		dev             bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dbdeck API server",
		Long:  "Start the HTTP server that exposes query execution, pool statistics, and pool lifecycle endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(connectionsPath, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().StringVar(&connectionsPath, "connections", "connections.yaml", "YAML file declaring database connections")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(connectionsPath string, dev bool) error {
	logLevel := slog.LevelInfo
	if dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	settings := config.Load()

	// Connections file is optional: inline descriptors in query requests
	// work without one.
	connections := make(map[string]*connection.Descriptor)
	if _, err := os.Stat(connectionsPath); err == nil {
		loaded, err := config.LoadConnections(connectionsPath)
		if err != nil {
			return fmt.Errorf("load connections: %w", err)
		}
		connections = loaded
		logger.Info("connections loaded", "path", connectionsPath, "count", len(connections))
	}

	tunnels := tunnel.NewManager(logger)
	registry := pool.NewRegistry(pool.RegistryConfig{
		MaxPools: settings.MaxPools,
		Pool:     poolConfig(settings),
	}, tunnels, logger)

	exec := executor.New(registry, executor.Config{
		MaxRows:        settings.MaxRows,
		DefaultTimeout: time.Duration(settings.DefaultTimeoutMs) * time.Millisecond,
		Pool:           poolConfig(settings),
	}, logger)

	// Idle-pool sweep. The registry only exposes the cleanup operation; the
	// cadence lives here.
	if settings.CleanupInterval > 0 && settings.PoolMaxIdleAge > 0 {
		go func() {
			ticker := time.NewTicker(settings.CleanupInterval)
			defer ticker.Stop()
			for range ticker.C {
				if n := registry.CleanupIdlePools(settings.PoolMaxIdleAge); n > 0 {
					logger.Info("idle pools cleaned up", "count", n)
				}
			}
		}()
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Host = settings.Host
	srvCfg.Port = settings.Port
	srvCfg.RateLimitPerMinute = settings.RateLimitPerMinute

	srv := server.New(srvCfg, registry, exec, connections, logger)

	fmt.Printf("→ dbdeck\n")
	fmt.Printf("→ Listening on http://%s:%d\n", settings.Host, settings.Port)
	fmt.Printf("→ Health:  http://%s:%d/healthz\n", settings.Host, settings.Port)
	fmt.Printf("→ Pools:   http://%s:%d/api/v1/pools\n", settings.Host, settings.Port)
	fmt.Printf("→ Configured connections: %d\n", len(connections))
	fmt.Println()

	return srv.ListenAndServe()
}

func poolConfig(s config.Settings) pool.Config {
	return pool.Config{
		MaxOpenConns:   s.PoolMaxOpen,
		MaxIdleConns:   s.PoolMaxIdle,
		IdleTimeout:    s.PoolIdleTimeout,
		AcquireTimeout: s.PoolAcquireTimeout,
		BusyTimeout:    time.Duration(s.SQLiteBusyTimeoutMs) * time.Millisecond,
	}
}
