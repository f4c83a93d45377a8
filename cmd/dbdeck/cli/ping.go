package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dbdeck/dbdeck/internal/config"
	"github.com/dbdeck/dbdeck/internal/executor"
	"github.com/dbdeck/dbdeck/internal/pool"
	"github.com/dbdeck/dbdeck/internal/tunnel"
)

func newPingCmd() *cobra.Command {
	var connectionsPath string

	cmd := &cobra.Command{
		Use:   "ping <connection-id>",
		Short: "Probe a configured connection",
		Long: `Probe a connection from the connections file with a trivial query, using
the direct (non-pooled) execution path. Useful for verifying credentials
before the connection is put into service.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(connectionsPath, args[0])
		},
	}

	cmd.Flags().StringVar(&connectionsPath, "connections", "connections.yaml", "YAML file declaring database connections")

	return cmd
}

func runPing(connectionsPath, id string) error {
	connections, err := config.LoadConnections(connectionsPath)
	if err != nil {
		return err
	}

	desc, ok := connections[id]
	if !ok {
		return fmt.Errorf("connection %q not found in %s", id, connectionsPath)
	}

	// Networked targets usually keep the password out of the file; prompt
	// for it when missing.
	if desc.Kind.Networked() && desc.Password == "" {
		fmt.Printf("Password for %s@%s: ", desc.User, desc.Host)
		pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		desc.Password = string(pwBytes)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	tunnels := tunnel.NewManager(logger)
	registry := pool.NewRegistry(pool.DefaultRegistryConfig(), tunnels, logger)
	exec := executor.New(registry, executor.DefaultConfig(), logger)

	usePool := false
	timeoutMs := 10000
	resp := exec.Execute(context.Background(), desc, "SELECT 1", nil, executor.Options{
		Timeout: &timeoutMs,
		UsePool: &usePool,
	})

	if resp.Error != "" {
		return fmt.Errorf("ping %q failed after %dms: %s", id, resp.ExecutionTime, resp.Error)
	}

	fmt.Printf("✓ %s (%s) reachable in %s\n", id, desc.Kind, time.Duration(resp.ExecutionTime)*time.Millisecond)
	return nil
}
