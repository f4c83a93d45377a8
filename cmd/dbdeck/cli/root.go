// Package cli builds the dbdeck command tree.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dbdeck/dbdeck/internal/config"
)

var cfgFile string

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dbdeck",
		Short: "Connection pool manager for multi-database administration",
		Long: `dbdeck manages bounded, tunneled connection pools for MySQL, PostgreSQL,
and SQLite targets: one pool per configured connection, LRU eviction under
pressure, SSH tunnel provisioning, and uniform query timeout and row-limit
policies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./dbdeck.yaml)")

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPingCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

func initConfig() {
	config.SetDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("dbdeck")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.dbdeck")
	}

	viper.SetEnvPrefix("DBDECK")
	viper.AutomaticEnv()
	viper.ReadInConfig() // config file is optional
}
