// Package cmd implements the pipewright command line interface.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/logger"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "pipewright",
		Short: "Dependency graphs, policy gates and remediation workflows for CI pipelines",
		Long: `pipewright scans a source tree into a dependency graph and turns change
sets into build plans; evaluates declarative policies against deployment
targets; and drives remediation workflows through approval gates,
snapshots and rollbacks.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .pipewright.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console)")

	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.SetEnvPrefix("PIPEWRIGHT")
	viper.AutomaticEnv()
}

// loadConfig loads the configuration file, applies flag overrides and
// initializes the global logger from the result. Callers own the returned
// manager and must Stop it.
func loadConfig() (*config.Manager, error) {
	path := cfgFile
	if path == "" {
		path = ".pipewright.yaml"
	}

	manager, err := config.NewManager(path)
	if err != nil {
		return nil, err
	}

	cfg := manager.Get()
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := viper.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	logger.Initialize(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.File,
	})
	return manager, nil
}
