// Command hyphamind runs the hierarchical memory store: a gin HTTP
// boundary, an MCP stdio boundary, a background index worker, and a
// sleep-time consolidation scheduler, all wired onto a single
// SQLite-backed store.
//
// The cobra root command carries persistent flags (serve handles SIGINT
// and SIGTERM for shutdown), with a full set of subcommands (serve, migrate,
// doctor, decay, cleanup, job) since hyphamind runs both boundaries at once
// rather than choosing one per invocation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyphamind/hyphamind/internal/logging"
	"github.com/hyphamind/hyphamind/pkg/config"
)

var (
	version = "0.1.0"

	configPath string
	logLevel   string
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:     "hyphamind",
	Short:   "Hierarchical memory store with write-admission control and tiered retrieval",
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log_level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "log in json format instead of console")

	rootCmd.AddCommand(serveCmd, migrateCmd, doctorCmd, decayCmd, cleanupCmd, jobCmd)
}

// loadConfig loads the config with the --log_level flag applied over
// whatever the file/environment set, then initializes the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	format := "console"
	if quiet {
		format = "json"
	} else if cfg.Logging.Format != "" {
		format = cfg.Logging.Format
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: format, Output: "stderr"})
	return cfg, nil
}
