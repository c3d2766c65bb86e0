package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyphamind/hyphamind/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.EnsureConfigDir(); err != nil {
			return err
		}
		// store.Open runs every pending migration before returning.
		s, err := store.Open(store.Options{
			Path:        cfg.Database.URL,
			LockFile:    cfg.Database.MigrationLockFile,
			LockTimeout: cfg.Database.MigrationLockTimeout,
		})
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		defer s.Close()

		stats, err := s.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("migrations applied: schema_version=%s memories=%d paths=%d\n", stats.SchemaVersion, stats.MemoryCount, stats.PathCount)
		return nil
	},
}
