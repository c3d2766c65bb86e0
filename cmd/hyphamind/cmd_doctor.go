package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyphamind/hyphamind/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and store health",
	Run: func(cmd *cobra.Command, args []string) {
		runDoctor()
	},
}

func runDoctor() {
	fmt.Println("hyphamind system check")
	fmt.Println("======================")

	allOK := true

	fmt.Print("Configuration... ")
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		allOK = false
	} else {
		fmt.Println("OK")
	}
	if cfg == nil {
		fmt.Println("cannot continue without a valid configuration")
		return
	}

	fmt.Print("Store... ")
	s, err := store.Open(store.Options{
		Path: cfg.Database.URL, LockFile: cfg.Database.MigrationLockFile, LockTimeout: cfg.Database.MigrationLockTimeout,
	})
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		allOK = false
	} else {
		stats, err := s.Stats()
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			allOK = false
		} else {
			fmt.Printf("OK (schema_version=%s memories=%d paths=%d gists=%d)\n", stats.SchemaVersion, stats.MemoryCount, stats.PathCount, stats.GistCount)
		}
		s.Close()
	}

	fmt.Println()
	fmt.Println("Feature availability:")
	if cfg.Embedding.Backend == "none" {
		fmt.Println("  semantic search: DISABLED (embedding.backend = none)")
	} else {
		fmt.Printf("  semantic search: enabled (backend=%s)\n", cfg.Embedding.Backend)
	}
	if cfg.GuardLLM.Enabled {
		fmt.Println("  write-guard LLM arbitration: enabled")
	} else {
		fmt.Println("  write-guard LLM arbitration: disabled (deterministic rule only)")
	}
	if cfg.Reranker.Enabled {
		fmt.Println("  reranker: enabled")
	} else {
		fmt.Println("  reranker: disabled")
	}
	if cfg.Sleep.Enabled {
		fmt.Printf("  sleep consolidation: enabled (every %s)\n", cfg.Sleep.IntervalSeconds)
	} else {
		fmt.Println("  sleep consolidation: disabled")
	}

	fmt.Println()
	if allOK {
		fmt.Println("all systems operational")
	} else {
		fmt.Println("issues detected, see above")
	}
}
