package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyphamind/hyphamind/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and MCP boundaries, the index worker, and the sleep scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// runServe wires a full app and runs every long-lived collaborator until a
// termination signal arrives, then shuts each down in turn. The HTTP and
// MCP boundaries run as two simultaneous collaborators over the same
// engines, so serve starts both.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.GetLogger("hyphamind")

	a, err := buildApp(cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if cfg.IndexWorker.Enabled {
		a.worker.Start()
		defer a.worker.Stop()
	}
	if cfg.Sleep.Enabled {
		a.scheduler.Start(ctx)
		defer a.scheduler.Stop()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if cfg.RestAPI.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.apiServer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.mcpServer.Run(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("mcp server: %w", err)
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
