package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/api"
	"github.com/pipewright/pipewright/internal/approval"
	"github.com/pipewright/pipewright/internal/assembler"
	"github.com/pipewright/pipewright/internal/metrics"
	"github.com/pipewright/pipewright/internal/policy"
	"github.com/pipewright/pipewright/internal/policy/store"
	"github.com/pipewright/pipewright/internal/remediation"
	"github.com/pipewright/pipewright/internal/rollback"
	"github.com/pipewright/pipewright/internal/storage"
	"github.com/pipewright/pipewright/internal/workflow"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipewright HTTP API",
	Long: `Serve runs the REST API that exposes dependency analysis, policy
evaluation and remediation workflows to CI jobs and dashboards.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (host:port, defaults to the configured server address)")
}

func runServe(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Stop()
	cfg := manager.Get()

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Address()
	}

	policies, err := store.Open(cfg.Policy.Dir, cfg.Policy.ArchiveDir)
	if err != nil {
		return fmt.Errorf("failed to open policy store: %w", err)
	}
	defer policies.Stop()
	if err := policies.Watch(); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	docs, err := storage.NewStore(cfg.Remediation.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open remediation storage: %w", err)
	}

	prom := metrics.New()
	engine := policy.NewEngine()
	approvals := approval.NewService(docs, engine, prom)
	rollbacks, err := rollback.NewService(docs, filepath.Join(cfg.Remediation.DataDir, "sandbox"))
	if err != nil {
		return fmt.Errorf("failed to open rollback sandbox: %w", err)
	}

	opts := workflow.Options{
		StepTimeout:         cfg.Remediation.StepTimeoutDuration(),
		DatabaseStepTimeout: cfg.Remediation.DatabaseStepTimeoutDuration(),
		MaxParallel:         cfg.MaxParallelJobs,
	}
	if cfg.Remediation.AutoApprove {
		opts.AutoApprove = approval.DefaultAutoApprovePolicy()
	}

	server := api.NewServer(addr, api.Services{
		Analyzer:  assembler.NewAnalyzer(prom),
		Policies:  policies,
		Engine:    engine,
		Planner:   remediation.NewPlanner(remediation.NewCatalog(), docs),
		Runtime:   workflow.NewRuntime(docs, approvals, rollbacks, prom, opts),
		Approvals: approvals,
		Metrics:   prom,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("API available at http://%s\n", addr)
	fmt.Println("Press Ctrl+C to stop the server")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-sigChan:
	}

	fmt.Println("\nShutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	fmt.Println("Server stopped")
	return nil
}
