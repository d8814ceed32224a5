package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kevinpez/mikrotik-ops/internal/audit"
	"github.com/kevinpez/mikrotik-ops/internal/config"
	"github.com/kevinpez/mikrotik-ops/internal/engine"
	"github.com/kevinpez/mikrotik-ops/internal/fallback"
	"github.com/kevinpez/mikrotik-ops/internal/pool"
	"github.com/kevinpez/mikrotik-ops/internal/risk"
	"github.com/kevinpez/mikrotik-ops/internal/safety"
	"github.com/kevinpez/mikrotik-ops/internal/server"
	"github.com/kevinpez/mikrotik-ops/internal/transport"
)

var (
	configPath string
	targetName string
	autoYes    bool
)

func main() {
	root := &cobra.Command{
		Use:           "rosbridge",
		Short:         "Safe command execution against MikroTik RouterOS devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	runCmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Execute a command with risk gating and transport fallback",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVarP(&targetName, "target", "t", "", "target profile name")
	runCmd.Flags().BoolVarP(&autoYes, "yes", "y", false, "approve gated commands without prompting")

	classifyCmd := &cobra.Command{
		Use:   "classify <command>",
		Short: "Show the risk assessment for a command without executing it",
		Args:  cobra.ExactArgs(1),
		RunE:  runClassify,
	}

	previewCmd := &cobra.Command{
		Use:   "preview <command>",
		Short: "Render the approval preview for a command without executing it",
		Args:  cobra.ExactArgs(1),
		RunE:  runPreview,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the execution API over HTTP",
		RunE:  runServe,
	}

	root.AddCommand(runCmd, classifyCmd, previewCmd, serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// stack bundles everything a subcommand needs, with teardown.
type stack struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *engine.Engine
	close  func()
}

func buildStack() (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := initLogger(cfg.Logging)

	registry := pool.NewRegistry(transport.DefaultDialer, logger, pool.Config{
		IdleTimeout: cfg.Pool.GetIdleTimeout(),
		DialRetries: uint64(cfg.Pool.DialRetries),
		DialBackoff: cfg.Pool.GetDialBackoff(),
	})
	controller := fallback.NewController(registry, logger, fallback.Config{
		Cooldown: cfg.Fallback.GetCooldown(),
	})

	var classifierOpts []risk.Option
	if len(cfg.Safety.SensitiveKeywords) > 0 {
		classifierOpts = append(classifierOpts, risk.WithSensitiveKeywords(cfg.Safety.SensitiveKeywords))
	}
	classifier := risk.NewClassifier(classifierOpts...)

	leases := safety.NewLeaseManager(logger)
	verifier := safety.NewVerifier(controller, logger)
	orch := safety.NewOrchestrator(controller, leases, verifier, logger, safety.Config{
		LeaseTTL:         cfg.Safety.GetLeaseTTL(),
		CriticalLeaseTTL: cfg.Safety.GetCriticalLeaseTTL(),
	})

	var recorder engine.Recorder
	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditStore, err = audit.Open(cfg.Audit.DSN, logger)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("audit store: %w", err)
		}
		recorder = auditStore
	}

	eng := engine.New(classifier, orch, leases, recorder, logger, engine.Config{
		DryRun:        cfg.Engine.DryRun,
		PendingTTL:    cfg.Engine.GetPendingTTL(),
		SweepInterval: cfg.Engine.GetSweepInterval(),
	})

	return &stack{
		cfg:    cfg,
		logger: logger,
		engine: eng,
		close: func() {
			eng.Close()
			registry.Close()
			if auditStore != nil {
				auditStore.Close()
			}
		},
	}, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	st, err := buildStack()
	if err != nil {
		return err
	}
	defer st.close()

	target, ok := st.cfg.Target(targetName)
	if !ok {
		if targetName == "" && len(st.cfg.Targets) == 1 {
			target = &st.cfg.Targets[0]
		} else {
			return fmt.Errorf("unknown target profile %q", targetName)
		}
	}

	ctx := cmd.Context()
	outcome, err := st.engine.Run(ctx, target, args[0])
	if err != nil {
		return err
	}

	if outcome.Status == engine.StatusPendingApproval {
		fmt.Print(outcome.Preview)
		if !autoYes {
			fmt.Printf("run id: %s\nrerun with --yes to approve and execute\n", outcome.RunID)
			return nil
		}
		outcome, err = st.engine.Approve(ctx, outcome.RunID)
		if err != nil {
			return err
		}
	}

	printOutcome(outcome)
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	st, err := buildStack()
	if err != nil {
		return err
	}
	defer st.close()

	a := st.engine.Classify(args[0])
	fmt.Printf("tier: %s\nimpact: %s\nrequires_confirmation: %v\n", a.Tier, a.Impact, a.RequiresConfirmation)
	for _, w := range a.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	st, err := buildStack()
	if err != nil {
		return err
	}
	defer st.close()

	preview, err := st.engine.Preview(args[0])
	if err != nil {
		return err
	}
	fmt.Print(preview)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	st, err := buildStack()
	if err != nil {
		return err
	}
	defer st.close()

	srv := server.New(st.engine, st.cfg, st.logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		st.logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printOutcome(outcome *engine.RunOutcome) {
	if r := outcome.Result; r != nil {
		if r.Transport != "" {
			fmt.Printf("transport: %s\n", r.Transport)
		}
		if !r.OK {
			fmt.Printf("device error: %s\n", r.DeviceError)
		}
		if r.Raw != "" {
			fmt.Println(r.Raw)
		}
	}
	for _, w := range outcome.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if outcome.RollbackAt != "" {
		fmt.Printf("rollback point: %s\n", outcome.RollbackAt)
	}
}

// initLogger builds the process-wide slog logger from config.
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
