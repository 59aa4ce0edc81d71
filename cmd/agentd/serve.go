package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/agentd-project/agentd/internal/contextbudget"
	"github.com/agentd-project/agentd/internal/cost"
	"github.com/agentd-project/agentd/internal/eventstore"
	"github.com/agentd-project/agentd/internal/filetrack"
	"github.com/agentd-project/agentd/internal/injection"
	"github.com/agentd-project/agentd/internal/ledger"
	"github.com/agentd-project/agentd/internal/metrics"
	"github.com/agentd-project/agentd/internal/orchestrator"
	"github.com/agentd-project/agentd/internal/parallel"
	"github.com/agentd-project/agentd/internal/replay"
	"github.com/agentd-project/agentd/internal/scheduler"
	"github.com/agentd-project/agentd/internal/skills"
	"github.com/agentd-project/agentd/internal/turnwal"
	"github.com/agentd-project/agentd/internal/verify"
	"github.com/agentd-project/agentd/internal/workspace"
)

var metricsAddr string

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	return cmd
}

// daemon bundles every wired component, the same "build everything, wire it
// together, then start" shape as the teacher's runGateway.
type daemon struct {
	layout   *workspace.Layout
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
	engine   *replay.Engine
	plan     *injection.Planner
	ledg     *ledger.Ledger
	registry *prometheus.Registry
}

// demoSeeder fulfils scheduler.SessionSeeder without a real LLM client, per
// SPEC_FULL's "minimal in-process harness" note: a live deployment swaps this for
// the out-of-scope LLM client collaborator.
type demoSeeder struct {
	engine *replay.Engine
}

func (s *demoSeeder) Seed(ctx context.Context, intent scheduler.Intent, req scheduler.RunRequest) (*scheduler.RunResult, error) {
	state, err := s.engine.Replay(req.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("demo seeder: replay %s: %w", req.SessionKey, err)
	}
	return &scheduler.RunResult{Content: fmt.Sprintf("woke session %s at task phase %s", req.SessionKey, state.Task.Status.Phase)}, nil
}

func buildDaemon(layout *workspace.Layout, cfg *agentdConfigView) (*daemon, error) {
	store := eventstore.New(layout, cfg.EventsEnabled)
	ledg := ledger.New(layout)
	engine := replay.NewEngine(store, cfg.TapeThresholds)
	tracker := filetrack.New(layout, filetrack.NewDefaultClassifier())

	budget, err := contextbudget.New(cfg.Model, cfg.BudgetThresholds)
	if err != nil {
		return nil, fmt.Errorf("contextbudget: %w", err)
	}
	gate := contextbudget.NewGate(budget)
	plan := injection.New(budget, cfg.MaxInjectionTokens)

	registry := skills.NewRegistry()
	costTracker := cost.New(cfg.SessionCapUSD, cfg.SkillCapUSD, cfg.AlertThresholdPercent)
	parallelMgr := parallel.New(cfg.ParallelMaxConcurrent, nil)
	access := skills.NewAccessGate(registry, costTracker, parallelMgr, cfg.CommandDenyList,
		skills.AccessMode(cfg.AllowedToolsMode), skills.AccessMode(cfg.SkillMaxTokensMode), skills.AccessMode(cfg.SkillMaxToolCallsMode))

	verifyGate := verify.New(cfg.VerificationChecks, cfg.VerificationCommands, cfg.VerificationTimeout)
	wal := turnwal.New(layout)

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	orch := orchestrator.New(store, budget, gate, access, tracker, ledg, verifyGate, nil, metricsReg, cfg.CheckpointEveryTurns)

	sched := scheduler.New(layout, store, wal, &demoSeeder{engine: engine}, scheduler.Config{
		MinIntervalMs:              cfg.Schedule.MinIntervalMs,
		LeaseDurationMs:            cfg.Schedule.LeaseDurationMs,
		MaxActiveIntentsPerSession: cfg.Schedule.MaxActiveIntentsPerSession,
		MaxActiveIntentsGlobal:     cfg.Schedule.MaxActiveIntentsGlobal,
		MaxConsecutiveErrors:       cfg.Schedule.MaxConsecutiveErrors,
		MaxRecoveryCatchUps:        cfg.Schedule.MaxRecoveryCatchUps,
		BackoffBaseMs:              cfg.Schedule.BackoffBaseMs,
		BackoffCapMs:               cfg.Schedule.BackoffCapMs,
	})

	return &daemon{layout: layout, orch: orch, sched: sched, engine: engine, plan: plan, ledg: ledg, registry: reg}, nil
}

func runServe() {
	setupLogging()

	layout, cfg, err := bootstrap()
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}()

	view := newConfigView(cfg)
	d, err := buildDaemon(layout, view)
	if err != nil {
		slog.Error("failed to build daemon", "error", err)
		os.Exit(1)
	}

	if cfg.Schedule.Enabled {
		report, err := d.sched.Recover(context.Background())
		if err != nil {
			slog.Error("scheduler recovery failed", "error", err)
			os.Exit(1)
		}
		slog.Info("scheduler recovered", "loaded", report.Loaded, "caughtUp", report.CaughtUp, "deferred", report.Deferred, "leasesCleared", report.LeasesCleared)
	}

	if err := layout.WritePID(workspace.PIDRecord{
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		Cwd:       layout.Root,
	}); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}
	defer layout.RemovePID()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("agentd serving", "workspace", layout.Root, "metrics", metricsAddr)

	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown", "error", err)
	}
}
