package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontology-engine/pkg/audit"
	"github.com/ekaya-inc/ontology-engine/pkg/handlers"
	"github.com/ekaya-inc/ontology-engine/pkg/mcp"
	"github.com/ekaya-inc/ontology-engine/pkg/mcp/tools"
	"github.com/ekaya-inc/ontology-engine/pkg/middleware"
	"github.com/ekaya-inc/ontology-engine/pkg/services"
)

const shutdownTimeout = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	CycleOnStart bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and scheduled discovery cycles",
		Long: `Run the HTTP API, the MCP endpoint and /metrics.

When schedule.cron is set, full discovery cycles run on that schedule.
A scheduled run that overlaps a running cycle is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.CycleOnStart, "cycle-on-start", false, "run one discovery cycle right after startup")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, logger := opts.Config, opts.Logger

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("Failed to close storage", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           newRouter(app),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// cycles requested with ?wait=true and MCP run_discovery_cycle can take minutes
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	var scheduler *cron.Cron
	if cfg.Schedule.Cron != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(cfg.Schedule.Cron, func() { runScheduledCycle(ctx, app.Orchestrator, logger) }); err != nil {
			return err
		}
		scheduler.Start()
		logger.Info("Scheduled discovery cycles", zap.String("cron", cfg.Schedule.Cron))
	}
	if opts.CycleOnStart {
		go runScheduledCycle(ctx, app.Orchestrator, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ontology-engine",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version),
			zap.Bool("mcp", cfg.MCP.Enabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("Scheduled cycle still running at shutdown")
		}
	}
	return srv.Shutdown(shutdownCtx)
}

func newRouter(app *App) http.Handler {
	cfg := app.Config
	mux := http.NewServeMux()

	handlers.NewHealthHandler(cfg, app.HealthChecks, app.Logger).RegisterRoutes(mux)
	handlers.NewOntologyHandler(app.Orchestrator, cfg.Ontology, app.Logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.MCP.Enabled {
		server := mcp.NewServer(cfg.Version, &tools.OntologyToolDeps{
			Orchestrator: app.Orchestrator,
			DataGraph:    app.DataGraph,
			Thresholds:   cfg.Ontology,
			Logger:       app.Logger,
		}, app.Logger)
		mux.Handle("/mcp", server.Handler())
	}

	return middleware.RequestLogger(app.Logger)(mux)
}

func runScheduledCycle(ctx context.Context, orch services.OntologyOrchestrator, logger *zap.Logger) {
	logger.Info("Running scheduled discovery cycle")
	ctx = audit.WithOrigin(ctx, audit.Origin{Source: "schedule"})
	status, err := orch.ProcessAndEvaluateAll(ctx)
	switch {
	case errors.Is(err, apperrors.ErrConflict):
		logger.Info("Skipped scheduled discovery cycle: a cycle is already running")
	case err != nil:
		logger.Error("Scheduled discovery cycle failed", zap.Error(err))
	default:
		logger.Info("Scheduled discovery cycle completed",
			zap.String("version", status.Version),
			zap.Int("candidates", status.Candidates),
			zap.Int("accepted", status.Accepted))
	}
}
