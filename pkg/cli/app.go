package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontology-engine/pkg/config"
	"github.com/ekaya-inc/ontology-engine/pkg/database"
	"github.com/ekaya-inc/ontology-engine/pkg/graph"
	"github.com/ekaya-inc/ontology-engine/pkg/handlers"
	"github.com/ekaya-inc/ontology-engine/pkg/llm"
	"github.com/ekaya-inc/ontology-engine/pkg/repositories"
	"github.com/ekaya-inc/ontology-engine/pkg/retry"
	"github.com/ekaya-inc/ontology-engine/pkg/services"
)

// App is the wired engine: stores, version pointer, judge and orchestrator.
type App struct {
	Config        *config.Config
	Logger        *zap.Logger
	DataGraph     graph.GraphStore
	OntologyGraph graph.GraphStore
	Versions      repositories.HeuristicsVersionRepository
	Orchestrator  services.OntologyOrchestrator
	HealthChecks  map[string]handlers.HealthCheck

	closers []func() error
}

// NewApp opens the configured backends. The caller must Close the app.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Config:       cfg,
		Logger:       logger,
		HealthChecks: map[string]handlers.HealthCheck{},
	}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	judge, err := newJudge(cfg, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Orchestrator = services.NewOntologyOrchestrator(a.DataGraph, a.OntologyGraph, a.Versions, judge, cfg.Ontology, logger)
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config
	opts := graph.Options{MinSimilarity: cfg.Ontology.FuzzyMinSimilarity}

	var badgerDB *database.BadgerDB
	needBadger := cfg.Storage.GraphBackend == config.BackendBadger || cfg.Storage.VersionBackend == config.BackendBadger
	if needBadger {
		db, err := database.OpenBadger(&cfg.Badger, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		badgerDB = db
	}

	var pg *database.DB
	needPostgres := cfg.Storage.GraphBackend == config.BackendPostgres || cfg.Storage.VersionBackend == config.BackendPostgres
	if needPostgres {
		db, err := database.NewConnection(ctx, &cfg.Database, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		if err := db.Migrate(cfg.Storage.MigrationsPath, a.Logger); err != nil {
			return err
		}
		a.HealthChecks["postgres"] = func(ctx context.Context) error { return db.Ping(ctx) }
		pg = db
	}

	switch cfg.Storage.GraphBackend {
	case config.BackendBadger:
		a.DataGraph = graph.NewBadgerStore(badgerDB.DB, cfg.Storage.DataGraph, opts, a.Logger)
		a.OntologyGraph = graph.NewBadgerStore(badgerDB.DB, cfg.Storage.OntologyGraph, opts, a.Logger)
	case config.BackendPostgres:
		a.DataGraph = graph.NewPostgresStore(pg, cfg.Storage.DataGraph, opts, a.Logger)
		a.OntologyGraph = graph.NewPostgresStore(pg, cfg.Storage.OntologyGraph, opts, a.Logger)
	}
	a.HealthChecks["data_graph"] = func(ctx context.Context) error {
		_, err := a.DataGraph.GetAllEntityTypes(ctx)
		return err
	}

	switch cfg.Storage.VersionBackend {
	case config.BackendBadger:
		a.Versions = repositories.NewBadgerVersionRepository(badgerDB.DB)
	case config.BackendPostgres:
		a.Versions = repositories.NewPostgresVersionRepository(pg)
	case config.BackendRedis:
		client, err := database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		a.HealthChecks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		a.Versions = repositories.NewRedisVersionRepository(client, cfg.Redis.KeyPrefix)
	}

	a.Logger.Info("Storage ready",
		zap.String("graph_backend", cfg.Storage.GraphBackend),
		zap.String("version_backend", cfg.Storage.VersionBackend),
		zap.String("data_graph", cfg.Storage.DataGraph),
		zap.String("ontology_graph", cfg.Storage.OntologyGraph))
	return nil
}

// Close releases every backend in reverse opening order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newJudge(cfg *config.Config, logger *zap.Logger) (services.Judge, error) {
	if !cfg.LLM.IsConfigured() {
		logger.Warn("No LLM model configured; relation candidates will not be evaluated")
		return unconfiguredJudge{}, nil
	}

	client, err := llm.NewClientFromConfig(&llm.Config{
		Provider:  cfg.LLM.Provider,
		Endpoint:  cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		APIKey:    cfg.LLM.APIKey,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		JSONMode:  cfg.LLM.JSONMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	breaker := llm.NewCircuitBreaker(llm.CircuitBreakerConfig{
		Threshold:  cfg.LLM.BreakerThreshold,
		ResetAfter: time.Duration(cfg.LLM.BreakerResetSeconds) * time.Second,
	})
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.LLM.MaxRetries

	return services.NewLLMJudge(client, breaker, services.LLMJudgeConfig{
		Temperature: cfg.LLM.Temperature,
		Retry:       retryCfg,
	}, logger), nil
}

// unconfiguredJudge fails every evaluation so candidates stay pending with a
// recorded error until a model is configured.
type unconfiguredJudge struct{}

func (unconfiguredJudge) Evaluate(ctx context.Context, req *services.JudgeRequest) (*services.JudgeVerdict, error) {
	return nil, fmt.Errorf("no LLM model configured: %w", apperrors.ErrUnsupported)
}
