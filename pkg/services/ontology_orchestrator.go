package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ekaya-inc/ontology-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontology-engine/pkg/audit"
	"github.com/ekaya-inc/ontology-engine/pkg/config"
	"github.com/ekaya-inc/ontology-engine/pkg/graph"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
	"github.com/ekaya-inc/ontology-engine/pkg/prompts"
	"github.com/ekaya-inc/ontology-engine/pkg/repositories"
	"github.com/ekaya-inc/ontology-engine/pkg/retry"
	"github.com/ekaya-inc/ontology-engine/pkg/workerpool"
)

// CycleState is the phase of a discovery cycle.
type CycleState string

const (
	CycleStateInit       CycleState = "INIT"
	CycleStateProcessing CycleState = "PROCESSING"
	CycleStateEvaluating CycleState = "EVALUATING"
	CycleStateSyncing    CycleState = "SYNCING"
	CycleStateDone       CycleState = "DONE"
	CycleStateFailed     CycleState = "FAILED"
)

// CycleStatus reports the progress of the latest discovery cycle.
type CycleStatus struct {
	State           CycleState `json:"state"`
	Version         string     `json:"heuristics_version,omitempty"`
	PreviousVersion string     `json:"previous_version,omitempty"`
	StartedAt       time.Time  `json:"started_at,omitempty"`
	FinishedAt      time.Time  `json:"finished_at,omitempty"`
	Error           string     `json:"error,omitempty"`

	EntitiesTotal     int `json:"entities_total"`
	EntitiesCompleted int `json:"entities_completed"`
	EntitiesFailed    int `json:"entities_failed"`

	Candidates           int `json:"candidates"`
	EvaluationsTotal     int `json:"evaluations_total"`
	EvaluationsCompleted int `json:"evaluations_completed"`
	EvaluationsFailed    int `json:"evaluations_failed"`
	CarriedForward       int `json:"carried_forward"`
	BelowMinCount        int `json:"below_min_count"`

	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Pending  int            `json:"pending"`
	Cleanup  *CleanupResult `json:"cleanup,omitempty"`
}

// OntologyOrchestrator runs discovery cycles and the single-item entry points.
type OntologyOrchestrator interface {
	// ProcessAndEvaluateAll runs a full cycle. It returns apperrors.ErrConflict
	// when a cycle, processing or evaluation is already in flight.
	ProcessAndEvaluateAll(ctx context.Context) (*CycleStatus, error)
	// StartCycle claims the cycle slot and runs the cycle in the background,
	// returning the status at start. The conflict is reported synchronously.
	StartCycle(ctx context.Context) (CycleStatus, error)
	ProcessEntity(ctx context.Context, entityType, primaryKey string) (*ProcessResult, error)
	EvaluateRelation(ctx context.Context, relationID string) (*models.RelationCandidate, error)
	ListCandidates(ctx context.Context) ([]*models.RelationCandidate, error)
	DecideRelation(ctx context.Context, relationID string, decision models.ManualIntervention) (*models.RelationCandidate, error)
	Status() CycleStatus
}

type ontologyOrchestrator struct {
	data       graph.GraphStore
	ontology   graph.GraphStore
	versions   repositories.HeuristicsVersionRepository
	judge      Judge
	processor  HeuristicsProcessor
	locks      *RelationLocks
	auditor    *audit.Auditor
	storeRetry *retry.Config
	settings   config.OntologyConfig
	processing *semaphore.Weighted
	evaluating *semaphore.Weighted
	logger     *zap.Logger

	mu     sync.Mutex
	status CycleStatus
}

// NewOntologyOrchestrator wires the discovery engine.
func NewOntologyOrchestrator(
	data graph.GraphStore,
	ontology graph.GraphStore,
	versions repositories.HeuristicsVersionRepository,
	judge Judge,
	settings config.OntologyConfig,
	logger *zap.Logger,
) OntologyOrchestrator {
	settings = withOntologyDefaults(settings)
	locks := NewRelationLocks(settings.LockShards)
	return &ontologyOrchestrator{
		data:       data,
		ontology:   ontology,
		versions:   versions,
		judge:      judge,
		processor:  NewHeuristicsProcessor(data, locks, settings, logger),
		locks:      locks,
		auditor:    audit.NewAuditor(logger),
		storeRetry: storeRetryConfig(settings),
		settings:   settings,
		processing: semaphore.NewWeighted(1),
		evaluating: semaphore.NewWeighted(1),
		logger:     logger.Named("ontology-orchestrator"),
		status:     CycleStatus{State: CycleStateInit},
	}
}

var _ OntologyOrchestrator = (*ontologyOrchestrator)(nil)

func storeRetryConfig(settings config.OntologyConfig) *retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = settings.StoreMaxRetries
	return cfg
}

// withStoreRetry retries transient graph store reads.
func withStoreRetry[T any](ctx context.Context, o *ontologyOrchestrator, fn func() (T, error)) (T, error) {
	return retry.DoIfRetryableWithResult(ctx, o.storeRetry, fn)
}

func (o *ontologyOrchestrator) Status() CycleStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *ontologyOrchestrator) update(fn func(s *CycleStatus)) {
	o.mu.Lock()
	fn(&o.status)
	o.mu.Unlock()
}

func (o *ontologyOrchestrator) setState(state CycleState) {
	o.update(func(s *CycleStatus) { s.State = state })
}

func (o *ontologyOrchestrator) manager(version string, readOnly bool) RelationCandidateManager {
	return NewRelationCandidateManager(o.data, o.ontology, version, readOnly, o.settings, o.logger)
}

func (o *ontologyOrchestrator) currentManager(ctx context.Context) (RelationCandidateManager, error) {
	version, err := o.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	return o.manager(version, false), nil
}

func (o *ontologyOrchestrator) currentVersion(ctx context.Context) (string, error) {
	version, err := o.versions.GetCurrentVersion(ctx)
	if err != nil {
		return "", err
	}
	if version == "" {
		return "", fmt.Errorf("no heuristics version has been promoted: %w", apperrors.ErrNotFound)
	}
	return version, nil
}

// ============================================================================
// Full cycle
// ============================================================================

func (o *ontologyOrchestrator) ProcessAndEvaluateAll(ctx context.Context) (*CycleStatus, error) {
	if err := o.acquireCycle(); err != nil {
		return nil, err
	}
	defer o.releaseCycle()
	return o.cycle(ctx)
}

func (o *ontologyOrchestrator) StartCycle(ctx context.Context) (CycleStatus, error) {
	if err := o.acquireCycle(); err != nil {
		return CycleStatus{}, err
	}
	o.mu.Lock()
	o.status = CycleStatus{State: CycleStateInit, StartedAt: time.Now().UTC()}
	started := o.status
	o.mu.Unlock()

	go func() {
		defer o.releaseCycle()
		// the cycle outlives the caller's request
		_, _ = o.cycle(context.WithoutCancel(ctx))
	}()
	return started, nil
}

func (o *ontologyOrchestrator) acquireCycle() error {
	if !o.processing.TryAcquire(1) {
		o.logger.Warn("Rejected discovery cycle: processing already in progress")
		return fmt.Errorf("processing already in progress: %w", apperrors.ErrConflict)
	}
	if !o.evaluating.TryAcquire(1) {
		o.processing.Release(1)
		o.logger.Warn("Rejected discovery cycle: evaluation already in progress")
		return fmt.Errorf("evaluation already in progress: %w", apperrors.ErrConflict)
	}
	return nil
}

func (o *ontologyOrchestrator) releaseCycle() {
	o.evaluating.Release(1)
	o.processing.Release(1)
}

// cycle runs one discovery cycle. The caller holds both semaphores.
func (o *ontologyOrchestrator) cycle(ctx context.Context) (*CycleStatus, error) {
	ctx, span := tracer.Start(ctx, "ontology.discovery_cycle", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	started := time.Now()
	if err := o.runCycle(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		cycleTotal.WithLabelValues("failed").Inc()
		o.update(func(s *CycleStatus) {
			s.State = CycleStateFailed
			s.Error = err.Error()
			s.FinishedAt = time.Now().UTC()
		})
		o.logger.Error("Discovery cycle failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		failed := o.Status()
		return &failed, err
	}

	cycleTotal.WithLabelValues("succeeded").Inc()
	o.update(func(s *CycleStatus) {
		s.State = CycleStateDone
		s.FinishedAt = time.Now().UTC()
	})
	final := o.Status()
	o.logger.Info("Discovery cycle complete",
		zap.String("heuristics_version", final.Version),
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("entities", final.EntitiesCompleted),
		zap.Int("candidates", final.Candidates),
		zap.Int("accepted", final.Accepted),
		zap.Int("rejected", final.Rejected),
		zap.Int("pending", final.Pending))
	return &final, nil
}

func (o *ontologyOrchestrator) runCycle(ctx context.Context) error {
	oldVersion, err := o.versions.GetCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current heuristics version: %w", err)
	}
	newVersion := uuid.NewString()

	o.mu.Lock()
	o.status = CycleStatus{
		State:           CycleStateInit,
		Version:         newVersion,
		PreviousVersion: oldVersion,
		StartedAt:       time.Now().UTC(),
	}
	o.mu.Unlock()
	versionField := zap.String("heuristics_version", newVersion)
	o.logger.Info("Starting discovery cycle", versionField, zap.String("previous_version", oldVersion))

	newMgr := o.manager(newVersion, false)
	var oldMgr RelationCandidateManager
	if oldVersion != "" {
		oldMgr = o.manager(oldVersion, true)
	}

	phase := func(state CycleState, run func(context.Context) error) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cycle canceled before %s: %w", state, err)
		}
		o.setState(state)
		pctx, span := tracer.Start(ctx, "ontology.phase."+string(state))
		span.SetAttributes(attribute.String("heuristics_version", newVersion))
		defer span.End()

		start := time.Now()
		err := run(pctx)
		cycleDuration.WithLabelValues(string(state)).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	if err := phase(CycleStateProcessing, func(ctx context.Context) error {
		return o.processAll(ctx, newMgr)
	}); err != nil {
		return err
	}
	if err := phase(CycleStateEvaluating, func(ctx context.Context) error {
		return o.evaluateAll(ctx, newMgr, oldMgr)
	}); err != nil {
		return err
	}
	return phase(CycleStateSyncing, func(ctx context.Context) error {
		if err := o.versions.SetCurrentVersion(ctx, newVersion); err != nil {
			return fmt.Errorf("failed to promote heuristics version %s: %w", newVersion, err)
		}
		o.logger.Info("Promoted heuristics version", versionField)
		o.auditor.LogVersionPromotion(ctx, oldVersion, newVersion)
		o.syncAll(ctx, newMgr)

		cleanup, err := newMgr.Cleanup(ctx)
		if err != nil {
			// The version is already current; stale records go with the next cycle.
			o.logger.Error("Cleanup of stale versions failed", versionField, zap.Error(err))
			return nil
		}
		o.update(func(s *CycleStatus) { s.Cleanup = cleanup })
		return nil
	})
}

// processAll feeds every entity of every type through the heuristics
// processor. Entities are read EntityPageSize at a time.
func (o *ontologyOrchestrator) processAll(ctx context.Context, mgr RelationCandidateManager) error {
	types, err := o.data.GetAllEntityTypes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entity types: %w", err)
	}

	pool := workerpool.New("processing", workerpool.Config{MaxConcurrent: o.settings.MaxConcurrentProcessing}, o.logger)

	var listMu sync.Mutex
	byType := make(map[string][]*models.Entity, len(types))
	err = workerpool.ForEach(ctx, pool, types, func(ctx context.Context, entityType string) error {
		entities, err := o.listAllEntities(ctx, entityType)
		if err != nil {
			return err
		}
		listMu.Lock()
		byType[entityType] = entities
		listMu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	var items []workerpool.WorkItem[*ProcessResult]
	for _, entityType := range types {
		for _, e := range byType[entityType] {
			items = append(items, workerpool.WorkItem[*ProcessResult]{
				ID: e.Ref().String(),
				Execute: func(ctx context.Context) (*ProcessResult, error) {
					return o.processor.Process(context.WithoutCancel(ctx), e, mgr)
				},
			})
		}
	}
	o.update(func(s *CycleStatus) { s.EntitiesTotal = len(items) })

	results := workerpool.Process(ctx, pool, items, func(completed, total int) {
		o.update(func(s *CycleStatus) { s.EntitiesCompleted = completed })
	})

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			entitiesProcessed.WithLabelValues("failed").Inc()
			o.logger.Error("Failed to process entity", zap.String("entity", r.ID), zap.Error(r.Err))
			continue
		}
		entitiesProcessed.WithLabelValues("succeeded").Inc()
	}
	o.update(func(s *CycleStatus) { s.EntitiesFailed = failed })
	o.logger.Info("Processed entities",
		zap.String("heuristics_version", mgr.Version()),
		zap.Int("total", len(items)),
		zap.Int("failed", failed))
	return nil
}

// listAllEntities pages through one entity type by primary key.
func (o *ontologyOrchestrator) listAllEntities(ctx context.Context, entityType string) ([]*models.Entity, error) {
	var (
		all   []*models.Entity
		after string
	)
	for {
		page, err := withStoreRetry(ctx, o, func() ([]*models.Entity, error) {
			return o.data.ListEntities(ctx, entityType, after, o.settings.EntityPageSize)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s entities: %w", entityType, err)
		}
		all = append(all, page...)
		if len(page) < o.settings.EntityPageSize {
			return all, nil
		}
		after = page[len(page)-1].PrimaryKey()
	}
}

// evaluateAll decides which new candidates need the Judge. Candidates whose
// prior decision still holds are carried forward instead.
func (o *ontologyOrchestrator) evaluateAll(ctx context.Context, newMgr, oldMgr RelationCandidateManager) error {
	candidates, err := newMgr.FetchAllCandidates(ctx)
	if err != nil {
		return fmt.Errorf("failed to list candidates: %w", err)
	}
	o.update(func(s *CycleStatus) { s.Candidates = len(candidates) })

	var items []workerpool.WorkItem[*models.RelationCandidate]
	carried, belowMin := 0, 0
	for _, c := range candidates {
		prior := o.priorCandidate(ctx, oldMgr, c.RelationID)

		if prior != nil && prior.ManuallyIntervened != models.ManualInterventionNone {
			if o.carryForward(ctx, newMgr, prior) {
				carried++
			}
			continue
		}
		if c.Heuristic.Count < o.settings.MinCountForEval {
			belowMin++
			evaluationsTotal.WithLabelValues("below_min_count").Inc()
			continue
		}
		if prior != nil && o.decisionStillHolds(prior, c.Heuristic.Count) {
			if o.carryForward(ctx, newMgr, prior) {
				carried++
			}
			continue
		}

		relationID := c.RelationID
		items = append(items, workerpool.WorkItem[*models.RelationCandidate]{
			ID: relationID,
			Execute: func(ctx context.Context) (*models.RelationCandidate, error) {
				return o.evaluate(context.WithoutCancel(ctx), newMgr, relationID)
			},
		})
	}
	o.update(func(s *CycleStatus) {
		s.CarriedForward = carried
		s.BelowMinCount = belowMin
		s.EvaluationsTotal = len(items)
	})

	pool := workerpool.New("evaluation", workerpool.Config{MaxConcurrent: o.settings.MaxConcurrentEvaluation}, o.logger)
	results := workerpool.Process(ctx, pool, items, func(completed, total int) {
		o.update(func(s *CycleStatus) { s.EvaluationsCompleted = completed })
	})
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			o.logger.Error("Failed to evaluate relation", zap.String("relation_id", r.ID), zap.Error(r.Err))
		}
	}
	o.update(func(s *CycleStatus) { s.EvaluationsFailed = failed })
	o.logger.Info("Evaluated relation candidates",
		zap.String("heuristics_version", newMgr.Version()),
		zap.Int("candidates", len(candidates)),
		zap.Int("submitted", len(items)),
		zap.Int("carried_forward", carried),
		zap.Int("below_min_count", belowMin),
		zap.Int("failed", failed))
	return nil
}

func (o *ontologyOrchestrator) priorCandidate(ctx context.Context, oldMgr RelationCandidateManager, relationID string) *models.RelationCandidate {
	if oldMgr == nil {
		return nil
	}
	prior, err := oldMgr.FetchCandidate(ctx, relationID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			o.logger.Warn("Failed to read prior candidate; evaluating from scratch",
				zap.String("relation_id", relationID), zap.Error(err))
		}
		return nil
	}
	return prior
}

// decisionStillHolds reports whether a decided prior candidate saw a count
// change below the configured ratio since it was evaluated.
func (o *ontologyOrchestrator) decisionStillHolds(prior *models.RelationCandidate, count int) bool {
	if prior.Evaluation == nil || !prior.IsDecided(o.settings.AcceptanceThreshold, o.settings.RejectionThreshold) {
		return false
	}
	baseline := prior.Evaluation.EvaluationHeuristicCount
	if baseline <= 0 {
		return false
	}
	change := math.Abs(float64(count-baseline)) / float64(baseline)
	return change < o.settings.CountChangeThresholdRatio
}

func (o *ontologyOrchestrator) carryForward(ctx context.Context, mgr RelationCandidateManager, prior *models.RelationCandidate) bool {
	err := o.locks.With(prior.RelationID, func() error {
		if _, err := mgr.CarryForward(ctx, prior); err != nil {
			return err
		}
		_, err := mgr.SyncRelation(ctx, prior.RelationID)
		return err
	})
	if err != nil {
		o.logger.Error("Failed to carry forward relation decision",
			zap.String("relation_id", prior.RelationID), zap.Error(err))
		return false
	}
	evaluationsTotal.WithLabelValues("carried_forward").Inc()
	return true
}

// syncAll makes the data graph reflect every candidate of the promoted version.
func (o *ontologyOrchestrator) syncAll(ctx context.Context, mgr RelationCandidateManager) {
	candidates, err := mgr.FetchAllCandidates(ctx)
	if err != nil {
		o.logger.Error("Failed to list candidates for sync", zap.Error(err))
		return
	}
	items := make([]workerpool.WorkItem[models.RelationCandidateStatus], len(candidates))
	for i, c := range candidates {
		relationID := c.RelationID
		items[i] = workerpool.WorkItem[models.RelationCandidateStatus]{
			ID: relationID,
			Execute: func(ctx context.Context) (status models.RelationCandidateStatus, err error) {
				err = o.locks.With(relationID, func() error {
					status, err = mgr.SyncRelation(context.WithoutCancel(ctx), relationID)
					return err
				})
				return status, err
			},
		}
	}

	pool := workerpool.New("sync", workerpool.Config{MaxConcurrent: o.settings.MaxConcurrentEvaluation}, o.logger)
	counts := map[models.RelationCandidateStatus]int{}
	for _, r := range workerpool.Process(ctx, pool, items, nil) {
		if r.Err != nil {
			o.logger.Error("Failed to sync relation", zap.String("relation_id", r.ID), zap.Error(r.Err))
			continue
		}
		counts[r.Result]++
	}
	o.update(func(s *CycleStatus) {
		s.Accepted = counts[models.RelCandidateStatusAccepted]
		s.Rejected = counts[models.RelCandidateStatusRejected]
		s.Pending = counts[models.RelCandidateStatusPending]
	})
}

// ============================================================================
// Evaluation
// ============================================================================

// evaluate asks the Judge about one candidate and syncs the outcome. Judge and
// store failures are recorded on the candidate.
func (o *ontologyOrchestrator) evaluate(ctx context.Context, mgr RelationCandidateManager, relationID string) (*models.RelationCandidate, error) {
	ctx, span := tracer.Start(ctx, "ontology.evaluate_relation",
		trace.WithAttributes(attribute.String("relation_id", relationID)))
	defer span.End()

	c, err := withStoreRetry(ctx, o, func() (*models.RelationCandidate, error) {
		return mgr.FetchCandidate(ctx, relationID)
	})
	if err != nil {
		return nil, err
	}

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		evaluationsTotal.WithLabelValues("error").Inc()
		recErr := o.locks.With(relationID, func() error {
			return mgr.RecordEvaluationError(ctx, relationID, err.Error())
		})
		if recErr != nil {
			o.logger.Error("Failed to record evaluation error", zap.String("relation_id", relationID), zap.Error(recErr))
		}
		return err
	}

	req, err := o.buildJudgeRequest(ctx, mgr, c)
	if err != nil {
		return nil, fail(fmt.Errorf("failed to gather context for %s: %w", relationID, err))
	}

	verdict, err := o.judge.Evaluate(ctx, req)
	if err != nil {
		return nil, fail(fmt.Errorf("judge failed for %s: %w", relationID, err))
	}

	confidence := verdict.Confidence
	if confidence == nil {
		// A verdict without confidence is a rejection.
		o.logger.Warn("Judge returned no confidence; treating as 0.0", zap.String("relation_id", relationID))
		zero := 0.0
		confidence = &zero
	}
	evaluation := &models.FkeyEvaluation{
		RelationName:             verdict.RelationName,
		RelationConfidence:       confidence,
		Justification:            verdict.Justification,
		Thought:                  verdict.ReasoningTrace,
		EntityAPropertyValues:    req.PropertyValues,
		EntityAPropertyCounts:    req.PropertyCounts,
		LastEvaluated:            time.Now().UTC(),
		EvaluationHeuristicCount: c.Heuristic.Count,
	}

	var updated *models.RelationCandidate
	var status models.RelationCandidateStatus
	err = o.locks.With(relationID, func() error {
		var err error
		if updated, err = mgr.UpdateEvaluation(ctx, relationID, evaluation); err != nil {
			return err
		}
		status, err = mgr.SyncRelation(ctx, relationID)
		return err
	})
	if err != nil {
		evaluationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	updated.IsApplied = status == models.RelCandidateStatusAccepted
	evaluationsTotal.WithLabelValues("evaluated").Inc()
	span.SetAttributes(
		attribute.String("relation_name", evaluation.RelationName),
		attribute.Float64("confidence", *confidence),
		attribute.String("status", string(status)))
	return updated, nil
}

func (o *ontologyOrchestrator) buildJudgeRequest(ctx context.Context, mgr RelationCandidateManager, c *models.RelationCandidate) (*JudgeRequest, error) {
	h := c.Heuristic
	req := &JudgeRequest{
		RelationID:                 c.RelationID,
		EntityAType:                h.EntityAType,
		EntityBType:                h.EntityBType,
		Mappings:                   h.PropertyMappings,
		PropertiesInCompositeIDKey: h.PropertiesInCompositeIDKey,
		Count:                      h.Count,
		PropertyValues:             make(map[string][]string, len(h.PropertyMappings)),
		PropertyCounts:             make(map[string]int, len(h.PropertyMappings)),
	}

	for _, mp := range h.PropertyMappings {
		prop := mp.EntityAProperty
		values, err := withStoreRetry(ctx, o, func() ([]models.Value, error) {
			return o.data.GetValuesOfMatchingProperty(ctx, h.EntityAType, prop, nil, o.settings.PropertySampleSize)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to sample %s.%s: %w", h.EntityAType, prop, err)
		}
		samples := make([]string, len(values))
		for i, v := range values {
			samples[i] = v.String()
		}
		req.PropertyValues[prop] = samples

		count, err := withStoreRetry(ctx, o, func() (int, error) {
			return o.data.GetPropertyValueCount(ctx, h.EntityAType, prop, nil)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to count %s.%s: %w", h.EntityAType, prop, err)
		}
		req.PropertyCounts[prop] = count
	}

	examples := h.ExampleMatches
	if len(examples) > o.settings.MaxRelationExamples {
		examples = examples[:o.settings.MaxRelationExamples]
	}
	req.Examples = examples

	siblings, err := withStoreRetry(ctx, o, func() ([]*models.RelationCandidate, error) {
		return mgr.FetchCandidatesBetween(ctx, h.EntityAType, h.EntityBType)
	})
	if err != nil {
		return nil, err
	}
	for _, s := range siblings {
		if s.RelationID == c.RelationID {
			continue
		}
		sc := prompts.SiblingContext{
			RelationID:   s.RelationID,
			Mappings:     s.Heuristic.PropertyMappings,
			Count:        s.Heuristic.Count,
			RelationName: s.RelationName(),
		}
		if s.Evaluation != nil {
			sc.Confidence = s.Evaluation.RelationConfidence
		}
		req.Siblings = append(req.Siblings, sc)
	}
	sort.Slice(req.Siblings, func(i, j int) bool { return req.Siblings[i].Count > req.Siblings[j].Count })
	return req, nil
}

// ============================================================================
// Single-item entry points
// ============================================================================

// ProcessEntity reprocesses one entity into the current version. Each call
// adds the entity's evidence again.
func (o *ontologyOrchestrator) ProcessEntity(ctx context.Context, entityType, primaryKey string) (*ProcessResult, error) {
	if !o.processing.TryAcquire(1) {
		return nil, fmt.Errorf("processing already in progress: %w", apperrors.ErrConflict)
	}
	defer o.processing.Release(1)

	mgr, err := o.currentManager(ctx)
	if err != nil {
		return nil, err
	}
	entity, err := o.data.FetchEntity(ctx, entityType, primaryKey)
	if err != nil {
		return nil, err
	}
	return o.processor.Process(ctx, entity, mgr)
}

// EvaluateRelation re-evaluates one candidate of the current version
// regardless of its count or prior decision.
func (o *ontologyOrchestrator) EvaluateRelation(ctx context.Context, relationID string) (*models.RelationCandidate, error) {
	if !o.evaluating.TryAcquire(1) {
		return nil, fmt.Errorf("evaluation already in progress: %w", apperrors.ErrConflict)
	}
	defer o.evaluating.Release(1)

	mgr, err := o.currentManager(ctx)
	if err != nil {
		return nil, err
	}
	return o.evaluate(ctx, mgr, relationID)
}

func (o *ontologyOrchestrator) ListCandidates(ctx context.Context) ([]*models.RelationCandidate, error) {
	mgr, err := o.currentManager(ctx)
	if err != nil {
		return nil, err
	}
	return mgr.FetchAllCandidates(ctx)
}

// DecideRelation records an operator decision on a current candidate and
// syncs it. ManualInterventionNone hands the decision back to the thresholds.
func (o *ontologyOrchestrator) DecideRelation(ctx context.Context, relationID string, decision models.ManualIntervention) (*models.RelationCandidate, error) {
	if !o.evaluating.TryAcquire(1) {
		return nil, fmt.Errorf("evaluation already in progress: %w", apperrors.ErrConflict)
	}
	defer o.evaluating.Release(1)

	version, err := o.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	mgr := o.manager(version, false)

	var decided *models.RelationCandidate
	err = o.locks.With(relationID, func() error {
		if _, err := mgr.SetManualIntervention(ctx, relationID, decision); err != nil {
			return err
		}
		if _, err := mgr.SyncRelation(ctx, relationID); err != nil {
			return err
		}
		decided, err = mgr.FetchCandidate(ctx, relationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.auditor.LogRelationDecision(ctx, audit.RelationDecisionDetails{
		RelationID:        relationID,
		Decision:          string(decision),
		EntityAType:       decided.Heuristic.EntityAType,
		EntityBType:       decided.Heuristic.EntityBType,
		HeuristicsVersion: version,
	})
	return decided, nil
}
