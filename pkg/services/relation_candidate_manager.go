package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/ekaya-inc/ontology-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontology-engine/pkg/config"
	"github.com/ekaya-inc/ontology-engine/pkg/graph"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

const (
	// EntityTypeNode is the ontology-graph node type that candidate records connect.
	EntityTypeNode = "entity_type"
	// PlaceholderRelationName names candidate records that have no evaluated name yet.
	PlaceholderRelationName = "relation_candidate"

	candidateProperty = "candidate"
	relationIDDomain  = "ontology/relation/v1"
	recordIDDomain    = "ontology/candidate-record/v1"
)

// HeuristicMatch is one entity's evidence for a relation candidate.
type HeuristicMatch struct {
	EntityAType                string
	EntityBType                string
	EntityAProperty            string
	PropertyMappings           []models.PropertyMapping
	PropertiesInCompositeIDKey []string
	Example                    models.ExampleMatch
}

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	CandidateRecords int `json:"candidate_records"`
	DataEdges        int `json:"data_edges"`
}

// RelationCandidateManager persists the relation candidates of one heuristics
// version and keeps the data graph's materialized edges in line with them.
type RelationCandidateManager interface {
	Version() string
	ReadOnly() bool

	GenerateRelationID(entityAType, entityBType string, mappings []models.PropertyMapping) string

	// FetchCandidate returns apperrors.ErrNotFound when the version has no such candidate.
	FetchCandidate(ctx context.Context, relationID string) (*models.RelationCandidate, error)
	FetchAllCandidates(ctx context.Context) ([]*models.RelationCandidate, error)
	// FetchCandidatesBetween lists every candidate from entityAType to entityBType.
	FetchCandidatesBetween(ctx context.Context, entityAType, entityBType string) ([]*models.RelationCandidate, error)

	UpdateHeuristic(ctx context.Context, relationID string, match HeuristicMatch) (*models.RelationCandidate, error)
	UpdateEvaluation(ctx context.Context, relationID string, evaluation *models.FkeyEvaluation) (*models.RelationCandidate, error)
	RecordEvaluationError(ctx context.Context, relationID string, message string) error
	SetManualIntervention(ctx context.Context, relationID string, decision models.ManualIntervention) (*models.RelationCandidate, error)
	// CarryForward copies prior's decision onto this version's candidate with the same id.
	CarryForward(ctx context.Context, prior *models.RelationCandidate) (*models.RelationCandidate, error)

	ApplyRelation(ctx context.Context, relationID string) error
	UnapplyRelation(ctx context.Context, relationID string) error
	SyncRelation(ctx context.Context, relationID string) (models.RelationCandidateStatus, error)

	Cleanup(ctx context.Context) (*CleanupResult, error)
}

type relationCandidateManager struct {
	data     graph.GraphStore
	ontology graph.GraphStore
	version  string
	readOnly bool
	settings config.OntologyConfig
	logger   *zap.Logger
}

// NewRelationCandidateManager creates the manager for one heuristics version.
// A read-only manager serves lookups into an older version and rejects every write.
func NewRelationCandidateManager(
	data graph.GraphStore,
	ontology graph.GraphStore,
	version string,
	readOnly bool,
	settings config.OntologyConfig,
	logger *zap.Logger,
) RelationCandidateManager {
	return &relationCandidateManager{
		data:     data,
		ontology: ontology,
		version:  version,
		readOnly: readOnly,
		settings: withOntologyDefaults(settings),
		logger:   logger.Named("relation-candidates").With(zap.String("heuristics_version", version)),
	}
}

var _ RelationCandidateManager = (*relationCandidateManager)(nil)

func (m *relationCandidateManager) Version() string { return m.version }
func (m *relationCandidateManager) ReadOnly() bool  { return m.readOnly }

// GenerateRelationID hashes the canonical form of a candidate: both entity
// types and the mapping set sorted, so mapping order never changes the id.
func GenerateRelationID(entityAType, entityBType string, mappings []models.PropertyMapping) string {
	pairs := make([][2]string, len(mappings))
	for i, mp := range mappings {
		pairs[i] = [2]string{
			norm.NFC.String(mp.EntityAProperty),
			norm.NFC.String(mp.EntityBIDKeyProperty),
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})

	canonical, _ := json.Marshal(struct {
		EntityAType      string      `json:"entity_a_type"`
		EntityBType      string      `json:"entity_b_type"`
		PropertyMappings [][2]string `json:"property_mappings"`
	}{
		EntityAType:      norm.NFC.String(entityAType),
		EntityBType:      norm.NFC.String(entityBType),
		PropertyMappings: pairs,
	})
	return domainHash(relationIDDomain, canonical)
}

func (m *relationCandidateManager) GenerateRelationID(entityAType, entityBType string, mappings []models.PropertyMapping) string {
	return GenerateRelationID(entityAType, entityBType, mappings)
}

func domainHash(domain string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ============================================================================
// Record encoding
// ============================================================================

func (m *relationCandidateManager) recordID(relationID string) string {
	return domainHash(recordIDDomain, []byte(m.version+"\x00"+relationID))[:32]
}

func typeNode(entityType string) models.EntityRef {
	return models.EntityRef{Type: EntityTypeNode, Key: entityType}
}

func (m *relationCandidateManager) toRecord(c *models.RelationCandidate) (*models.Relation, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode candidate %s: %w", c.RelationID, err)
	}
	name := c.RelationName()
	if name == "" {
		name = PlaceholderRelationName
	}
	confidence := 0.0
	if c.Evaluation != nil {
		confidence = c.Evaluation.Confidence()
	}
	return &models.Relation{
		ID:         m.recordID(c.RelationID),
		From:       typeNode(c.Heuristic.EntityAType),
		To:         typeNode(c.Heuristic.EntityBType),
		Name:       name,
		RelationID: c.RelationID,
		Version:    m.version,
		Confidence: confidence,
		Properties: map[string]any{candidateProperty: string(body)},
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

func fromRecord(r *models.Relation) (*models.RelationCandidate, error) {
	body, ok := r.Properties[candidateProperty].(string)
	if !ok {
		return nil, fmt.Errorf("relation record %s has no candidate body: %w", r.ID, apperrors.ErrValidation)
	}
	var c models.RelationCandidate
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("failed to decode candidate %s: %w", r.RelationID, err)
	}
	return &c, nil
}

func (m *relationCandidateManager) decodeAll(records []*models.Relation) []*models.RelationCandidate {
	out := make([]*models.RelationCandidate, 0, len(records))
	for _, r := range records {
		c, err := fromRecord(r)
		if err != nil {
			m.logger.Warn("Skipping unreadable candidate record", zap.String("record_id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelationID < out[j].RelationID })
	return out
}

func (m *relationCandidateManager) checkWritable() error {
	if m.readOnly {
		return fmt.Errorf("heuristics version %s: %w", m.version, apperrors.ErrReadOnly)
	}
	return nil
}

// save upserts the record in place. The record id does not depend on the
// relation name, so this is only used when the name is unchanged.
func (m *relationCandidateManager) save(ctx context.Context, c *models.RelationCandidate) error {
	rec, err := m.toRecord(c)
	if err != nil {
		return err
	}
	if err := m.ontology.UpdateRelation(ctx, rec); err != nil {
		return fmt.Errorf("failed to store candidate %s: %w", c.RelationID, err)
	}
	return nil
}

// recreate deletes the stored record and writes a fresh one, for changes that
// rename the backing relation.
func (m *relationCandidateManager) recreate(ctx context.Context, c *models.RelationCandidate) error {
	if _, err := m.ontology.RemoveRelations(ctx, models.RelationFilter{RelationID: c.RelationID, Version: m.version}); err != nil {
		return fmt.Errorf("failed to remove candidate record %s: %w", c.RelationID, err)
	}
	return m.save(ctx, c)
}

// ============================================================================
// Reads
// ============================================================================

func (m *relationCandidateManager) FetchCandidate(ctx context.Context, relationID string) (*models.RelationCandidate, error) {
	record, err := m.ontology.GetRelation(ctx, m.recordID(relationID))
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("relation candidate %s: %w", relationID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidate %s: %w", relationID, err)
	}
	return fromRecord(record)
}

func (m *relationCandidateManager) FetchAllCandidates(ctx context.Context) ([]*models.RelationCandidate, error) {
	records, err := m.ontology.FindRelations(ctx, models.RelationFilter{Version: m.version, TaggedOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidates: %w", err)
	}
	return m.decodeAll(records), nil
}

func (m *relationCandidateManager) FetchCandidatesBetween(ctx context.Context, entityAType, entityBType string) ([]*models.RelationCandidate, error) {
	from, to := typeNode(entityAType), typeNode(entityBType)
	records, err := m.ontology.FindRelations(ctx, models.RelationFilter{From: &from, To: &to, Version: m.version})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidates between %s and %s: %w", entityAType, entityBType, err)
	}
	return m.decodeAll(records), nil
}

// ============================================================================
// Writes
// ============================================================================

func (m *relationCandidateManager) UpdateHeuristic(ctx context.Context, relationID string, match HeuristicMatch) (*models.RelationCandidate, error) {
	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	if match.EntityAType == "" || match.EntityBType == "" || len(match.PropertyMappings) == 0 {
		return nil, fmt.Errorf("heuristic for %s needs both entity types and a mapping: %w", relationID, apperrors.ErrValidation)
	}

	c, err := m.FetchCandidate(ctx, relationID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		c = &models.RelationCandidate{
			RelationID: relationID,
			Heuristic: models.FkeyHeuristic{
				EntityAType:      match.EntityAType,
				EntityBType:      match.EntityBType,
				EntityAProperty:  match.EntityAProperty,
				PropertyMappings: append([]models.PropertyMapping(nil), match.PropertyMappings...),
			},
		}
	case err != nil:
		return nil, err
	}

	h := &c.Heuristic
	h.Count++
	if len(h.ExampleMatches) < m.settings.ExampleMatchCap && !containsExample(h.ExampleMatches, match.Example) {
		h.ExampleMatches = append(h.ExampleMatches, match.Example)
	}
	h.PropertiesInCompositeIDKey = unionSorted(h.PropertiesInCompositeIDKey, match.PropertiesInCompositeIDKey)
	h.LastProcessed = time.Now().UTC()

	if err := m.save(ctx, c); err != nil {
		return nil, err
	}
	heuristicUpdates.Inc()
	return c, nil
}

func containsExample(examples []models.ExampleMatch, ex models.ExampleMatch) bool {
	for _, e := range examples {
		if e == ex {
			return true
		}
	}
	return false
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *relationCandidateManager) UpdateEvaluation(ctx context.Context, relationID string, evaluation *models.FkeyEvaluation) (*models.RelationCandidate, error) {
	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	c, err := m.FetchCandidate(ctx, relationID)
	if err != nil {
		return nil, err
	}

	c.Evaluation = evaluation
	c.EvaluationErrorMessage = ""
	if err := m.recreate(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *relationCandidateManager) RecordEvaluationError(ctx context.Context, relationID string, message string) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	c, err := m.FetchCandidate(ctx, relationID)
	if err != nil {
		return err
	}
	c.EvaluationErrorMessage = message
	return m.save(ctx, c)
}

func (m *relationCandidateManager) SetManualIntervention(ctx context.Context, relationID string, decision models.ManualIntervention) (*models.RelationCandidate, error) {
	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	if decision != models.ManualInterventionNone && !models.IsValidManualIntervention(decision) {
		return nil, fmt.Errorf("invalid decision %q: %w", decision, apperrors.ErrValidation)
	}
	c, err := m.FetchCandidate(ctx, relationID)
	if err != nil {
		return nil, err
	}
	if decision == models.ManualInterventionAccepted && c.RelationName() == "" {
		return nil, fmt.Errorf("candidate %s has no relation name to accept: %w", relationID, apperrors.ErrValidation)
	}
	c.ManuallyIntervened = decision
	if err := m.save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *relationCandidateManager) CarryForward(ctx context.Context, prior *models.RelationCandidate) (*models.RelationCandidate, error) {
	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	c, err := m.FetchCandidate(ctx, prior.RelationID)
	if err != nil {
		return nil, err
	}
	if prior.Evaluation != nil {
		eval := *prior.Evaluation
		c.Evaluation = &eval
	}
	c.ManuallyIntervened = prior.ManuallyIntervened
	c.EvaluationErrorMessage = ""
	if err := m.recreate(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ============================================================================
// Materialization
// ============================================================================

func (m *relationCandidateManager) ApplyRelation(ctx context.Context, relationID string) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	c, err := m.FetchCandidate(ctx, relationID)
	if err != nil {
		return err
	}
	name := c.RelationName()
	if name == "" {
		return fmt.Errorf("candidate %s has no relation name: %w", relationID, apperrors.ErrValidation)
	}

	removed, err := m.data.RemoveRelations(ctx, models.RelationFilter{RelationID: relationID})
	if err != nil {
		return fmt.Errorf("failed to remove stale edges of %s: %w", relationID, err)
	}
	created, err := m.data.RelateEntitiesByProperty(ctx, graph.RelateRequest{
		FromType:   c.Heuristic.EntityAType,
		ToType:     c.Heuristic.EntityBType,
		Mappings:   c.Heuristic.PropertyMappings,
		Name:       name,
		RelationID: relationID,
		Version:    m.version,
		Confidence: c.Evaluation.Confidence(),
	})
	if err != nil {
		return fmt.Errorf("failed to materialize %s: %w", relationID, err)
	}

	c.IsApplied = true
	if err := m.save(ctx, c); err != nil {
		return err
	}
	m.logger.Debug("Applied relation",
		zap.String("relation_id", relationID),
		zap.String("relation_name", name),
		zap.Int("removed", removed),
		zap.Int("created", created))
	return nil
}

func (m *relationCandidateManager) UnapplyRelation(ctx context.Context, relationID string) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	c, err := m.FetchCandidate(ctx, relationID)
	if err != nil {
		return err
	}
	removed, err := m.data.RemoveRelations(ctx, models.RelationFilter{RelationID: relationID})
	if err != nil {
		return fmt.Errorf("failed to remove edges of %s: %w", relationID, err)
	}
	if c.IsApplied || removed > 0 {
		c.IsApplied = false
		if err := m.save(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// SyncRelation makes the data graph match the candidate's decision. Only an
// accepted candidate is materialized; pending is handled like rejected.
func (m *relationCandidateManager) SyncRelation(ctx context.Context, relationID string) (models.RelationCandidateStatus, error) {
	if err := m.checkWritable(); err != nil {
		return "", err
	}
	c, err := m.FetchCandidate(ctx, relationID)
	if err != nil {
		return "", err
	}

	status := c.Status(m.settings.AcceptanceThreshold, m.settings.RejectionThreshold)
	if status == models.RelCandidateStatusAccepted {
		err = m.ApplyRelation(ctx, relationID)
	} else {
		err = m.UnapplyRelation(ctx, relationID)
	}
	if err != nil {
		return status, err
	}
	syncTotal.WithLabelValues(string(status)).Inc()
	return status, nil
}

// Cleanup removes candidate records and data-graph edges of every other version.
func (m *relationCandidateManager) Cleanup(ctx context.Context) (*CleanupResult, error) {
	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	records, err := m.ontology.RemoveRelations(ctx, models.RelationFilter{ExcludeVersion: m.version})
	if err != nil {
		return nil, fmt.Errorf("failed to remove stale candidate records: %w", err)
	}
	edges, err := m.data.RemoveRelations(ctx, models.RelationFilter{ExcludeVersion: m.version, TaggedOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to remove stale edges: %w", err)
	}
	cleanupRemoved.WithLabelValues(graph.OntologyGraph).Add(float64(records))
	cleanupRemoved.WithLabelValues(graph.DataGraph).Add(float64(edges))

	m.logger.Info("Cleaned up stale heuristics versions",
		zap.Int("candidate_records", records),
		zap.Int("data_edges", edges))
	return &CleanupResult{CandidateRecords: records, DataEdges: edges}, nil
}
