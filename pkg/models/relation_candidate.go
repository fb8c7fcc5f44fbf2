package models

import (
	"time"
)

// ============================================================================
// Relation Candidate Status
// ============================================================================

// RelationCandidateStatus is the decision state of a relation candidate.
type RelationCandidateStatus string

const (
	RelCandidateStatusPending  RelationCandidateStatus = "pending"
	RelCandidateStatusAccepted RelationCandidateStatus = "accepted"
	RelCandidateStatusRejected RelationCandidateStatus = "rejected"
)

// ============================================================================
// Manual Intervention
// ============================================================================

// ManualIntervention records an explicit operator decision on a candidate.
type ManualIntervention string

const (
	ManualInterventionNone     ManualIntervention = ""
	ManualInterventionAccepted ManualIntervention = "accepted"
	ManualInterventionRejected ManualIntervention = "rejected"
)

// ValidManualInterventions contains the decisions an operator can make.
var ValidManualInterventions = []ManualIntervention{
	ManualInterventionAccepted,
	ManualInterventionRejected,
}

// IsValidManualIntervention checks if the given decision is valid.
func IsValidManualIntervention(m ManualIntervention) bool {
	for _, v := range ValidManualInterventions {
		if v == m {
			return true
		}
	}
	return false
}

// ============================================================================
// Heuristic Evidence
// ============================================================================

// PropertyMapping is one candidate correspondence: a property of entity A that
// holds the value of an identity-key property of entity B.
type PropertyMapping struct {
	EntityAProperty      string `json:"entity_a_property"`
	EntityBIDKeyProperty string `json:"entity_b_idkey_property"`
}

// ExampleMatch is one sampled (entity A, entity B) primary key pair.
type ExampleMatch struct {
	PrimaryKeyA string `json:"pk_a"`
	PrimaryKeyB string `json:"pk_b"`
}

// FkeyHeuristic is the evidence accumulated for a relation candidate within one
// heuristics version.
type FkeyHeuristic struct {
	EntityAType                string            `json:"entity_a_type"`
	EntityBType                string            `json:"entity_b_type"`
	EntityAProperty            string            `json:"entity_a_property"`
	Count                      int               `json:"count"`
	ExampleMatches             []ExampleMatch    `json:"example_matches"`
	PropertyMappings           []PropertyMapping `json:"property_mappings"`
	PropertiesInCompositeIDKey []string          `json:"properties_in_composite_idkey"`
	LastProcessed              time.Time         `json:"last_processed"`
}

// ============================================================================
// Evaluation
// ============================================================================

// FkeyEvaluation is the Judge's verdict on a candidate. It is replaced wholesale
// on every evaluation.
type FkeyEvaluation struct {
	RelationName             string              `json:"relation_name"`
	RelationConfidence       *float64            `json:"relation_confidence"`
	Justification            string              `json:"justification"`
	Thought                  string              `json:"thought"`
	EntityAPropertyValues    map[string][]string `json:"entity_a_property_values,omitempty"`
	EntityAPropertyCounts    map[string]int      `json:"entity_a_property_counts,omitempty"`
	LastEvaluated            time.Time           `json:"last_evaluated"`
	EvaluationHeuristicCount int                 `json:"evaluation_heuristic_count"`
}

// Confidence returns the relation confidence, treating a missing value as 0.0.
func (e *FkeyEvaluation) Confidence() float64 {
	if e == nil || e.RelationConfidence == nil {
		return 0.0
	}
	return *e.RelationConfidence
}

// ============================================================================
// Relation Candidate
// ============================================================================

// RelationCandidate is a hypothesized foreign-key relationship between two entity types.
type RelationCandidate struct {
	RelationID             string             `json:"relation_id"`
	Heuristic              FkeyHeuristic      `json:"heuristic"`
	Evaluation             *FkeyEvaluation    `json:"evaluation,omitempty"`
	IsApplied              bool               `json:"is_applied"`
	ManuallyIntervened     ManualIntervention `json:"manually_intervened,omitempty"`
	EvaluationErrorMessage string             `json:"evaluation_error_message,omitempty"`
}

// RelationName returns the evaluated relation name, or "" if not evaluated.
func (c *RelationCandidate) RelationName() string {
	if c.Evaluation == nil {
		return ""
	}
	return c.Evaluation.RelationName
}

// Status derives the candidate's decision from manual intervention first, then
// from the evaluation confidence against the thresholds. Anything between the
// thresholds (or not yet evaluated) is pending.
func (c *RelationCandidate) Status(acceptanceThreshold, rejectionThreshold float64) RelationCandidateStatus {
	switch c.ManuallyIntervened {
	case ManualInterventionAccepted:
		return RelCandidateStatusAccepted
	case ManualInterventionRejected:
		return RelCandidateStatusRejected
	}
	if c.Evaluation == nil {
		return RelCandidateStatusPending
	}
	confidence := c.Evaluation.Confidence()
	switch {
	case confidence >= acceptanceThreshold:
		return RelCandidateStatusAccepted
	case confidence <= rejectionThreshold:
		return RelCandidateStatusRejected
	default:
		return RelCandidateStatusPending
	}
}

// IsDecided reports whether the candidate is accepted or rejected.
func (c *RelationCandidate) IsDecided(acceptanceThreshold, rejectionThreshold float64) bool {
	return c.Status(acceptanceThreshold, rejectionThreshold) != RelCandidateStatusPending
}
